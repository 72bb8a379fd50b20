package certmanager

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func leafExpiring(in time.Duration) *tls.Certificate {
	return &tls.Certificate{Leaf: &x509.Certificate{NotAfter: time.Now().Add(in)}}
}

func TestRenewalDelayClampedToOneHourFloor(t *testing.T) {
	// Expires in 2 days: minus the 7-day lead time this would be negative,
	// so the clamp must apply.
	b := certBundle{chains: []*tls.Certificate{leafExpiring(2 * 24 * time.Hour)}}
	require.Equal(t, minRenewalSleep, b.renewalDelay())
}

func TestRenewalDelayUsesMinimumAcrossChains(t *testing.T) {
	b := certBundle{chains: []*tls.Certificate{
		leafExpiring(30 * 24 * time.Hour),
		leafExpiring(20 * 24 * time.Hour),
	}}
	got := b.renewalDelay()
	want := 20*24*time.Hour - renewalLeadTime
	require.InDelta(t, want.Seconds(), got.Seconds(), 2)
}

func TestRenewalDelayWithNoValidLeavesFallsBackToFloor(t *testing.T) {
	b := certBundle{chains: []*tls.Certificate{{Leaf: nil}}}
	require.Equal(t, minRenewalSleep, b.renewalDelay())
}

func TestDeriveKeySeedIsDeterministic(t *testing.T) {
	k1, err := derivePrivateKeySeed("a.example:global-seed")
	require.NoError(t, err)
	k2, err := derivePrivateKeySeed("a.example:global-seed")
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := derivePrivateKeySeed("b.example:global-seed")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestDeriveCertificateKeyIsDeterministicAndValid(t *testing.T) {
	k1, err := deriveCertificateKey("a.example:global-seed")
	require.NoError(t, err)
	k2, err := deriveCertificateKey("a.example:global-seed")
	require.NoError(t, err)
	require.Equal(t, k1.D, k2.D)
	require.True(t, k1.Curve.IsOnCurve(k1.X, k1.Y))

	k3, err := deriveCertificateKey("b.example:global-seed")
	require.NoError(t, err)
	require.NotEqual(t, k1.D, k3.D)
}
