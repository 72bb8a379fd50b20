package sniproxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldkeep/sniproxy/internal/logging"
	"github.com/coldkeep/sniproxy/internal/routetable"
)

func selfSignedConfig(t *testing.T, name string) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestTLSProxyRoutesBySNIAndTunnelsBytes(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = backendLn.Close() }()

	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 5)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("world"))
	}()

	host, portStr, err := net.SplitHostPort(backendLn.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	table := routetable.New(map[string]routetable.Backend{
		"a.example": {Host: host, Port: uint16(port)},
	})
	proxy := New(logging.NewDefault(), table, time.Second)
	proxy.SetTLSConfig(selfSignedConfig(t, "a.example"))

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = frontLn.Close() }()
	go func() { _ = proxy.ServeTLS(frontLn) }()

	rawConn, err := net.Dial("tcp", frontLn.Addr().String())
	require.NoError(t, err)
	defer func() { _ = rawConn.Close() }()

	clientConn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true, ServerName: "a.example"})
	require.NoError(t, clientConn.Handshake())

	_, err = clientConn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = clientConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	<-backendDone
}

func TestTLSProxyClosesWhenNoBackendResolves(t *testing.T) {
	table := routetable.New(nil)
	proxy := New(logging.NewDefault(), table, time.Second)
	proxy.SetTLSConfig(selfSignedConfig(t, "unused.example"))

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = frontLn.Close() }()
	go func() { _ = proxy.ServeTLS(frontLn) }()

	rawConn, err := net.Dial("tcp", frontLn.Addr().String())
	require.NoError(t, err)
	defer func() { _ = rawConn.Close() }()

	clientConn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true, ServerName: "x.example"})
	require.NoError(t, clientConn.Handshake())

	buf := make([]byte, 1)
	_, err = clientConn.Read(buf)
	require.Error(t, err)
}
