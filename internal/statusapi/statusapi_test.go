package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusReportsRevision(t *testing.T) {
	s := New()
	s.SetRevision(42)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint64(42), body.ConfigRevision)
}

func TestStatusReportsVaultSecretsWithoutValues(t *testing.T) {
	s := New()
	s.SetVaultSecrets([]VaultEntry{{ID: "abc123", CreatedAt: "2026-01-01T00:00:00Z"}})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret_value")

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []VaultEntry{{ID: "abc123", CreatedAt: "2026-01-01T00:00:00Z"}}, body.VaultSecrets)
}
