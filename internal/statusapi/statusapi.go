// Package statusapi exposes a read-only, loopback-only introspection
// endpoint. It is a trimmed descendant of the teacher's admin status
// handler: no mutation, no JSON config staging, just uptime and revision.
package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Status is the JSON body returned by GET /status.
type Status struct {
	SystemUptime   string       `json:"system_uptime"`
	SystemSeconds  float64      `json:"system_seconds"`
	ConfigRevision uint64       `json:"config_revision"`
	EarliestExpiry string       `json:"earliest_cert_expiry,omitempty"`
	VaultSecrets   []VaultEntry `json:"vault_secrets,omitempty"`
}

// VaultEntry is one secret's provisioning metadata, with no secret value:
// an operator can see which startup keys are vault-backed and how old
// each credential is without the status endpoint ever exposing one.
type VaultEntry struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

// Server tracks the information /status reports and answers requests.
type Server struct {
	start          time.Time
	revision       atomic.Uint64
	earliestExpiry atomic.Value // time.Time
	vaultSecrets   atomic.Value // []VaultEntry
}

// New returns a Server whose uptime clock starts now.
func New() *Server {
	return &Server{start: time.Now()}
}

// SetRevision records the current config revision (the Blob Store
// superblock counter), shown in /status.
func (s *Server) SetRevision(counter uint64) {
	s.revision.Store(counter)
}

// SetEarliestExpiry records the earliest NotAfter across the installed
// certificate bundle, shown in /status.
func (s *Server) SetEarliestExpiry(t time.Time) {
	s.earliestExpiry.Store(t)
}

// SetVaultSecrets records the secret vault's current metadata listing,
// shown in /status, so an operator can confirm which startup keys are
// vault-backed and audit their age over a loopback connection.
func (s *Server) SetVaultSecrets(entries []VaultEntry) {
	s.vaultSecrets.Store(entries)
}

// Handler returns an http.Handler serving GET /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.start)

	status := Status{
		SystemUptime:   formatDuration(uptime),
		SystemSeconds:  roundSeconds(uptime),
		ConfigRevision: s.revision.Load(),
	}
	if t, ok := s.earliestExpiry.Load().(time.Time); ok && !t.IsZero() {
		status.EarliestExpiry = t.UTC().Format(time.RFC3339)
	}
	if entries, ok := s.vaultSecrets.Load().([]VaultEntry); ok {
		status.VaultSecrets = entries
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "   ")
	_ = enc.Encode(status)
}

func roundSeconds(d time.Duration) float64 {
	v, _ := strconv.ParseFloat(fmt.Sprintf("%.3f", d.Seconds()), 64)
	return v
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int(d / time.Second)

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if len(parts) > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if len(parts) > 0 || minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))

	return strings.Join(parts, " ")
}
