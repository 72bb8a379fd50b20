// Package routetable holds the live SNI map shared between the Control
// Channel (sole writer) and the SNI Proxy (reader on every accept). The
// map is swapped, never mutated in place, via atomic.Pointer — the hot-swap
// idiom preferred over a reader/writer lock for a value read on every
// accepted connection.
package routetable

import "sync/atomic"

// Backend is a dial target: an IPv4/IPv6 address literal and port.
type Backend struct {
	Host string
	Port uint16
}

// Table is the atomically-swapped holder for the current SNI map.
type Table struct {
	ptr atomic.Pointer[map[string]Backend]
}

// New returns a Table initialized to the given map (copied defensively).
func New(initial map[string]Backend) *Table {
	t := &Table{}
	t.Store(initial)
	return t
}

// Load returns the currently installed map. Callers must not mutate it;
// treat it as immutable once returned.
func (t *Table) Load() map[string]Backend {
	p := t.ptr.Load()
	if p == nil {
		return map[string]Backend{}
	}
	return *p
}

// Store installs m as the current map. m is copied so later mutation by
// the caller cannot be observed by readers that already loaded it.
func (t *Table) Store(m map[string]Backend) {
	copied := make(map[string]Backend, len(m))
	for k, v := range m {
		copied[k] = v
	}
	t.ptr.Store(&copied)
}

// Lookup resolves an SNI per spec: if sni is present in the map, use its
// backend; if sni is empty or absent, fall back to the "default" entry.
func (t *Table) Lookup(sni string) (Backend, bool) {
	m := t.Load()
	if sni != "" {
		if be, ok := m[sni]; ok {
			return be, true
		}
	}
	be, ok := m["default"]
	return be, ok
}
