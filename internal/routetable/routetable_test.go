package routetable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupExactMatch(t *testing.T) {
	table := New(map[string]Backend{"a.example": {Host: "10.0.0.1", Port: 4443}})

	be, ok := table.Lookup("a.example")
	require.True(t, ok)
	require.Equal(t, Backend{Host: "10.0.0.1", Port: 4443}, be)
}

func TestLookupAbsentSNIFallsBackToDefault(t *testing.T) {
	table := New(map[string]Backend{
		"a.example": {Host: "10.0.0.1", Port: 4443},
		"default":   {Host: "10.0.0.9", Port: 4443},
	})

	be, ok := table.Lookup("")
	require.True(t, ok)
	require.Equal(t, Backend{Host: "10.0.0.9", Port: 4443}, be)
}

func TestLookupUnknownSNIFallsBackToDefault(t *testing.T) {
	table := New(map[string]Backend{
		"a.example": {Host: "10.0.0.1", Port: 4443},
		"default":   {Host: "10.0.0.9", Port: 4443},
	})

	be, ok := table.Lookup("x.example")
	require.True(t, ok)
	require.Equal(t, Backend{Host: "10.0.0.9", Port: 4443}, be)
}

func TestLookupUnknownSNINoDefaultFails(t *testing.T) {
	table := New(map[string]Backend{"a.example": {Host: "10.0.0.1", Port: 4443}})

	_, ok := table.Lookup("x.example")
	require.False(t, ok)
}

func TestStoreCopiesDefensively(t *testing.T) {
	m := map[string]Backend{"a.example": {Host: "10.0.0.1", Port: 4443}}
	table := New(m)

	m["a.example"] = Backend{Host: "mutated", Port: 1}

	be, ok := table.Lookup("a.example")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", be.Host)
}
