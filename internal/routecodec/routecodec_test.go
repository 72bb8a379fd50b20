package routecodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldkeep/sniproxy/internal/routetable"
)

func TestMapRoundTrip(t *testing.T) {
	m := map[string]routetable.Backend{
		"a.example":       {Host: "10.0.0.1", Port: 4443},
		"default":         {Host: "10.0.0.9", Port: 4443},
		"b.example.co.uk": {Host: "::1", Port: 8443},
	}

	data, err := EncodeMap(m)
	require.NoError(t, err)

	got, err := DecodeMap(data)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestEmptyMapRoundTrip(t *testing.T) {
	data, err := EncodeMap(map[string]routetable.Backend{})
	require.NoError(t, err)
	require.Empty(t, data)

	got, err := DecodeMap(data)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCommandRoundTrip(t *testing.T) {
	cases := []Command{
		{Tag: TagAdd, SNI: "a.example", Host: "10.0.0.1", Port: 4443},
		{Tag: TagRemove, SNI: "a.example"},
		{Tag: TagList},
		{Tag: TagPing},
	}
	for _, c := range cases {
		data, err := EncodeCommand(c)
		require.NoError(t, err)
		got, err := DecodeCommand(data)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	cases := []Reply{
		{Tag: TagResult, Code: 0, Message: "a.example was successfully added"},
		{Tag: TagResult, Code: 3, Message: "authentication failure"},
		{Tag: TagSnis, Entries: []SniEntry{
			{SNI: "a.example", Host: "10.0.0.1", Port: 4443},
			{SNI: "default", Host: "10.0.0.9", Port: 4443},
		}},
		{Tag: TagSnis, Entries: nil},
	}
	for _, r := range cases {
		data, err := EncodeReply(r)
		require.NoError(t, err)
		got, err := DecodeReply(data)
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
}

func TestDecodeCommandUnknownTag(t *testing.T) {
	_, err := DecodeCommand([]byte("Bogus\tfoo\n"))
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeMapBadPort(t *testing.T) {
	_, err := DecodeMap([]byte("a.example\t10.0.0.1\tnotaport\n"))
	require.Error(t, err)
}
