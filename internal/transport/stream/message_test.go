package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	cases := []Frame{
		{Kind: KindHello, PeerID: 4},
		{Kind: KindKeepAlive},
		{Kind: KindLeader, Term: 3, LeaderID: 1},
		NewPropagateAdd(2, "node2", "127.0.0.1", 5002, 6002),
		{Kind: KindPropagateRemove, RemoveID: 2},
		{Kind: KindPut, Key: "a", Value: "1"},
		{Kind: KindForwardPut, Key: "a", Value: "1"},
		{Kind: KindDelete, Key: "a"},
		{Kind: KindForwardDelete, Key: "a"},
		{Kind: KindGet, Key: "a"},
		{Kind: KindValue, Key: "a", Value: "1"},
		{Kind: KindNotFound, Key: "a"},
		{Kind: KindLeaderElected, Term: 3, LeaderID: 1},
	}

	for _, want := range cases {
		line, err := want.Encode()
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(line, "\n"))

		got, ok := Parse(line)
		require.True(t, ok, "line %q should parse", line)
		assert.Equal(t, want, got)
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	cases := []string{
		"",
		"HELLO notanumber",
		"LEADER 1",
		"PUT nokvsep",
		"DELETE",
		"BOGUS_VERB foo",
	}
	for _, line := range cases {
		_, ok := Parse(line)
		assert.False(t, ok, "line %q should be rejected", line)
	}
}

func TestEncodeRejectsOversizeFrame(t *testing.T) {
	big := strings.Repeat("x", MaxFrameBytes)
	_, err := Frame{Kind: KindPut, Key: "k", Value: big}.Encode()
	assert.Error(t, err)
}

func TestEncodeUnknownKindFails(t *testing.T) {
	_, err := Frame{Kind: KindUnknown}.Encode()
	assert.Error(t, err)
}
