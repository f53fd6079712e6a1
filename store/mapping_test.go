package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/dataserver"
)

func TestEnvelopeToBlock(t *testing.T) {
	env := dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello")

	block := EnvelopeToBlock(env)
	require.Equal(t, "block-1", block.Header.Name)
	require.Equal(t, dataserver.BlockTypeA, block.Header.BlockType)
	require.True(t, block.Header.CreatedAt.IsZero())
	require.Equal(t, []byte("hello"), block.Body.Payload)
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", block.Body.Checksum)
}

func TestBlockToEnvelope_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  dataserver.DataEnvelope
	}{
		{name: "simple", env: dataserver.NewEnvelope("b", dataserver.BlockTypeB, "payload")},
		{name: "empty payload", env: dataserver.NewEnvelope("e", dataserver.BlockTypeA, "")},
		{name: "unicode payload", env: dataserver.NewEnvelope("u", dataserver.BlockTypeA, "héllo wörld ✓")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BlockToEnvelope(EnvelopeToBlock(tt.env))
			require.Equal(t, tt.env, got)
			require.True(t, dataserver.Verify(got))
		})
	}
}

func TestBlockToEnvelope_KeepsRetainedChecksum(t *testing.T) {
	block := StoredBlock{
		Header: HeaderEntity{Name: "legacy", BlockType: dataserver.BlockTypeA},
		Body:   BodyEntity{Payload: []byte("x")},
	}

	env := BlockToEnvelope(block)
	require.Empty(t, env.Checksum)
	require.Equal(t, "x", env.Body.Payload)
}

func TestHeaderMapping(t *testing.T) {
	h := dataserver.DataHeader{Name: "n", BlockType: dataserver.BlockTypeB}
	require.Equal(t, h, EntityToHeader(HeaderToEntity(h)))
}
