package dataserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBlockType(t *testing.T) {
	for _, bt := range BlockTypes {
		got, err := ParseBlockType(string(bt))
		require.NoError(t, err)
		require.Equal(t, bt, got)
	}

	for _, bad := range []string{"", "type_a", "TYPE_C", " TYPE_A", "BLOCKTYPEA"} {
		_, err := ParseBlockType(bad)
		require.ErrorIs(t, err, ErrInvalidBlockType, "input %q", bad)
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := NewEnvelope("block-1", BlockTypeA, "hello")

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"header":{"name":"block-1","blockType":"TYPE_A"},"body":{"payload":"hello"},"checksum":"5d41402abc4b2a76b9719d911017c592"}`,
		string(data),
	)
}

func TestEnvelopeUnmarshalRejectsUnknownBlockType(t *testing.T) {
	raw := `{"header":{"name":"block-1","blockType":"FREE_TEXT"},"body":{"payload":"hello"},"checksum":"x"}`

	var env DataEnvelope
	err := json.Unmarshal([]byte(raw), &env)
	require.ErrorIs(t, err, ErrInvalidBlockType)
}

func TestEnvelopeValidate(t *testing.T) {
	require.NoError(t, NewEnvelope("block-1", BlockTypeB, "x").Validate())

	noName := NewEnvelope("", BlockTypeA, "x")
	require.ErrorIs(t, noName.Validate(), ErrInvalidInput)

	noType := NewEnvelope("block-1", "", "x")
	require.ErrorIs(t, noType.Validate(), ErrInvalidBlockType)
}

func TestIsInvalid(t *testing.T) {
	require.True(t, IsInvalid(fmt.Errorf("wrap: %w", ErrInvalidInput)))
	require.True(t, IsInvalid(ErrInvalidBlockType))
	require.False(t, IsInvalid(errors.New("disk full")))
	require.False(t, IsInvalid(nil))
}
