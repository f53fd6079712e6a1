package dataserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestKnownValues(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{"", "d41d8cd98f00b204e9800998ecf8427e"},
		{"hello", "5d41402abc4b2a76b9719d911017c592"},
		{"The quick brown fox jumps over the lazy dog", "9e107d9d372bb6826bd81d3542a419d6"},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			require.Equal(t, tt.want, Digest([]byte(tt.payload)))
		})
	}
}

func TestDigestDeterministic(t *testing.T) {
	payload := []byte(strings.Repeat("block payload ", 1000))
	first := Digest(payload)
	for range 10 {
		require.Equal(t, first, Digest(payload))
	}
	require.Len(t, first, ChecksumSize*2)
	require.Equal(t, strings.ToLower(first), first)
}

func TestVerify(t *testing.T) {
	env := NewEnvelope("block-1", BlockTypeA, "hello")
	require.True(t, Verify(env))

	t.Run("wrong checksum", func(t *testing.T) {
		bad := env
		bad.Checksum = "deadbeef"
		require.False(t, Verify(bad))
	})

	t.Run("uppercase checksum is a mismatch", func(t *testing.T) {
		upper := env
		upper.Checksum = strings.ToUpper(env.Checksum)
		require.False(t, Verify(upper))
	})

	t.Run("payload changed after checksum", func(t *testing.T) {
		tampered := env
		tampered.Body.Payload = "hello!"
		require.False(t, Verify(tampered))
	})

	t.Run("whitespace is not trimmed", func(t *testing.T) {
		padded := env
		padded.Checksum = env.Checksum + " "
		require.False(t, Verify(padded))
	})
}

func TestParseChecksumRoundTrip(t *testing.T) {
	original := ChecksumBytes([]byte("test data"))

	parsed, err := ParseChecksum(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseChecksumInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 64)},
		{"invalid hex", strings.Repeat("zz", 16)},
		{"uppercase", strings.ToUpper(Digest([]byte("hello")))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChecksum(tt.input)
			require.Error(t, err)
		})
	}
}

func TestChecksumReader(t *testing.T) {
	data := "streamed payload"
	c, n, err := ChecksumReader(strings.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, Digest([]byte(data)), c.String())
}

func TestContentDigest(t *testing.T) {
	require.Equal(t,
		"blake3:af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		ContentDigest([]byte{}),
	)
	require.NotEqual(t, ContentDigest([]byte("a")), ContentDigest([]byte("b")))
}
