package payloadstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	s := New(t.TempDir(), false)
	require.NoError(t, s.Write(1, []byte(`{"a":1}`), true))

	data, err := s.Read(1)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(data))
}

func TestReadMissingReturnsErrNotFound(t *testing.T) {
	s := New(t.TempDir(), false)
	_, err := s.Read(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteProtectRoundTrip(t *testing.T) {
	s := New(t.TempDir(), true)
	require.NoError(t, s.Write(1, []byte("v1"), false))
	require.NoError(t, s.Write(1, []byte("v2"), false), "write-protected overwrite must clear then reapply the flag")

	data, err := s.Read(1)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))
}
