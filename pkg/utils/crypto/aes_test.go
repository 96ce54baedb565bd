package crypto

import (
	"testing"

	"github.com/netly/fleet/pkg/utils/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()
	key, err := keygen.GenerateEncryptionKey()
	require.NoError(t, err)

	for _, k := range []string{key, "a passphrase"} {
		s, err := NewSealer(k)
		require.NoError(t, err)

		sealed, err := s.Seal([]byte(`{"user":"root"}`), "server:web-1")
		require.NoError(t, err)
		assert.Contains(t, sealed, "v1:")

		plain, err := s.Open(sealed, "server:web-1")
		require.NoError(t, err)
		assert.Equal(t, `{"user":"root"}`, string(plain))
	}
}

func TestSealer_Rejects(t *testing.T) {
	t.Parallel()
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	s, err := NewSealer("k1")
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("secret"), "server:web-1")
	require.NoError(t, err)

	_, err = s.Open(sealed, "server:web-2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	other, err := NewSealer("k2")
	require.NoError(t, err)
	_, err = other.Open(sealed, "server:web-1")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = s.Open("not sealed", "server:web-1")
	assert.ErrorIs(t, err, ErrInvalidCipherText)
	_, err = s.Open("v1:!!", "server:web-1")
	assert.ErrorIs(t, err, ErrInvalidCipherText)
}
