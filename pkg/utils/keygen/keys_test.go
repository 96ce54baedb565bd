package keygen_test

import (
	"encoding/base64"
	"testing"

	"github.com/netly/fleet/pkg/utils/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEncryptionKey(t *testing.T) {
	a, err := keygen.GenerateEncryptionKey()
	require.NoError(t, err)
	b, err := keygen.GenerateEncryptionKey()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotEqual(t, a, b)
}

func TestGenerateToken(t *testing.T) {
	tok, err := keygen.GenerateToken(24)
	require.NoError(t, err)
	assert.Len(t, tok, 24)
	assert.Regexp(t, `^[a-zA-Z0-9]+$`, tok)
}
