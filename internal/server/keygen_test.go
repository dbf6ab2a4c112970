package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateServerKeyPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.key")

	key1, err := loadOrCreateServerKey(path, false)
	require.NoError(t, err)
	require.Len(t, key1, keyLength)

	key2, err := loadOrCreateServerKey(path, false)
	require.NoError(t, err)
	require.Equal(t, key1, key2)
}

func TestLoadOrCreateServerKeyResetGeneratesNewKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.key")

	key1, err := loadOrCreateServerKey(path, false)
	require.NoError(t, err)

	key2, err := loadOrCreateServerKey(path, true)
	require.NoError(t, err)
	require.NotEqual(t, key1, key2)
}

func TestIssueTokenHasMsbPrefixAndVerifies(t *testing.T) {
	token, err := issueToken("a-server-key-for-testing", time.Hour)
	require.NoError(t, err)
	require.Contains(t, token, tokenPrefix)

	require.NoError(t, verifyToken("a-server-key-for-testing", token))
}

func TestVerifyTokenRejectsWrongKey(t *testing.T) {
	token, err := issueToken("key-a", time.Hour)
	require.NoError(t, err)
	require.Error(t, verifyToken("key-b", token))
}

func TestVerifyTokenRejectsMissingPrefix(t *testing.T) {
	require.Error(t, verifyToken("key", "not-prefixed"))
}

func TestVerifyTokenRejectsExpiredToken(t *testing.T) {
	token, err := issueToken("key", -time.Hour)
	require.NoError(t, err)
	require.Error(t, verifyToken("key", token))
}
