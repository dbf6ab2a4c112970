package server

import (
	"crypto/rand"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/microsandbox/msb/internal/msberr"
)

const (
	keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength   = 32
	tokenPrefix = "msb_"
)

// loadOrCreateServerKey reads the 32-alphanumeric signing key from path,
// generating and persisting one if absent or if reset is requested
// (spec.md §4.9: keygen, "--dev"/"--reset-key").
func loadOrCreateServerKey(path string, reset bool) (string, error) {
	if !reset {
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}

	key, err := generateServerKey()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return "", msberr.Wrap(err, msberr.IO, "keygen", path)
	}
	return key, nil
}

func generateServerKey() (string, error) {
	out := make([]byte, keyLength)
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", msberr.Wrap(err, msberr.Keygen, "generate-server-key", "")
	}
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}

// issueToken mints a "msb_"-prefixed HS256 JWT signed with the server key,
// minted by New on every non-dev start; `msb serve` prints it as a
// ready-to-use bearer token.
func issueToken(serverKey string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iat": time.Now().UTC().Unix(),
		"exp": time.Now().UTC().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(serverKey))
	if err != nil {
		return "", msberr.Wrap(err, msberr.Keygen, "issue-token", "")
	}
	return tokenPrefix + signed, nil
}

// verifyToken validates a "msb_"-prefixed bearer token against serverKey.
func verifyToken(serverKey, token string) error {
	if len(token) <= len(tokenPrefix) || token[:len(tokenPrefix)] != tokenPrefix {
		return msberr.New(msberr.InvalidArgument, "verify-token", "missing msb_ prefix")
	}
	raw := token[len(tokenPrefix):]

	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(serverKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return msberr.Wrap(err, msberr.InvalidArgument, "verify-token", "invalid or expired token")
	}
	return nil
}
