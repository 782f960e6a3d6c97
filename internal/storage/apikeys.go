package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	apiKeyHashSaltLength = 16
	apiKeyHashKeyLength  = 32
	apiKeyHashIterations = 120000
	apiKeyPrefix         = "rf"
)

// APIKey is a freshly minted caller credential. Raw is shown to the operator
// exactly once; only the derived hash of Secret is stored.
type APIKey struct {
	ID     string
	Secret string
	Raw    string
}

func newAPIKey() (APIKey, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return APIKey{}, fmt.Errorf("generate api key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return APIKey{}, fmt.Errorf("generate api key secret: %w", err)
	}
	key := APIKey{
		ID:     hex.EncodeToString(idBytes),
		Secret: hex.EncodeToString(secretBytes),
	}
	key.Raw = fmt.Sprintf("%s_%s_%s", apiKeyPrefix, key.ID, key.Secret)
	return key, nil
}

// ParseAPIKey splits a presented key of the form rf_<keyID>_<secret>.
func ParseAPIKey(raw string) (keyID, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), "_")
	if len(parts) != 3 || parts[0] != apiKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed api key")
	}
	return parts[1], parts[2], nil
}

func hashAPIKeySecret(secret string) (string, error) {
	salt := make([]byte, apiKeyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, apiKeyHashIterations, apiKeyHashKeyLength, sha256.New)
	return fmt.Sprintf(
		"pbkdf2$sha256$%d$%s$%s",
		apiKeyHashIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

// VerifyAPIKeySecret reports whether the presented secret matches the stored
// hash using a constant-time comparison.
func VerifyAPIKeySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(expected) == 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(secret), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}
