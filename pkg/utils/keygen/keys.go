package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns a random alphanumeric string, suitable for the
// admin API key.
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", length)
	}
	result := make([]byte, length)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range result {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		result[i] = alphanumeric[num.Int64()]
	}
	return string(result), nil
}

// GenerateEncryptionKey returns 32 random bytes, base64 encoded, for
// security.encryption_key.
func GenerateEncryptionKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}
