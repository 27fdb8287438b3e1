package webhook

import (
	"crypto/rand"
	"encoding/hex"
)

// SecretPrefix marks generated signing secrets so leaked values are easy to spot.
const SecretPrefix = "whsec_"

const secretBytes = 32

// GenerateSecret returns SecretPrefix followed by 32 random bytes in hex.
func GenerateSecret() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic("webhook: failed to generate random secret: " + err.Error())
	}
	return SecretPrefix + hex.EncodeToString(b)
}
