package accounts

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// tokenLength symbols from the 64 symbol nanoid alphabet give 258 bits
const tokenLength = 43

// NanoIDGenerator mints URL safe token values from crypto/rand
type NanoIDGenerator struct{}

var _ TokenGenerator = NanoIDGenerator{}

// Generate returns a fresh token value
func (NanoIDGenerator) Generate() (string, error) {
	return gonanoid.New(tokenLength)
}
