package conf

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"utpgo/internal/cipher"
)

// DeriveKey derives a 32-byte key from a passphrase using PBKDF2 with a
// fixed salt, the standard construction for turning an operator-supplied
// passphrase into a symmetric key.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte("utpgo"), 100_000, 32, sha256.New)
}

// BuildCipher constructs the optional per-datagram AEAD from Conf.Key. A
// blank key means "no encryption": BuildCipher then returns (nil, nil) and
// every Multiplexer datagram passes through unencrypted.
func (c *Conf) BuildCipher() (*cipher.AEAD, error) {
	if c.Key == "" {
		return nil, nil
	}
	a, err := cipher.New(DeriveKey(c.Key))
	if err != nil {
		return nil, fmt.Errorf("conf: building cipher: %w", err)
	}
	return a, nil
}
