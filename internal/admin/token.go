// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// argon2id parameters for admin tokens.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2SaltLen = 16
	argon2KeyLen  = 32
	tokenBytes    = 32
)

// ErrEmptyToken is returned when hashing an empty token.
var ErrEmptyToken = oops.Code("ADMIN_TOKEN_EMPTY").Errorf("token cannot be empty")

// GenerateToken returns a random URL-safe admin token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("ADMIN_TOKEN_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken produces an argon2id PHC string for token. Only the hash is
// stored in configuration.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("ADMIN_TOKEN_FAILED").Wrap(err)
	}
	key := argon2.IDKey([]byte(token), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// tokenHash is a parsed PHC string.
type tokenHash struct {
	memory, time uint32
	threads      uint8
	salt, key    []byte
}

func parseTokenHash(encoded string) (*tokenHash, error) {
	invalid := oops.Code("ADMIN_TOKEN_HASH_INVALID")
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, invalid.Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return nil, invalid.Errorf("unsupported hash algorithm: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, invalid.Wrap(err)
	}
	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, invalid.Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return nil, invalid.Errorf("threads value %d out of range", threads)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, invalid.Wrap(err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, invalid.Wrap(err)
	}
	if len(key) == 0 || len(key) > 1<<10 {
		return nil, invalid.Errorf("invalid key length: %d", len(key))
	}
	return &tokenHash{memory: memory, time: time, threads: uint8(threads), salt: salt, key: key}, nil
}

// TokenVerifier checks bearer tokens against a configured hash.
type TokenVerifier struct {
	hash *tokenHash
}

// NewTokenVerifier parses encoded, which HashToken produced.
func NewTokenVerifier(encoded string) (*TokenVerifier, error) {
	h, err := parseTokenHash(encoded)
	if err != nil {
		return nil, err
	}
	return &TokenVerifier{hash: h}, nil
}

// Verify reports whether token matches.
func (v *TokenVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	h := v.hash
	computed := argon2.IDKey([]byte(token), h.salt, h.time, h.memory, h.threads, uint32(len(h.key))) //nolint:gosec // bounded by parseTokenHash
	return subtle.ConstantTimeCompare(computed, h.key) == 1
}
