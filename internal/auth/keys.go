package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
)

// Argon2id parameters. Keys are verified once per process and then cached.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length
)

// HashKey hashes a plaintext API key using Argon2id and returns it
// in PHC string format: $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyKey checks a plaintext key against an Argon2id PHC hash string.
func VerifyKey(key, encodedHash string) (bool, error) {
	salt, hash, params, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(key), salt, params.time, params.memory, params.threads, uint32(len(hash))) //nolint:gosec // G115: hash length always fits uint32

	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// decodePHC parses an Argon2id PHC string into salt, hash and cost parameters.
func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return nil, nil, params, fmt.Errorf("invalid PHC hash format")
	}

	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow
		return nil, nil, params, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil { //nolint:govet // shadow
		return nil, nil, params, fmt.Errorf("parsing parameters: %w", err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding hash: %w", err)
	}

	return salt, hash, params, nil
}

// apiKey is one configured key.
type apiKey struct {
	name string
	hash string
	role Role
}

// KeyRing authenticates raw API keys against the configured hashes.
//
// A successful verification is remembered by the SHA-256 digest of the raw
// key so that repeat requests do not pay the Argon2id cost again.
// Thread-safe.
type KeyRing struct {
	keys []apiKey

	mu       sync.RWMutex
	verified map[string]int // sha256(raw) -> index into keys
}

// NewKeyRing builds a key ring from configuration entries.
// An entry without a role is a viewer.
func NewKeyRing(entries []config.APIKeyEntry) (*KeyRing, error) {
	ring := &KeyRing{verified: make(map[string]int)}
	for i, e := range entries {
		role := Role(e.Role)
		if role == "" {
			role = RoleViewer
		}
		if !IsValidRole(role) {
			return nil, fmt.Errorf("api key %d (%s): %w: %q", i, e.Name, ErrInvalidRole, e.Role)
		}
		if _, _, _, err := decodePHC(e.Hash); err != nil {
			return nil, fmt.Errorf("api key %d (%s): %w", i, e.Name, err)
		}
		ring.keys = append(ring.keys, apiKey{name: e.Name, hash: e.Hash, role: role})
	}
	return ring, nil
}

// Len returns the number of configured keys.
func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Authenticate resolves a raw key to its principal.
//
// Returns:
//   - Principal: Subject is the key's configured name
//   - error: ErrAPIKeyInvalid if no key matches
func (r *KeyRing) Authenticate(raw string) (Principal, error) {
	if r == nil || raw == "" || len(r.keys) == 0 {
		return Principal{}, ErrAPIKeyInvalid
	}

	sum := sha256.Sum256([]byte(raw))
	digest := hex.EncodeToString(sum[:])

	r.mu.RLock()
	idx, ok := r.verified[digest]
	r.mu.RUnlock()
	if ok {
		return r.principal(idx), nil
	}

	for i, k := range r.keys {
		match, err := VerifyKey(raw, k.hash)
		if err != nil || !match {
			continue
		}
		r.mu.Lock()
		r.verified[digest] = i
		r.mu.Unlock()
		return r.principal(i), nil
	}
	return Principal{}, ErrAPIKeyInvalid
}

func (r *KeyRing) principal(idx int) Principal {
	k := r.keys[idx]
	return Principal{Subject: k.name, Role: k.role, Method: MethodAPIKey}
}
