package reauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

// CredentialVerifier checks a submitted plaintext secret against a stored
// credential hash. Implementations must be safe for concurrent use.
type CredentialVerifier interface {
	Verify(password, storedHash string) (bool, error)
}

// ErrInvalidHash indicates a stored credential hash is not in the expected
// encoded Argon2id format.
var ErrInvalidHash = errors.New("invalid argon2id hash format")

// Argon2idParams defines the Argon2id cost parameters used when hashing.
// Verification always uses the parameters encoded in the stored hash.
type Argon2idParams struct {
	Time        uint32
	MemoryKiB   uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2idParams returns the interactive-login cost profile.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// Argon2idVerifier verifies secrets against encoded Argon2id hashes of the
// form $argon2id$v=19$m=...,t=...,p=...$<salt>$<key>. Derived key material
// is wiped after the comparison.
type Argon2idVerifier struct{}

var _ CredentialVerifier = Argon2idVerifier{}

// Verify derives a key from password using the parameters encoded in
// storedHash and compares it in constant time.
func (Argon2idVerifier) Verify(password, storedHash string) (bool, error) {
	params, salt, key, err := decodeArgon2idHash(storedHash)
	if err != nil {
		return false, err
	}
	derived := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer memguard.WipeBytes(derived)
	defer memguard.WipeBytes(key)
	if len(derived) != len(key) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(derived, key) == 1, nil
}

// HashArgon2id returns the encoded Argon2id hash of password, suitable for
// storage and later verification. Used by provisioning tooling and tests;
// the gate itself only ever verifies.
func HashArgon2id(password string, params Argon2idParams) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer memguard.WipeBytes(key)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.MemoryKiB, params.Time, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
	return encoded, nil
}

func decodeArgon2idHash(encoded string) (Argon2idParams, []byte, []byte, error) {
	var params Argon2idParams

	tokens := strings.Split(encoded, "$")
	if len(tokens) != 6 || tokens[0] != "" || tokens[1] != "argon2id" {
		return params, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(tokens[2], "v=%d", &version); err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("%w: argon2 version %d", ErrInvalidHash, version)
	}

	if _, err := fmt.Sscanf(tokens[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Parallelism); err != nil {
		return params, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.Strict().DecodeString(tokens[4])
	if err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	params.SaltLen = uint32(len(salt))

	key, err := base64.RawStdEncoding.Strict().DecodeString(tokens[5])
	if err != nil {
		return params, nil, nil, ErrInvalidHash
	}
	params.KeyLen = uint32(len(key))

	return params, salt, key, nil
}
