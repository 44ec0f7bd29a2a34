package identity

import (
	"sync"

	"tempo/cmd/security/password"
)

// hashPassword hashes a plaintext credential using the env-configured
// Argon2id cost.
func hashPassword(plain string) (string, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return "", err
	}
	return cfg.Hash(plain)
}

// verifyPassword checks plain against a stored PHC hash.
func verifyPassword(plain, encoded string) (bool, error) {
	cfg, err := password.FromEnv()
	if err != nil {
		return false, err
	}
	return cfg.Verify(encoded, plain)
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// burnDummyVerify spends one Argon2id verification against a throwaway
// hash. Store implementations call it when no credential exists so the
// unknown-identity path costs the same as a real mismatch.
func burnDummyVerify(plain string) {
	dummyOnce.Do(func() {
		if h, err := hashPassword("tempo-dummy-timing-only-credential"); err == nil {
			dummyHash = h
		}
	})
	if dummyHash == "" {
		return
	}
	_, _ = verifyPassword(plain, dummyHash)
}
