package crypto

import "golang.org/x/crypto/bcrypt"

// HashPassword derives a salted bcrypt hash at the given cost. Hashing
// is CPU-bound, so callers hash before opening any store transaction.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword returns a non-nil error on mismatch, never panics.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
