package auth

import "golang.org/x/crypto/bcrypt"

// Cost 12 keeps login under ~250ms while staying expensive for offline
// cracking. API keys use SHA-256 instead since they carry full entropy.
const bcryptCost = 12

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
