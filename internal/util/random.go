package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var (
	allowedRandomChars = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")
)

func RandomChars(n int) (string, error) {
	return RandomCharsFrom(allowedRandomChars, n)
}

// RandomCharsFrom returns n characters drawn uniformly from alphabet.
func RandomCharsFrom(alphabet []rune, n int) (string, error) {
	if len(alphabet) == 0 {
		return "", fmt.Errorf("empty alphabet")
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(alphabet))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(alphabet[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
