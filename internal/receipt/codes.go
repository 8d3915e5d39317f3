// Package receipt issues and consumes the daily challenge code and renders it for students.
package receipt

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// CodeSource yields challenge codes.
type CodeSource interface {
	NextCode() (string, error)
}

// RandomCodes draws uniform six digit codes, leading zeros included.
type RandomCodes struct {
	// Reader defaults to crypto/rand.Reader.
	Reader io.Reader
}

func (r RandomCodes) NextCode() (string, error) {
	src := r.Reader
	if src == nil {
		src = rand.Reader
	}
	n, err := rand.Int(src, codeSpace)
	if err != nil {
		return "", fmt.Errorf("receipt: draw code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// ValidCode reports whether s has the shape of a challenge code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
