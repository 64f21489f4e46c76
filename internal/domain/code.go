package domain

import (
	"crypto/rand"
	"io"
	"regexp"
	"strings"
)

const (
	CodeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var codeRe = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NewRoomCode returns a random human-entry code drawn from [A-Z0-9].
func NewRoomCode() (string, error) {
	return newRoomCode(rand.Reader)
}

func newRoomCode(r io.Reader) (string, error) {
	b := make([]byte, CodeLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	// bytes >= 252 are skipped so every symbol is equally likely.
	out := make([]byte, 0, CodeLength)
	for len(out) < CodeLength {
		for _, c := range b {
			if c >= 252 {
				continue
			}
			out = append(out, codeAlphabet[int(c)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
		if len(out) < CodeLength {
			if _, err := io.ReadFull(r, b); err != nil {
				return "", err
			}
		}
	}
	return string(out), nil
}

// NormalizeCode upper-cases and trims a user-entered code and validates its shape.
func NormalizeCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !codeRe.MatchString(c) {
		return "", ErrInvalidCode
	}
	return c, nil
}
