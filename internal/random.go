package internal

import (
	"crypto/rand"
	"errors"
	"io"
)

// RandomSource is the CSPRNG every component draws unpredictability from.
type RandomSource = io.Reader

// CryptoRandom returns the process CSPRNG.
func CryptoRandom() RandomSource {
	return rand.Reader
}

// RandomBytes reads exactly n bytes from src.
func RandomBytes(src RandomSource, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("invalid random length")
	}
	if src == nil {
		src = rand.Reader
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(src, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RandomDigits returns n decimal digits drawn one byte at a time.
// Bytes >= 250 are rejected so every digit is uniform.
func RandomDigits(src RandomSource, n int) (string, error) {
	if n <= 0 {
		return "", errors.New("invalid digit count")
	}
	if src == nil {
		src = rand.Reader
	}

	out := make([]byte, 0, n)
	var b [1]byte
	for len(out) < n {
		if _, err := io.ReadFull(src, b[:]); err != nil {
			return "", err
		}
		if b[0] >= 250 {
			continue
		}
		out = append(out, '0'+b[0]%10)
	}
	return string(out), nil
}
