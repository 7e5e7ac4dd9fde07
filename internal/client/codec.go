package client

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// The codec only frames and encodes the plaintext. It is a stand-in for
// end-to-end encryption and offers no confidentiality.
const sealedPrefix = "[Encrypted] IV:"

var ErrNotSealed = errors.New("ciphertext is not in sealed form")

// Seal wraps plaintext in the placeholder envelope.
func Seal(plaintext string) (string, error) {
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(iv) +
		" Data:" + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

// Open reverses Seal.
func Open(ciphertext string) (string, error) {
	rest, ok := strings.CutPrefix(ciphertext, sealedPrefix)
	if !ok {
		return "", ErrNotSealed
	}
	_, data, ok := strings.Cut(rest, " Data:")
	if !ok {
		return "", ErrNotSealed
	}
	plain, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", ErrNotSealed
	}
	return string(plain), nil
}
