package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string to bytes. CryptoNote daemons and miners
// exchange bare hex without a 0x prefix, but we tolerate one on input.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a bare lowercase hex string
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// NormalizeNonce lowercases a nonce hex string and strips any 0x prefix.
// Duplicate detection keys on this normalized form.
func NormalizeNonce(nonce string) string {
	return strings.ToLower(strings.TrimPrefix(nonce, "0x"))
}

// ParseNonce parses a miner nonce as exactly 4 bytes of hex
func ParseNonce(nonce string) ([]byte, error) {
	b, err := HexToBytes(NormalizeNonce(nonce))
	if err != nil {
		return nil, fmt.Errorf("nonce is not hex: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("nonce must be 4 bytes, got %d", len(b))
	}
	return b, nil
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidateHash validates a PoW hash string (32 bytes / 64 hex chars)
func ValidateHash(hash string) bool {
	hash = strings.TrimPrefix(hash, "0x")
	if len(hash) != 64 {
		return false
	}
	return IsValidHex(hash)
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}
