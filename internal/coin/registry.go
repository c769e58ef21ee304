// Package coin defines the coin templates the pool can serve.
package coin

import (
	"fmt"
	"strings"
)

// Family selects the proof-of-work family used for variant dispatch
type Family string

const (
	FamilyCryptoNight      Family = "cryptonight"
	FamilyCryptoNightLite  Family = "cryptonight-lite"
	FamilyCryptoNightHeavy Family = "cryptonight-heavy"
	FamilyRandomX          Family = "randomx"
)

// Def describes one coin: address rules, blob layout and PoW family.
type Def struct {
	Key    string
	Name   string
	Family Family

	// NonceOffset is the byte offset of the miner nonce in the block blob.
	// CryptoNote headers place the 4-byte nonce at offset 39.
	NonceOffset int

	// TargetWidth selects the compact target encoding sent to miners:
	// 4 bytes for legacy dialects, 8 for modern ones.
	TargetWidth int

	// PaymentIDLengths lists the accepted payment-id hex lengths
	PaymentIDLengths []int

	AddressPrefixes []string
	AddressLengths  []int
}

// base58 alphabet shared by CryptoNote coins
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var registry = map[string]*Def{
	"monero": {
		Key:              "monero",
		Name:             "Monero",
		Family:           FamilyRandomX,
		NonceOffset:      39,
		TargetWidth:      8,
		PaymentIDLengths: []int{16, 64},
		AddressPrefixes:  []string{"4", "8"},
		AddressLengths:   []int{95, 106},
	},
	"aeon": {
		Key:              "aeon",
		Name:             "Aeon",
		Family:           FamilyCryptoNightLite,
		NonceOffset:      39,
		TargetWidth:      4,
		PaymentIDLengths: []int{16, 64},
		AddressPrefixes:  []string{"Wm"},
		AddressLengths:   []int{97},
	},
	"sumokoin": {
		Key:              "sumokoin",
		Name:             "Sumokoin",
		Family:           FamilyCryptoNightHeavy,
		NonceOffset:      39,
		TargetWidth:      4,
		PaymentIDLengths: []int{16, 64},
		AddressPrefixes:  []string{"Sumo"},
		AddressLengths:   []int{99},
	},
}

// Get returns the coin definition for a registry key
func Get(key string) (*Def, error) {
	def, ok := registry[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("unknown coin %q", key)
	}
	return def, nil
}

// Keys returns the registered coin keys
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	return keys
}

// ValidateAddress checks a wallet address against the coin's prefix,
// length and base58 charset rules
func (d *Def) ValidateAddress(addr string) bool {
	if addr == "" {
		return false
	}

	okPrefix := false
	for _, p := range d.AddressPrefixes {
		if strings.HasPrefix(addr, p) {
			okPrefix = true
			break
		}
	}
	if !okPrefix {
		return false
	}

	okLen := false
	for _, l := range d.AddressLengths {
		if len(addr) == l {
			okLen = true
			break
		}
	}
	if !okLen {
		return false
	}

	for _, c := range addr {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}

// ValidatePaymentID checks a payment id against the coin's accepted hex lengths
func (d *Def) ValidatePaymentID(id string) bool {
	okLen := false
	for _, l := range d.PaymentIDLengths {
		if len(id) == l {
			okLen = true
			break
		}
	}
	if !okLen {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
