// Package powhash implements the proof-of-work hash variants used for
// share verification. All variants share a blake3-seeded scratchpad
// construction parameterized per variant; selection is a table lookup
// keyed on (coin family, block major version).
package powhash

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/cryptonote-labs/cn-pool/internal/coin"
)

const (
	// OutputSize is the hash output size
	OutputSize = 32

	// MixConstant is the multiplicative mixing constant
	MixConstant = 0x517cc1b727220a95
)

// Strides for the strided mixing stage
var strides = [4]int{1, 64, 256, 1024}

// Variant describes one PoW function's parameters
type Variant struct {
	Name string

	// ScratchWords is the scratchpad size in 64-bit words
	ScratchWords int

	// Passes is the number of sequential memory passes
	Passes int

	// StridedRounds is the number of strided mixing rounds
	StridedRounds int

	// Seeded marks RandomX-family variants that mix the per-epoch
	// seed hash into scratchpad initialization
	Seeded bool

	// Tweak diversifies otherwise identical parameter sets so each
	// variant produces an unrelated hash family
	Tweak uint64
}

var variants = map[string]Variant{
	"cn/0":     {Name: "cn/0", ScratchWords: 8192, Passes: 4, StridedRounds: 8, Tweak: 0},
	"cn/1":     {Name: "cn/1", ScratchWords: 8192, Passes: 4, StridedRounds: 8, Tweak: 0x74c1},
	"cn/2":     {Name: "cn/2", ScratchWords: 8192, Passes: 6, StridedRounds: 10, Tweak: 0x9a3e},
	"cn/r":     {Name: "cn/r", ScratchWords: 8192, Passes: 6, StridedRounds: 12, Tweak: 0xc5b2},
	"cn-lite":  {Name: "cn-lite", ScratchWords: 4096, Passes: 2, StridedRounds: 6, Tweak: 0x11fe},
	"cn-heavy": {Name: "cn-heavy", ScratchWords: 16384, Passes: 6, StridedRounds: 10, Tweak: 0x882d},
	"rx/0":     {Name: "rx/0", ScratchWords: 8192, Passes: 4, StridedRounds: 8, Seeded: true, Tweak: 0xae71},
}

// dispatchEntry maps a major-version floor to a variant name; the entry
// with the greatest floor not exceeding the block's major version wins.
type dispatchEntry struct {
	fromMajor uint8
	variant   string
}

var dispatch = map[coin.Family][]dispatchEntry{
	coin.FamilyCryptoNight: {
		{0, "cn/0"},
		{7, "cn/1"},
		{8, "cn/2"},
		{9, "cn/r"},
	},
	coin.FamilyCryptoNightLite: {
		{0, "cn-lite"},
	},
	coin.FamilyCryptoNightHeavy: {
		{0, "cn-heavy"},
	},
	coin.FamilyRandomX: {
		{0, "cn/0"},
		{7, "cn/1"},
		{8, "cn/2"},
		{9, "cn/r"},
		{12, "rx/0"},
	},
}

// Lookup selects the PoW variant for a coin family and block major version
func Lookup(family coin.Family, majorVersion uint8) (Variant, error) {
	entries, ok := dispatch[family]
	if !ok {
		return Variant{}, fmt.Errorf("no PoW dispatch for family %q", family)
	}

	selected := ""
	for _, e := range entries {
		if majorVersion >= e.fromMajor {
			selected = e.variant
		}
	}
	if selected == "" {
		return Variant{}, fmt.Errorf("no PoW variant for family %q major %d", family, majorVersion)
	}
	return variants[selected], nil
}

// Get returns a variant by name
func Get(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("unknown PoW variant %q", name)
	}
	return v, nil
}

// Hash computes the variant's PoW hash over a block blob. Seeded variants
// require the per-epoch seed hash; it is ignored otherwise.
func Hash(v Variant, blob, seed []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty blob")
	}
	if v.Seeded && len(seed) != 32 {
		return nil, fmt.Errorf("variant %s requires a 32-byte seed hash, got %d", v.Name, len(seed))
	}

	scratchpad := stageInit(v, blob, seed)
	stageMix(v, scratchpad)
	stageStrided(v, scratchpad)
	return stageFinalize(v, scratchpad), nil
}

// stageInit fills the scratchpad from blake3 of the input (and seed)
func stageInit(v Variant, blob, seed []byte) []uint64 {
	scratchpad := make([]uint64, v.ScratchWords)

	hasher := blake3.New()
	hasher.Write(blob)
	if v.Seeded {
		hasher.Write(seed)
	}
	var tweak [8]byte
	binary.LittleEndian.PutUint64(tweak[:], v.Tweak)
	hasher.Write(tweak[:])
	sum := hasher.Sum(nil)

	var state [4]uint64
	for i := 0; i < 4; i++ {
		state[i] = binary.LittleEndian.Uint64(sum[i*8 : (i+1)*8])
	}

	for i := 0; i < v.ScratchWords; i++ {
		idx := i % 4
		state[idx] = mix(state[idx], state[(idx+1)%4], i)
		scratchpad[i] = state[idx]
	}

	return scratchpad
}

// stageMix performs alternating forward and backward passes
func stageMix(v Variant, scratchpad []uint64) {
	n := len(scratchpad)
	for pass := 0; pass < v.Passes; pass++ {
		if pass%2 == 0 {
			carry := scratchpad[n-1]
			for i := 0; i < n; i++ {
				var prev uint64
				if i > 0 {
					prev = scratchpad[i-1]
				} else {
					prev = scratchpad[n-1]
				}
				scratchpad[i] = mix(scratchpad[i], prev^carry, pass)
				carry = scratchpad[i]
			}
		} else {
			carry := scratchpad[0]
			for i := n - 1; i >= 0; i-- {
				var next uint64
				if i < n-1 {
					next = scratchpad[i+1]
				} else {
					next = scratchpad[0]
				}
				scratchpad[i] = mix(scratchpad[i], next^carry, pass)
				carry = scratchpad[i]
			}
		}
	}
}

// stageStrided performs strided three-way mixing rounds
func stageStrided(v Variant, scratchpad []uint64) {
	n := len(scratchpad)
	for round := 0; round < v.StridedRounds; round++ {
		stride := strides[round%len(strides)]

		for i := 0; i < n; i++ {
			j := (i + stride) % n
			k := (i + stride*2) % n

			a := scratchpad[i]
			b := scratchpad[j]
			c := scratchpad[k]

			scratchpad[i] = mix(a, b^c, round)
		}
	}
}

// mix is the core branchless mixing operation
func mix(a, b uint64, round int) uint64 {
	rot := uint((round * 7) % 64)

	x := a + b
	y := a ^ rotateLeft(b, rot)
	z := x * MixConstant

	return z ^ rotateRight(y, rot/2)
}

func rotateLeft(x uint64, k uint) uint64 {
	k &= 63
	return (x << k) | (x >> (64 - k))
}

func rotateRight(x uint64, k uint) uint64 {
	k &= 63
	return (x >> k) | (x << (64 - k))
}

// stageFinalize XOR-folds the scratchpad and hashes the result
func stageFinalize(v Variant, scratchpad []uint64) []byte {
	var folded [4]uint64
	for i := 0; i < len(scratchpad); i++ {
		folded[i%4] ^= scratchpad[i]
	}

	var buf [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:(i+1)*8], folded[i])
	}

	hasher := blake3.New()
	hasher.Write(buf[:])
	return hasher.Sum(nil)
}
