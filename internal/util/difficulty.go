package util

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

var (
	// base256 is 2^256, the numerator of all target and share-difficulty math
	base256 = new(big.Int).Lsh(big.NewInt(1), 256)

	// MaxTarget is the largest representable 256-bit target (difficulty 1)
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	maxUint64 = new(big.Int).SetUint64(^uint64(0))
)

// DifficultyToTarget converts difficulty to a 256-bit target,
// target = floor(2^256 / difficulty)
func DifficultyToTarget(difficulty uint64) *big.Int {
	if difficulty <= 1 {
		return new(big.Int).Set(MaxTarget)
	}
	return new(big.Int).Div(base256, new(big.Int).SetUint64(difficulty))
}

// HashToBig interprets a 32-byte PoW hash as a 256-bit little-endian integer.
// CryptoNight-family hashes are emitted little-endian.
func HashToBig(hash []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytesCopy(hash))
}

// HashDifficulty computes floor(2^256 / H) for a 32-byte little-endian hash.
// A zero hash saturates at the maximum uint64 difficulty.
func HashDifficulty(hash []byte) uint64 {
	if len(hash) != 32 {
		return 0
	}
	h := HashToBig(hash)
	if h.Sign() == 0 {
		return ^uint64(0)
	}
	diff := new(big.Int).Div(base256, h)
	if diff.Cmp(maxUint64) > 0 {
		return ^uint64(0)
	}
	return diff.Uint64()
}

// HashMeetsTarget checks whether a 32-byte little-endian hash is
// numerically at or below the target
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	if len(hash) != 32 {
		return false
	}
	return HashToBig(hash).Cmp(target) <= 0
}

// HashMeetsDifficulty checks whether a hash satisfies the given difficulty
func HashMeetsDifficulty(hash []byte, difficulty uint64) bool {
	return HashMeetsTarget(hash, DifficultyToTarget(difficulty))
}

// TargetToCompactHex encodes a per-miner target as the fixed-width hex string
// of the stratum dialect: floor((2^(8*width) - 1) / difficulty), at least 1,
// as a big-endian 4-byte (legacy) or 8-byte (modern) value.
func TargetToCompactHex(difficulty uint64, width int) (string, error) {
	if difficulty == 0 {
		difficulty = 1
	}
	switch width {
	case 4:
		compact := uint32(0xffffffff / difficulty)
		if compact == 0 {
			compact = 1
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, compact)
		return BytesToHex(b), nil
	case 8:
		compact := ^uint64(0) / difficulty
		if compact == 0 {
			compact = 1
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, compact)
		return BytesToHex(b), nil
	default:
		return "", fmt.Errorf("unsupported target width %d", width)
	}
}

// NetworkHashrate estimates network hashrate from difficulty and block time
func NetworkHashrate(difficulty uint64, blockTimeSeconds float64) float64 {
	if blockTimeSeconds <= 0 {
		return 0
	}
	return float64(difficulty) / blockTimeSeconds
}
