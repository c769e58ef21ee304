// Package job maintains the upstream block template and mints per-miner work.
package job

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Template is an immutable snapshot of upstream work
type Template struct {
	Height         uint64
	PrevHash       string
	Blob           []byte
	ReservedOffset uint32
	Difficulty     uint64
	SeedHash       string
	MajorVersion   uint8
	Reward         uint64
	ReceivedAt     time.Time
}

// Key identifies the template for weak job back-references
func (t *Template) Key() string {
	return fmt.Sprintf("%s:%d", t.PrevHash, t.Height)
}

// Job is a per-session work unit minted from a template. Only the
// submissions set mutates after creation.
type Job struct {
	ID            string
	TemplateKey   string
	Height        uint64
	InstanceNonce uint32
	ExtraNonce    uint32
	Difficulty    uint64
	SeedHash      string
	CreatedAt     time.Time

	mu          sync.Mutex
	submissions map[string]struct{}
}

// RegisterSubmission records a normalized nonce, returning false when the
// same nonce was already submitted on this job
func (j *Job) RegisterSubmission(nonce string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.submissions == nil {
		j.submissions = make(map[string]struct{})
	}
	if _, dup := j.submissions[nonce]; dup {
		return false
	}
	j.submissions[nonce] = struct{}{}
	return true
}

// SubmissionCount returns the number of distinct nonces seen on this job
func (j *Job) SubmissionCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.submissions)
}

// Wire is the job in the stratum dialect's wire form
type Wire struct {
	JobID    string `json:"job_id"`
	Blob     string `json:"blob"`
	Target   string `json:"target"`
	Height   uint64 `json:"height"`
	SeedHash string `json:"seed_hash"`
}

// spliceNonce writes a little-endian u32 into a blob at the given offset
func spliceNonce(blob []byte, offset int, nonce uint32) error {
	if offset < 0 || offset+4 > len(blob) {
		return fmt.Errorf("nonce offset %d out of range for %d-byte blob", offset, len(blob))
	}
	binary.LittleEndian.PutUint32(blob[offset:offset+4], nonce)
	return nil
}

// readNonce reads a little-endian u32 from a blob at the given offset
func readNonce(blob []byte, offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(blob) {
		return 0, fmt.Errorf("nonce offset %d out of range for %d-byte blob", offset, len(blob))
	}
	return binary.LittleEndian.Uint32(blob[offset : offset+4]), nil
}
