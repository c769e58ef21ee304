// Package storage persists share and block records and the ban lists.
package storage

// Share is a recorded share event
type Share struct {
	Miner      string `json:"miner"`
	Worker     string `json:"worker"`
	JobID      string `json:"job_id"`
	Nonce      string `json:"nonce"`
	Difficulty uint64 `json:"difficulty"`
	Height     uint64 `json:"height"`
	Timestamp  int64  `json:"timestamp"`
	IsBlock    bool   `json:"is_block"`
}

// Block is a recorded block candidate
type Block struct {
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	Nonce      string `json:"nonce"`
	Difficulty uint64 `json:"difficulty"`
	Reward     uint64 `json:"reward"`
	Finder     string `json:"finder"`
	Worker     string `json:"worker"`
	Timestamp  int64  `json:"timestamp"`
}
