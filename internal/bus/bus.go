// Package bus is the in-process message bus carrying share, block and
// telemetry events to downstream consumers.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Share is the validated-share event payload
type Share struct {
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker"`
	Difficulty        uint64    `json:"difficulty"`
	NetworkDifficulty uint64    `json:"network_difficulty"`
	IsBlockCandidate  bool      `json:"is_block_candidate"`
	BlockHash         string    `json:"block_hash,omitempty"`
	BlockHeight       uint64    `json:"block_height"`
	BlockReward       uint64    `json:"block_reward"`
	Created           time.Time `json:"created"`
}

// NewShare announces a validated share
type NewShare struct {
	Share Share `json:"share"`
}

// NewBlock announces a block candidate accepted by the daemon
type NewBlock struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
}

// Telemetry reports one timed operation
type Telemetry struct {
	Category string        `json:"category"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
}

// Event is one bus message
type Event struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload"`
}

// Event kinds
const (
	KindNewShare  = "new_share"
	KindNewBlock  = "new_block"
	KindTelemetry = "telemetry"
)

// Bus fans events out to subscribers over a bounded channel per
// subscriber. Publishing never blocks: a full subscriber drops the event
// and the publish reports failure, but the share itself stays counted by
// the caller.
type Bus struct {
	capacity int

	mu   sync.RWMutex
	subs []chan Event

	dropped uint64
}

// New creates a bus with the given per-subscriber capacity
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{capacity: capacity}
}

// Subscribe registers a consumer channel
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.capacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to all subscribers, failing fast when any
// subscriber's channel is full
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var err error
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
			err = fmt.Errorf("bus subscriber full, dropped %s event", ev.Kind)
		}
	}
	if err != nil {
		util.Warnf("%v", err)
	}
	return err
}

// PublishShare publishes a NewShare event
func (b *Bus) PublishShare(s Share) error {
	return b.Publish(Event{Kind: KindNewShare, Payload: NewShare{Share: s}})
}

// PublishBlock publishes a NewBlock event
func (b *Bus) PublishBlock(hash string, height uint64) error {
	return b.Publish(Event{Kind: KindNewBlock, Payload: NewBlock{BlockHash: hash, Height: height}})
}

// Dropped returns how many events were dropped on full subscribers
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// PublishTelemetry publishes a Telemetry event
func (b *Bus) PublishTelemetry(category string, d time.Duration, success bool) error {
	return b.Publish(Event{Kind: KindTelemetry, Payload: Telemetry{Category: category, Duration: d, Success: success}})
}
