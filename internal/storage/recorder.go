package storage

import (
	"context"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/bus"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Recorder consumes bus events and persists share and block records,
// optionally mirroring every event onto a redis stream for external
// consumers
type Recorder struct {
	client    *RedisClient
	streamKey string
	mirror    bool
}

// NewRecorder creates a recorder
func NewRecorder(client *RedisClient, streamKey string, mirror bool) *Recorder {
	return &Recorder{client: client, streamKey: streamKey, mirror: mirror}
}

// Run consumes events until the context is cancelled
func (r *Recorder) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch ev.Kind {
	case bus.KindNewShare:
		payload, ok := ev.Payload.(bus.NewShare)
		if !ok {
			return
		}
		s := payload.Share
		record := &Share{
			Miner:      s.Miner,
			Worker:     s.Worker,
			Difficulty: s.Difficulty,
			Height:     s.BlockHeight,
			Timestamp:  s.Created.Unix(),
			IsBlock:    s.IsBlockCandidate,
		}
		if err := r.client.WriteShare(opCtx, record); err != nil {
			util.Warnf("Failed to record share: %v", err)
		}
		if s.IsBlockCandidate {
			block := &Block{
				Height:     s.BlockHeight,
				Hash:       s.BlockHash,
				Difficulty: s.NetworkDifficulty,
				Reward:     s.BlockReward,
				Finder:     s.Miner,
				Worker:     s.Worker,
				Timestamp:  s.Created.Unix(),
			}
			if err := r.client.WriteBlock(opCtx, block); err != nil {
				util.Errorf("Failed to record block: %v", err)
			}
		}
	}

	if r.mirror {
		if err := r.client.AppendEvent(opCtx, r.streamKey, ev.Kind, ev.Payload); err != nil {
			util.Warnf("Failed to mirror %s event: %v", ev.Kind, err)
		}
	}
}
