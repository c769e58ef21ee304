package stratum

import (
	"context"
	"runtime"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/bus"
	"github.com/cryptonote-labs/cn-pool/internal/coin"
	"github.com/cryptonote-labs/cn-pool/internal/job"
	"github.com/cryptonote-labs/cn-pool/internal/powhash"
	"github.com/cryptonote-labs/cn-pool/internal/telemetry"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Verdict is the outcome of validating one submission
type Verdict struct {
	Share *bus.Share
	// BlockHash is set when the share was a block candidate, whether or
	// not the daemon accepted it
	BlockHash string
}

// hashTask is one unit of CPU-bound work for the hash pool
type hashTask struct {
	variant powhash.Variant
	blob    []byte
	seed    []byte
	reply   chan hashResult
}

type hashResult struct {
	hash []byte
	err  error
}

// Validator reconstructs submitted blobs, computes the PoW hash on a
// bounded worker pool and classifies shares
type Validator struct {
	manager   *job.Manager
	coinDef   *coin.Def
	bus       *bus.Bus
	telemetry *telemetry.Recorder
	tasks     chan hashTask
	workers   int
	now       func() time.Time
}

// NewValidator creates a share validator. workers <= 0 sizes the hash
// pool to runtime.NumCPU(), the logical CPU count; physical cores are not
// distinguished from hyperthreads.
func NewValidator(manager *job.Manager, coinDef *coin.Def, b *bus.Bus, rec *telemetry.Recorder, workers int) *Validator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Validator{
		manager:   manager,
		coinDef:   coinDef,
		bus:       b,
		telemetry: rec,
		tasks:     make(chan hashTask, workers*2),
		workers:   workers,
		now:       time.Now,
	}
}

// Run starts the hash worker pool; it returns when ctx is cancelled
func (v *Validator) Run(ctx context.Context) {
	for i := 0; i < v.workers; i++ {
		go v.hashWorker(ctx)
	}
	<-ctx.Done()
}

func (v *Validator) hashWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-v.tasks:
			hash, err := powhash.Hash(task.variant, task.blob, task.seed)
			task.reply <- hashResult{hash: hash, err: err}
		}
	}
}

// computeHash dispatches one hash to the pool and waits for the result
func (v *Validator) computeHash(ctx context.Context, variant powhash.Variant, blob, seed []byte) ([]byte, error) {
	task := hashTask{
		variant: variant,
		blob:    blob,
		seed:    seed,
		reply:   make(chan hashResult, 1),
	}

	select {
	case v.tasks <- task:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-task.reply:
		return res.hash, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Validate checks a submission against its job and the network target of
// the job's template (the current one or a retained predecessor).
// Duplicate detection happens before this call, on the job's submission
// set.
func (v *Validator) Validate(ctx context.Context, sess *Session, j *job.Job, nonceHex, resultHex string) (*Verdict, *Error) {
	start := v.now()

	nonce, err := util.ParseNonce(nonceHex)
	if err != nil {
		return nil, NewError(CodeGeneric, "malformed nonce")
	}

	tmpl := v.manager.LookupTemplate(j.TemplateKey)
	if tmpl == nil {
		return nil, NewError(CodeJobNotFound, "stale job")
	}

	blob, err := v.manager.BuildBlob(j, tmpl, nonce)
	if err != nil {
		util.Warnf("Blob reconstruction failed for job %s: %v", j.ID, err)
		return nil, NewError(CodeGeneric, "internal error")
	}

	variant, err := powhash.Lookup(v.coinDef.Family, tmpl.MajorVersion)
	if err != nil {
		util.Errorf("No PoW variant for major %d: %v", tmpl.MajorVersion, err)
		return nil, NewError(CodeGeneric, "internal error")
	}

	var seed []byte
	if variant.Seeded {
		seed, err = util.HexToBytes(tmpl.SeedHash)
		if err != nil {
			util.Errorf("Template carries an invalid seed hash: %v", err)
			return nil, NewError(CodeGeneric, "internal error")
		}
	}

	hash, err := v.computeHash(ctx, variant, blob, seed)
	if v.telemetry != nil {
		v.telemetry.Record("pow_hash", v.now().Sub(start), err == nil)
	}
	if err != nil {
		util.Warnf("Hash computation failed: %v", err)
		return nil, NewError(CodeGeneric, "internal error")
	}

	// Miners submitting a result hash must agree with our computation
	if resultHex != "" && util.NormalizeNonce(resultHex) != util.BytesToHex(hash) {
		return nil, NewError(CodeBadHash, "bad hash")
	}

	shareDiff := util.HashDifficulty(hash)
	if shareDiff < j.Difficulty {
		return nil, NewError(CodeLowDiff, "low difficulty share")
	}

	share := &bus.Share{
		Miner:             sess.MinerAddress(),
		Worker:            sess.WorkerName(),
		Difficulty:        j.Difficulty,
		NetworkDifficulty: tmpl.Difficulty,
		BlockHeight:       tmpl.Height,
		BlockReward:       tmpl.Reward,
		Created:           v.now(),
	}

	verdict := &Verdict{Share: share}

	if shareDiff >= tmpl.Difficulty {
		blockHash := util.BytesToHex(hash)
		verdict.BlockHash = blockHash
		share.IsBlockCandidate = true
		share.BlockHash = blockHash

		util.Infof("Block candidate at height %d by %s (share diff %d, network %d)",
			tmpl.Height, share.Miner, shareDiff, tmpl.Difficulty)

		submitStart := v.now()
		submitErr := v.manager.SubmitBlock(ctx, util.BytesToHex(blob))
		if v.telemetry != nil {
			v.telemetry.Record("submit_block", v.now().Sub(submitStart), submitErr == nil)
		}
		if submitErr != nil {
			// The daemon refused or never answered: the miner still gets
			// credit for a valid share, just not for a block
			util.Warnf("Daemon rejected block at height %d: %v", tmpl.Height, submitErr)
			share.IsBlockCandidate = false
			share.BlockHash = ""
		} else {
			v.bus.PublishBlock(blockHash, tmpl.Height)
		}
	}

	v.bus.PublishShare(*share)

	return verdict, nil
}
