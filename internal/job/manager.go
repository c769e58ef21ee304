package job

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/coin"
	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/rpc"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// templateBacklog is how many superseded templates stay resolvable so
// in-flight shares against recent jobs are not rejected as stale
const templateBacklog = 8

// Daemon is the upstream RPC surface the manager needs
type Daemon interface {
	GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize uint32) (*rpc.BlockTemplateReply, error)
	SubmitBlock(ctx context.Context, blobHex string) error
}

// Manager polls the daemon for block templates, fans them out to
// subscribers and mints per-session jobs
type Manager struct {
	cfg     *config.Config
	coinDef *coin.Def
	daemon  Daemon
	push    *rpc.PushSubscriber
	now     func() time.Time

	// Global counters
	jobSeq        uint64
	instanceNonce uint32

	// Current template and a short backlog of superseded ones
	mu       sync.RWMutex
	current  *Template
	backlog  map[string]*Template
	order    []string
	lastEmit time.Time

	// Template stream subscribers; each holds a 1-slot mailbox that is
	// overwritten with the newest template when the subscriber lags
	subMu   sync.Mutex
	subSeq  uint64
	subs    map[uint64]chan *Template
}

// NewManager creates a job manager. push may be nil when no push channel
// is configured.
func NewManager(cfg *config.Config, coinDef *coin.Def, daemon Daemon, push *rpc.PushSubscriber) *Manager {
	return &Manager{
		cfg:     cfg,
		coinDef: coinDef,
		daemon:  daemon,
		push:    push,
		now:     time.Now,
		backlog: make(map[string]*Template),
		subs:    make(map[uint64]chan *Template),
	}
}

// Run drives template acquisition until the context is cancelled.
// Push notifications are preferred; polling covers the gaps.
func (m *Manager) Run(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		util.Warnf("Initial template fetch failed: %v", err)
	}

	var frames <-chan string
	if m.push != nil {
		go m.push.Run(ctx)
		frames = m.push.Frames()
	}

	ticker := time.NewTicker(m.cfg.Node.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-frames:
			if err := m.Refresh(ctx); err != nil {
				util.Warnf("Template refresh after push failed: %v", err)
			}
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				util.Debugf("Template poll failed: %v", err)
			}
		}
	}
}

// Refresh fetches the template and emits it when the chain tip moved or
// the re-broadcast interval elapsed. On daemon failure the last template
// stays current.
func (m *Manager) Refresh(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Node.Timeout)
	defer cancel()

	reply, err := m.daemon.GetBlockTemplate(callCtx, m.cfg.Pool.WalletAddress, m.cfg.Node.ReserveSize)
	if err != nil {
		return err
	}

	blob, err := util.HexToBytes(reply.BlocktemplateBlob)
	if err != nil {
		return fmt.Errorf("invalid template blob: %w", err)
	}
	if int(reply.ReservedOffset)+8 > len(blob) {
		return fmt.Errorf("reserved offset %d leaves no nonce room in %d-byte blob", reply.ReservedOffset, len(blob))
	}

	tmpl := &Template{
		Height:         reply.Height,
		PrevHash:       reply.PrevHash,
		Blob:           blob,
		ReservedOffset: reply.ReservedOffset,
		Difficulty:     reply.Difficulty,
		SeedHash:       reply.SeedHash,
		MajorVersion:   reply.MajorVersion,
		Reward:         reply.ExpectedReward,
		ReceivedAt:     m.now(),
	}

	m.mu.Lock()
	changed := m.current == nil ||
		m.current.PrevHash != tmpl.PrevHash ||
		m.current.Height != tmpl.Height ||
		m.current.MajorVersion != tmpl.MajorVersion
	stale := m.cfg.Node.RefreshInterval > 0 && m.now().Sub(m.lastEmit) >= m.cfg.Node.RefreshInterval

	if !changed && !stale {
		m.mu.Unlock()
		return nil
	}

	if m.current != nil && changed {
		m.retire(m.current)
	}
	m.current = tmpl
	m.lastEmit = m.now()
	m.mu.Unlock()

	if changed {
		util.Infof("New block template: height %d, diff %d, major %d", tmpl.Height, tmpl.Difficulty, tmpl.MajorVersion)
	} else {
		util.Debugf("Re-broadcasting template at height %d", tmpl.Height)
	}

	m.publish(tmpl)
	return nil
}

// retire moves a superseded template into the bounded backlog.
// Must be called with mu held.
func (m *Manager) retire(t *Template) {
	key := t.Key()
	if _, ok := m.backlog[key]; ok {
		return
	}
	m.backlog[key] = t
	m.order = append(m.order, key)
	for len(m.order) > templateBacklog {
		delete(m.backlog, m.order[0])
		m.order = m.order[1:]
	}
}

// publish delivers a template to every subscriber without blocking,
// overwriting each slow subscriber's pending slot with the newest value
func (m *Manager) publish(t *Template) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
}

// Subscribe registers a template stream subscriber. The current template,
// if any, is delivered immediately. The returned cancel function removes
// the subscription.
func (m *Manager) Subscribe() (<-chan *Template, func()) {
	ch := make(chan *Template, 1)

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current != nil {
		ch <- current
	}

	m.subMu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
	return ch, cancel
}

// Current returns the active template, or nil before the first fetch
func (m *Manager) Current() *Template {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LookupTemplate resolves a job's template key against the current
// template and the backlog. Nil means the job is stale.
func (m *Manager) LookupTemplate(key string) *Template {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current != nil && m.current.Key() == key {
		return m.current
	}
	return m.backlog[key]
}

// Mint creates a job for a session at the given difficulty. extraNonce is
// the session-scoped counter value. The wire form is returned alongside.
func (m *Manager) Mint(difficulty uint64, extraNonce uint32) (*Job, *Wire, error) {
	m.mu.RLock()
	tmpl := m.current
	m.mu.RUnlock()

	if tmpl == nil {
		return nil, nil, fmt.Errorf("no block template available")
	}
	if len(tmpl.Blob) == 0 {
		return nil, nil, fmt.Errorf("block template has an empty blob")
	}

	targetHex, err := util.TargetToCompactHex(difficulty, m.coinDef.TargetWidth)
	if err != nil {
		return nil, nil, fmt.Errorf("target encoding: %w", err)
	}
	if targetHex == "" {
		return nil, nil, fmt.Errorf("block template produced an empty target")
	}

	instance := atomic.AddUint32(&m.instanceNonce, 1)
	id := strconv.FormatUint(atomic.AddUint64(&m.jobSeq, 1), 10)

	blob := make([]byte, len(tmpl.Blob))
	copy(blob, tmpl.Blob)
	if err := spliceNonce(blob, int(tmpl.ReservedOffset), instance); err != nil {
		return nil, nil, err
	}
	if err := spliceNonce(blob, int(tmpl.ReservedOffset)+4, extraNonce); err != nil {
		return nil, nil, err
	}

	j := &Job{
		ID:            id,
		TemplateKey:   tmpl.Key(),
		Height:        tmpl.Height,
		InstanceNonce: instance,
		ExtraNonce:    extraNonce,
		Difficulty:    difficulty,
		SeedHash:      tmpl.SeedHash,
		CreatedAt:     m.now(),
	}

	wire := &Wire{
		JobID:    id,
		Blob:     util.BytesToHex(blob),
		Target:   targetHex,
		Height:   tmpl.Height,
		SeedHash: tmpl.SeedHash,
	}

	return j, wire, nil
}

// BuildBlob reconstructs the full mined blob for a job: the template blob
// with both pool nonces spliced back and the miner nonce at the coin's
// nonce offset
func (m *Manager) BuildBlob(j *Job, tmpl *Template, minerNonce []byte) ([]byte, error) {
	if len(minerNonce) != 4 {
		return nil, fmt.Errorf("miner nonce must be 4 bytes")
	}

	blob := make([]byte, len(tmpl.Blob))
	copy(blob, tmpl.Blob)

	if err := spliceNonce(blob, int(tmpl.ReservedOffset), j.InstanceNonce); err != nil {
		return nil, err
	}
	if err := spliceNonce(blob, int(tmpl.ReservedOffset)+4, j.ExtraNonce); err != nil {
		return nil, err
	}

	if m.coinDef.NonceOffset+4 > len(blob) {
		return nil, fmt.Errorf("blob too short for nonce offset %d", m.coinDef.NonceOffset)
	}
	copy(blob[m.coinDef.NonceOffset:m.coinDef.NonceOffset+4], minerNonce)

	return blob, nil
}

// SubmitBlock pushes an assembled block to the daemon with bounded retry.
// The share that produced the block is recorded regardless of the outcome.
func (m *Manager) SubmitBlock(ctx context.Context, blobHex string) error {
	var err error
	for attempt := 1; attempt <= m.cfg.Validation.SubmitRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Node.Timeout)
		err = m.daemon.SubmitBlock(callCtx, blobHex)
		cancel()
		if err == nil {
			return nil
		}

		util.Warnf("Block submission attempt %d/%d failed: %v", attempt, m.cfg.Validation.SubmitRetries, err)
		if attempt < m.cfg.Validation.SubmitRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.Validation.SubmitBackoff):
			}
		}
	}
	return err
}
