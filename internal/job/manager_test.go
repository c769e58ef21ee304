package job

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/coin"
	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/rpc"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

type fakeDaemon struct {
	mu            sync.Mutex
	reply         *rpc.BlockTemplateReply
	templateErr   error
	submitErr     error
	submitCalls   int
	submittedBlob string
}

func (f *fakeDaemon) GetBlockTemplate(ctx context.Context, wallet string, reserve uint32) (*rpc.BlockTemplateReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.templateErr != nil {
		return nil, f.templateErr
	}
	return f.reply, nil
}

func (f *fakeDaemon) SubmitBlock(ctx context.Context, blobHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	f.submittedBlob = blobHex
	return f.submitErr
}

func (f *fakeDaemon) setReply(r *rpc.BlockTemplateReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = r
}

func testReply(height uint64, prevHash string) *rpc.BlockTemplateReply {
	blob := make([]byte, 128)
	for i := range blob {
		blob[i] = byte(i)
	}
	return &rpc.BlockTemplateReply{
		BlocktemplateBlob: hex.EncodeToString(blob),
		Difficulty:        250000,
		Height:            height,
		PrevHash:          prevHash,
		ReservedOffset:    100,
		SeedHash:          "seedseed",
		MajorVersion:      14,
		ExpectedReward:    600000000000,
		Status:            "OK",
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Pool: config.PoolConfig{WalletAddress: "44wallet"},
		Node: config.NodeConfig{
			Timeout:         5 * time.Second,
			PollInterval:    time.Second,
			RefreshInterval: time.Minute,
			ReserveSize:     8,
		},
		Validation: config.ValidationConfig{
			SubmitRetries: 3,
			SubmitBackoff: time.Millisecond,
		},
	}
}

func newTestManager(t *testing.T, daemon *fakeDaemon) *Manager {
	t.Helper()
	def, err := coin.Get("monero")
	if err != nil {
		t.Fatalf("coin.Get: %v", err)
	}
	return NewManager(testConfig(), def, daemon, nil)
}

func TestRefreshEmitsOnNewTip(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error = %v", err)
	}

	tmpl := <-ch
	if tmpl.Height != 100 {
		t.Errorf("template height = %d, want 100", tmpl.Height)
	}

	// Same tip again: no new emission
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error = %v", err)
	}
	select {
	case <-ch:
		t.Error("unchanged tip must not re-emit before the refresh interval")
	default:
	}

	// New height emits
	daemon.setReply(testReply(101, "bb"))
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error = %v", err)
	}
	tmpl = <-ch
	if tmpl.Height != 101 {
		t.Errorf("template height = %d, want 101", tmpl.Height)
	}
}

func TestRefreshForcedRebroadcast(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)
	m.cfg.Node.RefreshInterval = 10 * time.Millisecond

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error = %v", err)
	}

	ch, cancel := m.Subscribe()
	defer cancel()
	<-ch // replayed current

	time.Sleep(20 * time.Millisecond)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error = %v", err)
	}

	select {
	case tmpl := <-ch:
		if tmpl.Height != 100 {
			t.Errorf("re-broadcast height = %d, want 100", tmpl.Height)
		}
	case <-time.After(time.Second):
		t.Error("expected a forced re-broadcast after the refresh interval")
	}
}

func TestSubscribeReplaysCurrent(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)
	m.Refresh(context.Background())

	ch, cancel := m.Subscribe()
	defer cancel()

	select {
	case tmpl := <-ch:
		if tmpl.Height != 100 {
			t.Errorf("replayed height = %d, want 100", tmpl.Height)
		}
	default:
		t.Error("new subscriber must immediately receive the current template")
	}
}

func TestPublishOverwritesSlowSubscriber(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)

	ch, cancel := m.Subscribe()
	defer cancel()

	// Never drain; push three templates through
	for i, h := range []uint64{100, 101, 102} {
		daemon.setReply(testReply(h, fmt.Sprintf("hash%d", i)))
		if err := m.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh error = %v", err)
		}
	}

	// Only the newest survives in the mailbox
	tmpl := <-ch
	if tmpl.Height != 102 {
		t.Errorf("lagging subscriber got height %d, want newest 102", tmpl.Height)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra template at height %d", extra.Height)
	default:
	}
}

func TestRefreshDaemonFailureKeepsTemplate(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)
	m.Refresh(context.Background())

	daemon.mu.Lock()
	daemon.templateErr = fmt.Errorf("connection refused")
	daemon.mu.Unlock()

	if err := m.Refresh(context.Background()); err == nil {
		t.Error("Refresh should surface daemon errors")
	}
	if m.Current() == nil || m.Current().Height != 100 {
		t.Error("last template must remain current after a daemon failure")
	}
}

func TestMint(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)
	m.Refresh(context.Background())

	j1, w1, err := m.Mint(5000, 7)
	if err != nil {
		t.Fatalf("Mint error = %v", err)
	}
	j2, w2, err := m.Mint(5000, 8)
	if err != nil {
		t.Fatalf("Mint error = %v", err)
	}

	// Job ids are globally monotonic decimal strings
	if j1.ID != "1" || j2.ID != "2" {
		t.Errorf("job ids = %s, %s, want 1, 2", j1.ID, j2.ID)
	}

	// Instance nonces never repeat across jobs
	if j1.InstanceNonce == j2.InstanceNonce {
		t.Error("two jobs must not share an instance nonce")
	}

	if j1.Difficulty != 5000 {
		t.Errorf("job difficulty = %d, want 5000", j1.Difficulty)
	}
	if w1.Height != 100 || w1.SeedHash != "seedseed" {
		t.Errorf("unexpected wire job: %+v", w1)
	}
	if w1.Blob == w2.Blob {
		t.Error("distinct jobs must carry distinct blobs")
	}

	// The instance nonce is spliced little-endian at the reserved offset
	blob, _ := util.HexToBytes(w1.Blob)
	got := binary.LittleEndian.Uint32(blob[100:104])
	if got != j1.InstanceNonce {
		t.Errorf("spliced instance nonce = %d, want %d", got, j1.InstanceNonce)
	}
	gotExtra := binary.LittleEndian.Uint32(blob[104:108])
	if gotExtra != 7 {
		t.Errorf("spliced extra nonce = %d, want 7", gotExtra)
	}
}

func TestMintWithoutTemplate(t *testing.T) {
	daemon := &fakeDaemon{}
	m := newTestManager(t, daemon)

	if _, _, err := m.Mint(5000, 1); err == nil {
		t.Error("Mint must fail before the first template arrives")
	}
}

func TestBuildBlobRoundTrip(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)
	m.Refresh(context.Background())

	j, _, err := m.Mint(5000, 42)
	if err != nil {
		t.Fatalf("Mint error = %v", err)
	}

	tmpl := m.LookupTemplate(j.TemplateKey)
	if tmpl == nil {
		t.Fatal("template lookup failed for a fresh job")
	}

	minerNonce := []byte{0xde, 0xad, 0xbe, 0xef}
	blob, err := m.BuildBlob(j, tmpl, minerNonce)
	if err != nil {
		t.Fatalf("BuildBlob error = %v", err)
	}

	// Round trip: all three nonce fields read back as spliced
	if got, _ := readNonce(blob, int(tmpl.ReservedOffset)); got != j.InstanceNonce {
		t.Errorf("instance nonce = %d, want %d", got, j.InstanceNonce)
	}
	if got, _ := readNonce(blob, int(tmpl.ReservedOffset)+4); got != 42 {
		t.Errorf("extra nonce = %d, want 42", got)
	}
	if got := blob[39:43]; string(got) != string(minerNonce) {
		t.Errorf("miner nonce = %x, want %x", got, minerNonce)
	}

	if _, err := m.BuildBlob(j, tmpl, []byte{1, 2}); err == nil {
		t.Error("BuildBlob must reject a short miner nonce")
	}
}

func TestLookupTemplateBacklog(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa")}
	m := newTestManager(t, daemon)
	m.Refresh(context.Background())

	oldKey := m.Current().Key()

	daemon.setReply(testReply(101, "bb"))
	m.Refresh(context.Background())

	if m.LookupTemplate(oldKey) == nil {
		t.Error("a just-superseded template must stay resolvable")
	}

	// Push enough templates through to evict the oldest
	for i := 0; i < templateBacklog+2; i++ {
		daemon.setReply(testReply(102+uint64(i), fmt.Sprintf("cc%d", i)))
		m.Refresh(context.Background())
	}

	if m.LookupTemplate(oldKey) != nil {
		t.Error("evicted templates must no longer resolve")
	}
	if m.LookupTemplate("missing:0") != nil {
		t.Error("unknown keys must not resolve")
	}
}

func TestRegisterSubmission(t *testing.T) {
	j := &Job{ID: "1"}

	if !j.RegisterSubmission("deadbeef") {
		t.Error("first submission must be accepted")
	}
	if j.RegisterSubmission("deadbeef") {
		t.Error("duplicate submission must be rejected")
	}
	if !j.RegisterSubmission("cafebabe") {
		t.Error("distinct nonce must be accepted")
	}
	if j.SubmissionCount() != 2 {
		t.Errorf("submission count = %d, want 2", j.SubmissionCount())
	}
}

func TestSubmitBlockRetries(t *testing.T) {
	daemon := &fakeDaemon{reply: testReply(100, "aa"), submitErr: fmt.Errorf("busy")}
	m := newTestManager(t, daemon)

	err := m.SubmitBlock(context.Background(), "0b0b")
	if err == nil {
		t.Fatal("SubmitBlock should fail when every attempt fails")
	}
	if daemon.submitCalls != 3 {
		t.Errorf("submit attempts = %d, want 3", daemon.submitCalls)
	}

	daemon.mu.Lock()
	daemon.submitErr = nil
	daemon.submitCalls = 0
	daemon.mu.Unlock()

	if err := m.SubmitBlock(context.Background(), "0b0c"); err != nil {
		t.Fatalf("SubmitBlock error = %v", err)
	}
	if daemon.submitCalls != 1 {
		t.Errorf("submit attempts = %d, want 1", daemon.submitCalls)
	}
	if daemon.submittedBlob != "0b0c" {
		t.Errorf("submitted blob = %q", daemon.submittedBlob)
	}
}
