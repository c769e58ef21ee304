package policy

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/cryptonote-labs/cn-pool/internal/storage"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ConnectionGrace = 0
	cfg.CheckThreshold = 4
	cfg.MalformedLimit = 3
	return cfg
}

func TestBanAndUnban(t *testing.T) {
	p := NewServer(testConfig(), nil)

	if p.IsBanned("10.0.0.1") {
		t.Error("fresh IP must not be banned")
	}

	p.BanIP("10.0.0.1")
	if !p.IsBanned("10.0.0.1") {
		t.Error("IP must be banned after BanIP")
	}

	// Expired bans are lifted on reset
	p.config.BanTimeout = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	p.resetStats()
	if p.IsBanned("10.0.0.1") {
		t.Error("expired ban must be lifted")
	}
}

func TestBanDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.BanningEnabled = false
	p := NewServer(cfg, nil)

	p.BanIP("10.0.0.1")
	if p.IsBanned("10.0.0.1") {
		t.Error("banning disabled must never ban")
	}
}

func TestWhitelistBlocksBan(t *testing.T) {
	p := NewServer(testConfig(), nil)
	p.AddToWhitelist("10.0.0.2")

	p.BanIP("10.0.0.2")
	if p.IsBanned("10.0.0.2") {
		t.Error("whitelisted IP must not be banned")
	}
}

func TestApplySharePolicy(t *testing.T) {
	p := NewServer(testConfig(), nil)
	ip := "10.0.0.3"

	// All-invalid shares cross the ratio at the check threshold
	for i := 0; i < 3; i++ {
		if !p.ApplySharePolicy(ip, false) {
			t.Fatalf("share %d should not trigger the ban yet", i)
		}
	}
	if p.ApplySharePolicy(ip, false) {
		t.Error("crossing the invalid ratio must report a ban")
	}
	if !p.IsBanned(ip) {
		t.Error("IP must be banned after crossing the ratio")
	}
}

func TestApplySharePolicyHealthyMiner(t *testing.T) {
	p := NewServer(testConfig(), nil)
	ip := "10.0.0.4"

	for i := 0; i < 50; i++ {
		if !p.ApplySharePolicy(ip, true) {
			t.Fatal("valid shares must never trigger a ban")
		}
	}
	if p.IsBanned(ip) {
		t.Error("healthy miner must not be banned")
	}
}

func TestApplyMalformedPolicy(t *testing.T) {
	p := NewServer(testConfig(), nil)
	ip := "10.0.0.5"

	for i := 0; i < 2; i++ {
		if !p.ApplyMalformedPolicy(ip) {
			t.Fatalf("malformed request %d should not ban yet", i)
		}
	}
	if p.ApplyMalformedPolicy(ip) {
		t.Error("reaching the malformed limit must ban")
	}
	if !p.IsBanned(ip) {
		t.Error("IP must be banned after malformed flood")
	}
}

func TestApplyConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionLimit = 2
	p := NewServer(cfg, nil)
	ip := "10.0.0.6"

	if !p.ApplyConnectionLimit(ip) || !p.ApplyConnectionLimit(ip) {
		t.Fatal("connections within the limit must pass")
	}
	if p.ApplyConnectionLimit(ip) {
		t.Error("connections beyond the limit must be refused")
	}
}

func TestApplyLoginPolicyBlacklist(t *testing.T) {
	p := NewServer(testConfig(), nil)
	p.AddToBlacklist("44BadAddress")

	if p.ApplyLoginPolicy("44badaddress", "10.0.0.7") {
		t.Error("blacklisted address must be refused regardless of case")
	}
	if !p.IsBanned("10.0.0.7") {
		t.Error("the submitting IP must be banned")
	}

	if !p.ApplyLoginPolicy("44GoodAddress", "10.0.0.8") {
		t.Error("clean address must pass")
	}
}

func TestRefreshListsFromStorage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client, err := storage.NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	p := NewServer(testConfig(), client)
	if err := p.AddToBlacklist("44Persisted"); err != nil {
		t.Fatalf("AddToBlacklist error = %v", err)
	}

	// A second policy server reloads the same lists
	p2 := NewServer(testConfig(), client)
	p2.refreshLists()
	if !p2.IsBlacklisted("44persisted") {
		t.Error("blacklist must survive via storage")
	}
}

func TestCounts(t *testing.T) {
	p := NewServer(testConfig(), nil)
	p.BanIP("10.0.0.9")
	p.getStats("10.0.0.10")

	total, banned := p.Counts()
	if total != 2 || banned != 1 {
		t.Errorf("Counts() = (%d, %d), want (2, 1)", total, banned)
	}
}
