// Package rpc provides daemon communication over the CryptoNote JSON-RPC API.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// DaemonClient talks to a CryptoNote daemon's /json_rpc endpoint
type DaemonClient struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// rpcRequest is a JSON-RPC 2.0 request with object params
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// rpcResponse is a JSON-RPC 2.0 response
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockTemplateReply is the daemon's get_block_template response
type BlockTemplateReply struct {
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	BlockhashingBlob  string `json:"blockhashing_blob"`
	Difficulty        uint64 `json:"difficulty"`
	Height            uint64 `json:"height"`
	PrevHash          string `json:"prev_hash"`
	ReservedOffset    uint32 `json:"reserved_offset"`
	SeedHash          string `json:"seed_hash"`
	ExpectedReward    uint64 `json:"expected_reward"`
	MajorVersion      uint8  `json:"major_version"`
	Status            string `json:"status"`
}

// InfoReply is the daemon's get_info response
type InfoReply struct {
	Height       uint64 `json:"height"`
	Difficulty   uint64 `json:"difficulty"`
	Target       uint64 `json:"target"`
	TopBlockHash string `json:"top_block_hash"`
	TxPoolSize   uint64 `json:"tx_pool_size"`
	Synchronized bool   `json:"synchronized"`
	Status       string `json:"status"`
}

// BlockHeader is a daemon block header
type BlockHeader struct {
	Hash         string `json:"hash"`
	PrevHash     string `json:"prev_hash"`
	Height       uint64 `json:"height"`
	Timestamp    uint64 `json:"timestamp"`
	Difficulty   uint64 `json:"difficulty"`
	MajorVersion uint8  `json:"major_version"`
	Nonce        uint32 `json:"nonce"`
	Reward       uint64 `json:"reward"`
	Orphan       bool   `json:"orphan_status"`
	Depth        uint64 `json:"depth"`
}

type blockHeaderReply struct {
	BlockHeader BlockHeader `json:"block_header"`
	Status      string      `json:"status"`
}

// rpcURL returns the full RPC endpoint URL with /json_rpc path
func (c *DaemonClient) rpcURL() string {
	url := c.url
	if !strings.HasSuffix(url, "/json_rpc") {
		url = strings.TrimSuffix(url, "/") + "/json_rpc"
	}
	return url
}

// call makes an RPC call with object params
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

// recordSuccess records a successful RPC call
func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		if c.healthy {
			util.Warnf("Daemon marked unhealthy after %d failures", c.failCount)
		}
		c.healthy = false
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is considered reachable
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetBlockTemplate fetches a block template for the pool wallet,
// reserving space for the instance nonce
func (c *DaemonClient) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize uint32) (*BlockTemplateReply, error) {
	params := map[string]interface{}{
		"wallet_address": walletAddress,
		"reserve_size":   reserveSize,
	}

	result, err := c.call(ctx, "get_block_template", params)
	if err != nil {
		return nil, err
	}

	var reply BlockTemplateReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse block template: %w", err)
	}

	if reply.BlocktemplateBlob == "" {
		return nil, fmt.Errorf("daemon returned empty template blob")
	}

	return &reply, nil
}

// SubmitBlock submits an assembled block blob
func (c *DaemonClient) SubmitBlock(ctx context.Context, blobHex string) error {
	result, err := c.call(ctx, "submit_block", []string{blobHex})
	if err != nil {
		return err
	}

	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &reply); err != nil {
		return fmt.Errorf("failed to parse submit_block reply: %w", err)
	}

	if reply.Status != "" && reply.Status != "OK" {
		return fmt.Errorf("daemon rejected block: %s", reply.Status)
	}
	return nil
}

// GetInfo fetches daemon chain state
func (c *DaemonClient) GetInfo(ctx context.Context) (*InfoReply, error) {
	result, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}

	var reply InfoReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetBlockHeaderByHash fetches a block header by its hash
func (c *DaemonClient) GetBlockHeaderByHash(ctx context.Context, hash string) (*BlockHeader, error) {
	params := map[string]interface{}{
		"hash": hash,
	}

	result, err := c.call(ctx, "get_block_header_by_hash", params)
	if err != nil {
		return nil, err
	}

	var reply blockHeaderReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return nil, err
	}
	return &reply.BlockHeader, nil
}
