package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type rpcHandler func(method string, params json.RawMessage) (interface{}, *RPCError)

func newTestDaemon(t *testing.T, handler rpcHandler) (*httptest.Server, *DaemonClient) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json_rpc" {
			http.NotFound(w, r)
			return
		}

		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     uint64          `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return srv, NewDaemonClient(srv.URL, 5*time.Second)
}

func TestGetBlockTemplate(t *testing.T) {
	_, client := newTestDaemon(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		if method != "get_block_template" {
			t.Errorf("method = %q, want get_block_template", method)
		}

		var p struct {
			WalletAddress string `json:"wallet_address"`
			ReserveSize   uint32 `json:"reserve_size"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("params: %v", err)
		}
		if p.WalletAddress != "44wallet" {
			t.Errorf("wallet_address = %q", p.WalletAddress)
		}
		if p.ReserveSize != 8 {
			t.Errorf("reserve_size = %d, want 8", p.ReserveSize)
		}

		return map[string]interface{}{
			"blocktemplate_blob": "0b0bdeadbeef",
			"difficulty":         120000,
			"height":             2310000,
			"prev_hash":          "aaaa",
			"reserved_offset":    130,
			"seed_hash":          "bbbb",
			"major_version":      14,
			"expected_reward":    600000000000,
			"status":             "OK",
		}, nil
	})

	reply, err := client.GetBlockTemplate(context.Background(), "44wallet", 8)
	if err != nil {
		t.Fatalf("GetBlockTemplate error = %v", err)
	}
	if reply.Height != 2310000 {
		t.Errorf("height = %d, want 2310000", reply.Height)
	}
	if reply.ReservedOffset != 130 {
		t.Errorf("reserved_offset = %d, want 130", reply.ReservedOffset)
	}
	if reply.MajorVersion != 14 {
		t.Errorf("major_version = %d, want 14", reply.MajorVersion)
	}
	if !client.IsHealthy() {
		t.Error("client should be healthy after success")
	}
}

func TestGetBlockTemplateEmptyBlob(t *testing.T) {
	_, client := newTestDaemon(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"status": "OK"}, nil
	})

	if _, err := client.GetBlockTemplate(context.Background(), "w", 8); err == nil {
		t.Error("GetBlockTemplate must reject an empty template blob")
	}
}

func TestSubmitBlock(t *testing.T) {
	var gotBlob string
	_, client := newTestDaemon(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		if method != "submit_block" {
			t.Errorf("method = %q, want submit_block", method)
		}
		var blobs []string
		if err := json.Unmarshal(params, &blobs); err != nil || len(blobs) != 1 {
			t.Fatalf("submit_block params = %s", params)
		}
		gotBlob = blobs[0]
		return map[string]interface{}{"status": "OK"}, nil
	})

	if err := client.SubmitBlock(context.Background(), "0b0bcafe"); err != nil {
		t.Fatalf("SubmitBlock error = %v", err)
	}
	if gotBlob != "0b0bcafe" {
		t.Errorf("submitted blob = %q", gotBlob)
	}
}

func TestSubmitBlockRejected(t *testing.T) {
	_, client := newTestDaemon(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -7, Message: "Block not accepted"}
	})

	if err := client.SubmitBlock(context.Background(), "0b0b"); err == nil {
		t.Error("SubmitBlock must surface daemon rejection")
	}
}

func TestGetInfo(t *testing.T) {
	_, client := newTestDaemon(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{
			"height":         2310001,
			"difficulty":     123456789,
			"top_block_hash": "cccc",
			"synchronized":   true,
			"status":         "OK",
		}, nil
	})

	info, err := client.GetInfo(context.Background())
	if err != nil {
		t.Fatalf("GetInfo error = %v", err)
	}
	if info.Height != 2310001 || !info.Synchronized {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestGetBlockHeaderByHash(t *testing.T) {
	_, client := newTestDaemon(t, func(method string, params json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{
			"block_header": map[string]interface{}{
				"hash":          "dddd",
				"height":        2300000,
				"difficulty":    999,
				"orphan_status": true,
			},
			"status": "OK",
		}, nil
	})

	header, err := client.GetBlockHeaderByHash(context.Background(), "dddd")
	if err != nil {
		t.Fatalf("GetBlockHeaderByHash error = %v", err)
	}
	if header.Hash != "dddd" || !header.Orphan {
		t.Errorf("unexpected header: %+v", header)
	}
}

func TestHealthTracking(t *testing.T) {
	client := NewDaemonClient("http://127.0.0.1:1", 200*time.Millisecond)

	for i := 0; i < 3; i++ {
		client.GetInfo(context.Background())
	}
	if client.IsHealthy() {
		t.Error("client should be unhealthy after 3 consecutive failures")
	}
}
