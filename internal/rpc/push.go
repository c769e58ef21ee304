// WebSocket push channel for block-template notifications.
package rpc

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cryptonote-labs/cn-pool/internal/util"
)

const (
	pushReadLimit     = 1 << 20
	pushPingInterval  = 30 * time.Second
	pushReconnectMin  = time.Second
	pushReconnectMax  = 30 * time.Second
)

// PushSubscriber maintains a WebSocket subscription to a daemon-side
// block-template topic. Each text frame carries a template hex blob and is
// surfaced as a wake-up; the poller then fetches the authoritative template
// over RPC.
type PushSubscriber struct {
	url    string
	frames chan string
}

// NewPushSubscriber creates a subscriber for a template push URL
func NewPushSubscriber(url string) *PushSubscriber {
	return &PushSubscriber{
		url:    url,
		frames: make(chan string, 8),
	}
}

// Frames returns the channel of received template frames
func (p *PushSubscriber) Frames() <-chan string {
	return p.frames
}

// Run connects and reads frames until the context is cancelled,
// reconnecting with exponential backoff on failure
func (p *PushSubscriber) Run(ctx context.Context) {
	backoff := pushReconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
		if err != nil {
			util.Warnf("Template push connect failed: %v (retry in %v)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pushReconnectMax {
				backoff = pushReconnectMax
			}
			continue
		}

		util.Infof("Template push channel connected: %s", p.url)
		backoff = pushReconnectMin

		p.readLoop(ctx, conn)
		conn.Close()
	}
}

// readLoop consumes frames from one connection until it errors or the
// context is cancelled
func (p *PushSubscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(pushReadLimit)

	done := make(chan struct{})
	defer close(done)

	// Keepalive pings; also unblocks the reader on shutdown
	go func() {
		ticker := time.NewTicker(pushPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				util.Warnf("Template push read error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case p.frames <- string(data):
		default:
			// A pending frame already guarantees a refresh; drop extras
		}
	}
}
