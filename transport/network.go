package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// NetworkOptions configures a network-substrate worker: a
// worker process reachable over a WebSocket, speaking the same JSON-frame
// protocol as the process substrate.
type NetworkOptions struct {
	// URL is the WebSocket endpoint to dial (ws:// or wss://).
	URL string

	// Dialer defaults to websocket.DefaultDialer when nil.
	Dialer *websocket.Dialer

	// Header carries any connection-time headers (e.g. auth tokens).
	Header map[string][]string
}

// NetworkTransport drives a worker over a WebSocket connection. Unlike the
// process substrate it has no OS-level process to Kill — closing the
// socket is the only force-termination available.
type NetworkTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	onMsg  func(any)
	onErr  func(any)
	onExit func(any)
	alive  bool
	killed bool
}

// NewNetworkTransport dials opts.URL and begins reading frames in a
// background goroutine. Returns a plain error if URL is empty; core's
// handler reports that case as *UnsupportedSubstrateError before calling here.
func NewNetworkTransport(ctx context.Context, opts NetworkOptions) (*NetworkTransport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("workerpool: network substrate requires HandlerOptions.NetworkURL")
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("workerpool: network transport dial: %w", err)
	}

	nt := &NetworkTransport{conn: conn, alive: true}
	go nt.readLoop()
	return nt, nil
}

func (nt *NetworkTransport) readLoop() {
	for {
		_, data, err := nt.conn.ReadMessage()
		if err != nil {
			nt.mu.Lock()
			nt.alive = false
			killed := nt.killed
			nt.mu.Unlock()
			info := ExitInfo{}
			if !killed {
				info.Diagnostic = err.Error()
			}
			nt.emit("exit", info)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			nt.emit("error", fmt.Errorf("workerpool: malformed worker frame: %w", err))
			continue
		}
		nt.emit("message", resp)
	}
}

func (nt *NetworkTransport) emit(event string, payload any) {
	nt.mu.Lock()
	var cb func(any)
	switch event {
	case "message":
		cb = nt.onMsg
	case "error":
		cb = nt.onErr
	case "exit":
		cb = nt.onExit
	}
	nt.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

func (nt *NetworkTransport) Send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("workerpool: network transport encode: %w", err)
	}

	nt.mu.Lock()
	defer nt.mu.Unlock()
	if !nt.alive {
		return fmt.Errorf("workerpool: network transport not alive")
	}
	return nt.conn.WriteMessage(websocket.TextMessage, data)
}

func (nt *NetworkTransport) On(event string, cb func(any)) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	switch event {
	case "message":
		nt.onMsg = cb
	case "error":
		nt.onErr = cb
	case "exit":
		nt.onExit = cb
	}
}

// Terminate sends the Terminate out-of-band signal over the socket, giving
// the remote peer a chance to close cleanly before the handler's force-kill
// fallback closes the connection outright.
func (nt *NetworkTransport) Terminate() error {
	return nt.Send(Request{Method: Terminate})
}

// Kill closes the underlying connection immediately.
func (nt *NetworkTransport) Kill() error {
	nt.mu.Lock()
	if nt.killed {
		nt.mu.Unlock()
		return fmt.Errorf("workerpool: network worker already killed")
	}
	nt.killed = true
	nt.mu.Unlock()
	return nt.conn.Close()
}

func (nt *NetworkTransport) Alive() bool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.alive
}
