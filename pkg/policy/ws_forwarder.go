package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsEnvelope is the wire frame exchanged with the queued approval UI.
type wsEnvelope struct {
	ID       string           `json:"id"`
	Request  *ApprovalRequest `json:"request,omitempty"`
	Approved bool             `json:"approved"`
	Reason   string           `json:"reason,omitempty"`
}

// WSForwarder relays approval requests over a websocket to a queued host UI
// and matches responses back to the waiting call by request id. One reader
// goroutine owns the connection's read side; writes are serialized.
type WSForwarder struct {
	conn    *websocket.Conn
	pending map[string]chan wsEnvelope
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewWSForwarder wraps an established connection and starts the read pump.
// The caller owns dialing and reconnect policy.
func NewWSForwarder(conn *websocket.Conn) *WSForwarder {
	f := &WSForwarder{
		conn:    conn,
		pending: make(map[string]chan wsEnvelope),
	}
	go f.readPump()
	return f
}

// RequestApproval implements Handler.
func (f *WSForwarder) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	id := uuid.NewString()
	ch := make(chan wsEnvelope, 1)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ApprovalResponse{}, fmt.Errorf("approval connection is closed")
	}
	f.pending[id] = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, id)
		f.mu.Unlock()
	}()

	f.writeMu.Lock()
	err := f.conn.WriteJSON(wsEnvelope{ID: id, Request: &req})
	f.writeMu.Unlock()
	if err != nil {
		return ApprovalResponse{}, fmt.Errorf("forward approval request: %w", err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return ApprovalResponse{}, fmt.Errorf("approval connection closed while waiting")
		}
		return ApprovalResponse{Approved: env.Approved, Reason: env.Reason}, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// Close tears down the connection and fails all pending requests.
func (f *WSForwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	return f.conn.Close()
}

func (f *WSForwarder) readPump() {
	for {
		var env wsEnvelope
		if err := f.conn.ReadJSON(&env); err != nil {
			f.mu.Lock()
			f.closed = true
			for id, ch := range f.pending {
				close(ch)
				delete(f.pending, id)
			}
			f.mu.Unlock()

			log.Debug().Err(err).Msg("Approval websocket closed")
			return
		}

		f.mu.Lock()
		ch, ok := f.pending[env.ID]
		f.mu.Unlock()

		if !ok {
			log.Warn().Str("id", env.ID).Msg("Approval response for unknown request")
			continue
		}
		ch <- env
	}
}
