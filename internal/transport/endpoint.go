// Package transport implements ConnectionEndpoint (spec §4.2): a
// full-duplex websocket stream carrying framed text control messages and
// framed binary relay chunks, with a single serialized writer and
// explicit backpressure for binary sends.
//
// The read/write pump split and close-once discipline are grounded on
// the signaling.Client pattern in Adityaadpandey-sfu-go
// (internals/signaling/websocket.go); the single-writer mutex discipline
// and ping/pong deadlines are grounded on the teacher SendIt server's
// Peer.SendJSON and its websocket ping loop.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pandemic-venue/venuehost/internal/metrics"
	"github.com/pandemic-venue/venuehost/internal/protocol"
)

// FrameKind distinguishes inbound frames by websocket message type.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Inbound is one decoded frame delivered to the single consumer
// (the Dispatcher loop) for this endpoint.
type Inbound struct {
	Kind    FrameKind
	Payload []byte
}

const (
	textSendBuffer   = 256
	binarySendBuffer = 8 // small: binary sends surface backpressure quickly
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	writeWait        = 10 * time.Second
)

// Endpoint is one connected peer's duplex message stream.
type Endpoint struct {
	conn   *websocket.Conn
	logger *zap.Logger

	textCh chan []byte
	binCh  chan []byte

	limiter *rate.Limiter

	closed    atomic.Bool
	closeOnce sync.Once
	closedCh  chan struct{}
	onClose   func()

	maxInboundFrame int
}

// New wraps an already-upgraded websocket connection. maxInboundFrame
// bounds the largest frame the read pump accepts (derived from
// maxFileBytes + headroom, per spec §4.2). msgPerSecond/burst configure
// the inbound control-message rate limiter (supplements spec: the
// teacher's unused MaxMsgPerSecond knob, enforced here).
func New(conn *websocket.Conn, maxInboundFrame int, msgPerSecond float64, burst int, logger *zap.Logger) *Endpoint {
	e := &Endpoint{
		conn:            conn,
		logger:          logger,
		textCh:          make(chan []byte, textSendBuffer),
		binCh:           make(chan []byte, binarySendBuffer),
		limiter:         rate.NewLimiter(rate.Limit(msgPerSecond), burst),
		maxInboundFrame: maxInboundFrame,
		closedCh:        make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxInboundFrame))
	return e
}

// OnClose registers a callback fired exactly once when the endpoint
// detects closure (local or remote).
func (e *Endpoint) OnClose(fn func()) {
	e.onClose = fn
}

// SendText enqueues a control message for delivery. Returns false (and
// drops the message) if the endpoint is closed or its outbound text
// queue is saturated — the Dispatcher never blocks on a send (spec §5).
func (e *Endpoint) SendText(payload []byte) bool {
	if e.closed.Load() {
		return false
	}
	select {
	case e.textCh <- payload:
		return true
	default:
		if e.logger != nil {
			e.logger.Warn("endpoint text queue saturated, dropping message")
		}
		return false
	}
}

// SendBinary enqueues one relay chunk frame, blocking while the small
// binary queue is full. This block IS the backpressure signal spec §5
// requires: a saturated outbound queue pauses the calling goroutine (the
// source peer's read pump, or the host-file streaming loop) without
// blocking any other endpoint's processing. Returns false if the
// endpoint closes before the frame could be enqueued.
func (e *Endpoint) SendBinary(frame []byte) bool {
	select {
	case e.binCh <- frame:
		return true
	case <-e.closedCh:
		return false
	}
}

// Closed reports whether this endpoint has finished closing.
func (e *Endpoint) Closed() bool {
	return e.closed.Load()
}

// Close tears down the connection. Safe to call multiple times and from
// any goroutine.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.closedCh)
		e.conn.Close()
		if e.onClose != nil {
			e.onClose()
		}
	})
}

// RunWritePump serializes all outbound writes onto one goroutine so text
// and binary sends never interleave. Blocks until the endpoint closes.
func (e *Endpoint) RunWritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		e.Close()
	}()

	for {
		select {
		case <-e.closedCh:
			return
		case payload, ok := <-e.textCh:
			if !ok {
				return
			}
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case frame, ok := <-e.binCh:
			if !ok {
				return
			}
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RunReadPump reads frames until the connection closes, delivering each
// to handle. Control (text) frames are subject to the inbound rate
// limiter, which rejects (never silently drops) an over-budget frame
// with an ERROR{RATE_LIMITED} reply and keeps the connection open;
// binary data frames are not rate-limited, since they carry the actual
// file bytes the requester is waiting on. Blocks until the endpoint
// closes.
func (e *Endpoint) RunReadPump(handle func(Inbound)) {
	defer e.Close()

	e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		e.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			if !e.limiter.Allow() {
				metrics.RateLimitedTotal.Inc()
				if e.logger != nil {
					e.logger.Debug("rejecting inbound control frame over rate limit")
				}
				e.SendText(protocol.Encode(protocol.ErrorMsg{
					Type:    protocol.TypeError,
					Ts:      time.Now().UnixMilli(),
					Code:    protocol.ErrRateLimited,
					Message: "rate limit exceeded",
				}))
				continue
			}
			handle(Inbound{Kind: FrameText, Payload: payload})
		case websocket.BinaryMessage:
			handle(Inbound{Kind: FrameBinary, Payload: payload})
		default:
			// Ignore ping/pong/close control opcodes; gorilla handles those.
		}
	}
}
