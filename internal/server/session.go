package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/duet-chat/duet-relay/internal/logging"
	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const inboxSize = 16

var (
	errSessionClosed = errors.New("session closed")
	errBackpressure  = errors.New("session send buffer full")
)

type outbound struct {
	data       []byte
	closeAfter bool
}

// clientSession is one WebSocket connection. It is the registry.Handle for its identity:
// Send never blocks, and the write loop is the only writer on the socket.
type clientSession struct {
	log  *zap.Logger
	conn *websocket.Conn

	identity string
	connID   string

	sendCh  chan outbound
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	limiter *rate.Limiter

	pongWait   time.Duration
	writeWait  time.Duration
	pingPeriod time.Duration

	closeOnce sync.Once
}

type sessionOptions struct {
	SendBuffer      int
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	EventsPerSecond float64
	EventBurst      int
}

func newClientSession(parent context.Context, log *zap.Logger, conn *websocket.Conn, opts sessionOptions) *clientSession {
	ctx, cancel := context.WithCancel(parent)
	limit := rate.Inf
	if opts.EventsPerSecond > 0 {
		limit = rate.Limit(opts.EventsPerSecond)
	}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	return &clientSession{
		log:        log,
		conn:       conn,
		sendCh:     make(chan outbound, opts.SendBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(limit, opts.EventBurst),
		pongWait:   opts.PongWait,
		writeWait:  opts.WriteWait,
		pingPeriod: opts.PongWait * 9 / 10,
	}
}

// Send queues a frame. A full buffer closes the session.
func (s *clientSession) Send(frame protocol.Frame) error {
	return s.enqueue(frame, false)
}

// sendFinal queues a frame after which the socket is closed.
func (s *clientSession) sendFinal(frame protocol.Frame) error {
	return s.enqueue(frame, true)
}

func (s *clientSession) enqueue(frame protocol.Frame, closeAfter bool) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	select {
	case s.sendCh <- outbound{data: data, closeAfter: closeAfter}:
		return nil
	default:
		s.log.Warn("send buffer full; closing session", logging.Identity(s.identity), zap.String("event", frame.Event))
		s.Close()
		return errBackpressure
	}
}

// Close stops the session. The write loop sends a close frame and drops the socket.
func (s *clientSession) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *clientSession) writeLoop() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			if s.flushFinal() {
				s.writeClose(websocket.ClosePolicyViolation, "")
				return
			}
			s.writeClose(websocket.CloseNormalClosure, "")
			return
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.log.Debug("socket write failed", logging.Identity(s.identity), zap.Error(err))
				s.Close()
				return
			}
			if msg.closeAfter {
				s.writeClose(websocket.ClosePolicyViolation, "")
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// flushFinal writes a queued closing frame, if any, once the session is cancelled.
// Ordinary frames still buffered are dropped.
func (s *clientSession) flushFinal() bool {
	for {
		select {
		case msg := <-s.sendCh:
			if !msg.closeAfter {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			return s.conn.WriteMessage(websocket.TextMessage, msg.data) == nil
		default:
			return false
		}
	}
}

func (s *clientSession) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
}

// serve reads frames and hands them to handle one at a time, in arrival order, on a
// separate goroutine. A transport failure cancels the session while handle may still be
// blocked, and serve returns once both sides are done.
func (s *clientSession) serve(handle func(raw []byte)) {
	inbox := make(chan []byte, inboxSize)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for raw := range inbox {
			if s.ctx.Err() != nil {
				continue
			}
			handle(raw)
		}
	}()

	s.readLoop(inbox)
	s.Close()
	close(inbox)
	<-handled
}

func (s *clientSession) readLoop(inbox chan<- []byte) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("socket read failed", logging.Identity(s.identity), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case inbox <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

// wait blocks until the write loop has exited.
func (s *clientSession) wait() {
	<-s.done
}
