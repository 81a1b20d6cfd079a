package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duet-chat/duet-relay/internal/channel"
	"github.com/duet-chat/duet-relay/internal/directory"
	"github.com/duet-chat/duet-relay/internal/logging"
	"github.com/duet-chat/duet-relay/internal/match"
	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/duet-chat/duet-relay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// RouterOptions configures client sessions and observability.
type RouterOptions struct {
	Metrics          *relayMetrics
	IdentityParam    string
	AllowedOrigins   []string
	DirectoryTimeout time.Duration
	Session          sessionOptions
}

// Router upgrades client sockets and dispatches their events to the matchmaker, the
// channel manager and the relay dispatcher.
type Router struct {
	log      *zap.Logger
	reg      *registry.Registry
	dir      directory.Directory
	channels *channel.Manager
	matcher  *match.Matchmaker
	relay    *relay.Dispatcher
	metrics  *relayMetrics
	upgrader websocket.Upgrader

	identityParam    string
	directoryTimeout time.Duration
	sessionOpts      sessionOptions
}

// NewRouter wires the relay components behind a WebSocket endpoint.
func NewRouter(log *zap.Logger, reg *registry.Registry, dir directory.Directory, channels *channel.Manager,
	matcher *match.Matchmaker, dispatcher *relay.Dispatcher, opts RouterOptions) *Router {
	if opts.IdentityParam == "" {
		opts.IdentityParam = "userId"
	}
	if opts.DirectoryTimeout <= 0 {
		opts.DirectoryTimeout = 2 * time.Second
	}
	if opts.Session.SendBuffer <= 0 {
		opts.Session.SendBuffer = 32
	}
	if opts.Session.PongWait <= 0 {
		opts.Session.PongWait = 45 * time.Second
	}
	if opts.Session.WriteWait <= 0 {
		opts.Session.WriteWait = 10 * time.Second
	}
	if opts.Session.EventBurst <= 0 {
		opts.Session.EventBurst = 1
	}
	rt := &Router{
		log:              log,
		reg:              reg,
		dir:              dir,
		channels:         channels,
		matcher:          matcher,
		relay:            dispatcher,
		metrics:          opts.Metrics,
		identityParam:    opts.IdentityParam,
		directoryTimeout: opts.DirectoryTimeout,
		sessionOpts:      opts.Session,
	}
	rt.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return rt
}

// originChecker allows any origin when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return lo.ContainsBy(allowed, func(a string) bool {
			return strings.EqualFold(strings.TrimRight(a, "/"), u.Scheme+"://"+u.Host)
		})
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newClientSession(r.Context(), rt.log, conn, rt.sessionOpts)
	go session.writeLoop()

	start := time.Now()
	if err := rt.handleConnect(session, r.URL.Query().Get(rt.identityParam)); err != nil {
		rt.observe("connect", start, err)
		var rerr *routeError
		if !errors.As(err, &rerr) {
			rerr = &routeError{code: protocol.CodeInternal, msg: "connect failed", fatal: true}
		}
		_ = session.sendFinal(protocol.ErrorFrame(rerr.code, rerr.msg))
		session.wait()
		return
	}
	rt.observe("connect", start, nil)
	defer rt.cleanupSession(session)

	session.serve(func(raw []byte) {
		rt.handleRaw(session, raw)
	})
	session.wait()
}

func (rt *Router) handleConnect(session *clientSession, rawIdentity string) error {
	identity := strings.TrimSpace(rawIdentity)
	if identity == "" || len(identity) > protocol.MaxIdentityBytes {
		return &routeError{code: protocol.CodeInvalidIdentity, msg: "identity required", fatal: true}
	}

	ctx, cancel := context.WithTimeout(session.ctx, rt.directoryTimeout)
	defer cancel()

	exists, err := rt.dir.Exists(ctx, identity)
	if err != nil {
		rt.log.Error("directory lookup failed", logging.Identity(identity), zap.Error(err))
		return &routeError{code: protocol.CodeDirectoryUnavailable, msg: "user directory unavailable", fatal: true}
	}
	if !exists {
		return &routeError{code: protocol.CodeUnknownUser, msg: "user not found", fatal: true}
	}

	session.identity = identity
	conn, err := rt.reg.Register(identity, session)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateIdentity) {
			return &routeError{code: protocol.CodeDuplicateIdentity, msg: "identity already connected", fatal: true}
		}
		return err
	}
	session.connID = conn.ID

	if err := rt.dir.SetOnline(ctx, identity, true); err != nil {
		rt.reg.Unregister(identity, conn.ID)
		rt.log.Error("directory set online failed", logging.Identity(identity), zap.Error(err))
		return &routeError{code: protocol.CodeDirectoryUnavailable, msg: "user directory unavailable", fatal: true}
	}

	rt.metrics.incConn()
	rt.log.Info("client connected", logging.Identity(identity), zap.String("conn_id", conn.ID))
	return nil
}

func (rt *Router) handleRaw(session *clientSession, raw []byte) {
	start := time.Now()
	if !session.limiter.Allow() {
		rt.reject(session, "rate_limit", start, &routeError{code: protocol.CodeRateLimited, msg: "too many events"})
		return
	}

	frame, err := protocol.Decode(raw)
	if err != nil {
		rt.reject(session, "decode", start, &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()})
		return
	}

	op := metricOp(frame.Event)
	if err := rt.routeFrame(session, frame); err != nil {
		rt.reject(session, op, start, err)
		return
	}
	rt.observe(op, start, nil)
}

// reject reports err to the client. Fatal errors close the session once the frame is out.
func (rt *Router) reject(session *clientSession, op string, start time.Time, err error) {
	rt.observe(op, start, err)
	var rerr *routeError
	if !errors.As(err, &rerr) {
		rt.log.Warn("route failed", logging.Identity(session.identity), zap.String("op", op), zap.Error(err))
		rerr = &routeError{code: protocol.CodeInternal, msg: "internal error"}
	}
	frame := protocol.ErrorFrame(rerr.code, rerr.msg)
	if rerr.fatal {
		_ = session.sendFinal(frame)
		session.Close()
		return
	}
	_ = session.Send(frame)
}

func (rt *Router) routeFrame(session *clientSession, frame protocol.InboundFrame) error {
	switch frame.Event {
	case protocol.EventRequestRandomUser:
		return rt.handleRequestRandomUser(session)
	case protocol.EventJoinRoom:
		return rt.handleJoinRoom(session, frame)
	case protocol.EventLeaveRoom:
		if !rt.channels.Leave(session.identity, channel.ReasonLeft) {
			return &routeError{code: protocol.CodeNotInChannel, msg: "not in a channel"}
		}
		return nil
	case protocol.EventMessage:
		var in protocol.MessageIn
		if err := protocol.DecodePayload(frame, &in); err != nil {
			return &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()}
		}
		return rt.relayEvent(relay.Event{Kind: relay.KindChatMessage, Sender: session.identity, To: in.To, Content: in.Content})
	case protocol.EventCallUser:
		var in protocol.CallUser
		if err := protocol.DecodePayload(frame, &in); err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
			return &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()}
		}
		return rt.relayEvent(relay.Event{Kind: relay.KindCallOffer, Sender: session.identity, To: in.To, Signal: in.Signal})
	case protocol.EventAnswerCall:
		var in protocol.AnswerCall
		if err := protocol.DecodePayload(frame, &in); err != nil {
			return &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()}
		}
		return rt.relayEvent(relay.Event{Kind: relay.KindCallAnswer, Sender: session.identity, To: in.To, Signal: in.Signal})
	case protocol.EventICECandidate:
		var in protocol.ICECandidateIn
		if err := protocol.DecodePayload(frame, &in); err != nil {
			return &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()}
		}
		return rt.relayEvent(relay.Event{Kind: relay.KindICECandidate, Sender: session.identity, To: in.To, Signal: in.Candidate})
	case protocol.EventHeartbeat:
		var data any
		if len(frame.Data) > 0 {
			data = json.RawMessage(frame.Data)
		}
		return session.Send(protocol.Frame{Event: protocol.EventHeartbeat, Data: data})
	default:
		return &routeError{code: protocol.CodeInvalidFrame, msg: "unsupported event " + frame.Event}
	}
}

func (rt *Router) handleRequestRandomUser(session *clientSession) error {
	_, err := rt.matcher.RequestMatch(session.ctx, session.identity)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, match.ErrNoPeerAvailable):
		return session.Send(protocol.Frame{Event: protocol.EventNoUsers})
	case errors.Is(err, match.ErrRequesterGone), errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, match.ErrDirectoryUnavailable):
		rt.log.Error("match directory query failed", logging.Identity(session.identity), zap.Error(err))
		return &routeError{code: protocol.CodeDirectoryUnavailable, msg: "user directory unavailable", fatal: true}
	default:
		return toRouteError(err)
	}
}

func (rt *Router) handleJoinRoom(session *clientSession, frame protocol.InboundFrame) error {
	peer, err := protocol.DecodeIdentity(frame)
	if err != nil && !errors.Is(err, protocol.ErrEmptyPayload) {
		return &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()}
	}
	if _, err := rt.channels.JoinPeer(session.identity, peer); err != nil {
		return toRouteError(err)
	}
	return nil
}

func (rt *Router) relayEvent(ev relay.Event) error {
	if err := rt.relay.Relay(ev); err != nil {
		return toRouteError(err)
	}
	return nil
}

// cleanupSession marks the identity offline, unregisters the connection and tears down
// its channel, in that order. The identity stays registered until the directory write
// returns, so a reconnect cannot be overwritten by this session's offline mark.
func (rt *Router) cleanupSession(session *clientSession) {
	session.Close()

	if conn, ok := rt.reg.Lookup(session.identity); !ok || conn.ID != session.connID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rt.directoryTimeout)
	if err := rt.dir.SetOnline(ctx, session.identity, false); err != nil {
		rt.log.Warn("directory set offline failed", logging.Identity(session.identity), zap.Error(err))
	}
	cancel()

	snap, ok := rt.reg.Unregister(session.identity, session.connID)
	if !ok {
		return
	}
	if snap.ChannelID != "" {
		rt.channels.Teardown(snap.ChannelID, session.identity, channel.ReasonDisconnected)
	}

	rt.metrics.decConn()
	rt.log.Info("client disconnected", logging.Identity(session.identity), zap.String("conn_id", session.connID))
}

var routedOps = []string{
	protocol.EventRequestRandomUser,
	protocol.EventJoinRoom,
	protocol.EventLeaveRoom,
	protocol.EventMessage,
	protocol.EventCallUser,
	protocol.EventAnswerCall,
	protocol.EventICECandidate,
	protocol.EventHeartbeat,
}

// metricOp keeps the latency label set bounded.
func metricOp(event string) string {
	if lo.Contains(routedOps, event) {
		return event
	}
	return "unknown"
}

func (rt *Router) observe(op string, start time.Time, err error) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.observeLatency(op, time.Since(start))
	if err == nil {
		return
	}
	code := protocol.CodeInternal
	var rerr *routeError
	if errors.As(err, &rerr) {
		code = rerr.code
	}
	rt.metrics.recordError(code)
}

// routeError maps application-level failures to error frames.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}

func toRouteError(err error) error {
	var rerr *routeError
	if errors.As(err, &rerr) {
		return rerr
	}
	switch {
	case errors.Is(err, channel.ErrNotInChannel):
		return &routeError{code: protocol.CodeNotInChannel, msg: "not in a channel"}
	case errors.Is(err, channel.ErrChannelFull):
		return &routeError{code: protocol.CodeChannelFull, msg: "channel is full"}
	case errors.Is(err, channel.ErrChannelNotFound), errors.Is(err, channel.ErrNotInvited):
		return &routeError{code: protocol.CodeChannelNotFound, msg: "channel not found"}
	case errors.Is(err, registry.ErrAlreadyInChannel):
		return &routeError{code: protocol.CodeAlreadyInChannel, msg: "already in a channel"}
	case errors.Is(err, registry.ErrMatchInProgress):
		return &routeError{code: protocol.CodeMatchInProgress, msg: "match already in progress"}
	case errors.Is(err, relay.ErrInvalidSignal):
		return &routeError{code: protocol.CodeInvalidSignal, msg: err.Error()}
	case errors.Is(err, relay.ErrInvalidContent), errors.Is(err, relay.ErrUnknownKind):
		return &routeError{code: protocol.CodeInvalidFrame, msg: err.Error()}
	case errors.Is(err, errBackpressure):
		return &routeError{code: protocol.CodeBackpressure, msg: "send buffer full", fatal: true}
	}
	return err
}
