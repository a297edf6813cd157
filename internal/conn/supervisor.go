// Package conn owns the persistent JSON-RPC channel to the printer host.
//
// A Supervisor runs the connection state machine: it fetches a one-shot
// token over REST, opens the websocket with it, assigns request ids,
// correlates responses, dispatches notifications, and drives reconnects
// from a RetryTimer until MaxRetries consecutive attempts have failed.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"

	"grimm.is/platen/internal/brand"
	"grimm.is/platen/internal/clock"
	"grimm.is/platen/internal/events"
	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
	"grimm.is/platen/internal/protocol"
	"grimm.is/platen/internal/scheduler"
)

const (
	DefaultPort          = 7125
	DefaultMaxRetries    = 6
	DefaultRetryInterval = 5 * time.Second

	handshakeTimeout = 5 * time.Second
	identifyTimeout  = 5 * time.Second
	closeGracePeriod = time.Second

	methodIdentify = "server.connection.identify"
)

// TokenSource issues one-shot tokens. *client.HTTPClient satisfies it.
type TokenSource interface {
	GetOneshotToken() (string, error)
}

// Listener receives every state transition, in order. Listeners run on the
// goroutine that caused the transition and must not call Connect, Retry or
// Close synchronously.
type Listener func(StateChange)

// NotificationHandler receives the params of one inbound notification method.
type NotificationHandler func(params json.RawMessage)

// Options configure a Supervisor.
type Options struct {
	Host          string
	Port          int
	MaxRetries    int           // consecutive failures before giving up; 0 means DefaultMaxRetries
	RetryInterval time.Duration // 0 means DefaultRetryInterval

	Dialer  *websocket.Dialer
	Hub     *events.Hub
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Clock   clock.Clock

	// Identify sends server.connection.identify after every successful open.
	Identify      bool
	ClientName    string
	ClientVersion string
}

type callResult struct {
	resp *protocol.Response
	err  error
}

type pendingCall struct {
	method string
	sent   time.Time
	ch     chan callResult // nil for fire-and-forget requests
}

// Supervisor is the single owner of the websocket channel.
type Supervisor struct {
	opts   Options
	tokens TokenSource
	dialer *websocket.Dialer
	logger *logging.Logger
	clock  clock.Clock
	timer  *scheduler.RetryTimer

	mu          sync.Mutex
	machine     *machine
	attempts    int
	attemptSeq  uint64 // invalidates in-flight attempts on Retry/Close
	connSeq     uint64 // identifies the live channel to its read loop
	ws          *websocket.Conn
	nextID      int64
	pending     map[int64]*pendingCall
	connectedCh chan struct{} // closed while Connected
	closed      bool

	listeners      map[int]Listener
	nextListenerID int
	handlers       map[string][]NotificationHandler

	// transitions awaiting delivery; notifyMu keeps delivery in order
	outbox   []StateChange
	notifyMu sync.Mutex

	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex

	readers sync.WaitGroup
}

// New creates a Disconnected supervisor. Nothing happens until Start or Connect.
func New(tokens TokenSource, opts Options) *Supervisor {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("conn")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ClientName == "" {
		opts.ClientName = brand.Name
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = brand.Version
	}

	s := &Supervisor{
		opts:        opts,
		tokens:      tokens,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
		clock:       opts.Clock,
		pending:     make(map[int64]*pendingCall),
		connectedCh: make(chan struct{}),
		listeners:   make(map[int]Listener),
		handlers:    make(map[string][]NotificationHandler),
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	s.machine = newMachine(func(e *fsm.Event) {
		s.opts.Metrics.ObserveTransition(e.Event)
		s.logger.Debug("state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
	})
	s.timer = scheduler.NewRetryTimer(opts.RetryInterval, s.tick,
		scheduler.WithClock(opts.Clock),
		scheduler.WithLogger(s.logger.WithComponent("retry")))
	s.opts.Metrics.SetConnectionState(StateDisconnected.String())
	return s
}

// URL returns the websocket endpoint for token.
func (s *Supervisor) URL(token string) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)),
		Path:     "/websocket",
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return u.String()
}

// Start begins driving the connection: the retry timer is started and the
// first attempt is made on the calling goroutine.
func (s *Supervisor) Start() error {
	s.timer.Start()
	return s.Connect()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.current()
}

// Attempts returns the number of consecutive failed attempts.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Subscribe registers fn for state transitions and returns a func removing it.
func (s *Supervisor) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnNotification registers fn for inbound notifications named method.
func (s *Supervisor) OnNotification(method string, fn NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = append(s.handlers[method], fn)
}

// WaitConnected blocks until the state is Connected or ctx is done.
func (s *Supervisor) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if s.machine.current() == StateConnected {
			s.mu.Unlock()
			return nil
		}
		ch := s.connectedCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect makes one attempt from Disconnected. The token fetch blocks; the
// websocket dial follows with the fresh token. Failures are counted toward
// MaxRetries and returned as *AuthError or *ConnectError.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	change, err := s.machine.fire(EventConnect)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.attemptSeq++
	seq := s.attemptSeq
	change.Attempts = s.attempts
	s.publishLocked(change)

	return s.attempt(seq)
}

// Retry is the manual override: from any state it resets the attempt
// counter, drops any live channel and attempts immediately.
func (s *Supervisor) Retry() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.attempts = 0
	s.opts.Metrics.ObserveConnect("retry", 0)
	s.teardownLocked(ErrConnectionLost)

	change, err := s.machine.fire(EventRetry)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.attemptSeq++
	seq := s.attemptSeq
	s.publishLocked(change)

	s.logger.Info("manual retry")
	s.timer.Start()
	return s.attempt(seq)
}

// attempt runs one token fetch and dial. Called with s.mu held after the
// transition into Connecting has been published; it releases s.mu.
func (s *Supervisor) attempt(seq uint64) error {
	s.mu.Unlock()
	s.flush()

	token, err := s.tokens.GetOneshotToken()
	if err != nil {
		return s.fail(seq, EventTokenFailed, &AuthError{Err: err})
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	endpoint := s.URL(token)
	ws, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		cerr := &ConnectError{URL: s.URL("***"), Err: err}
		if resp != nil {
			cerr.Status = resp.StatusCode
		}
		return s.fail(seq, EventOpenFailed, cerr)
	}

	s.mu.Lock()
	if seq != s.attemptSeq || s.closed {
		s.mu.Unlock()
		ws.Close()
		return ErrSuperseded
	}
	change, err := s.machine.fire(EventOpened)
	if err != nil {
		s.mu.Unlock()
		ws.Close()
		return err
	}
	s.attempts = 0
	s.connSeq++
	s.ws = ws
	close(s.connectedCh)
	change.Attempts = 0
	s.publishLocked(change)

	s.readers.Add(1)
	go s.readLoop(ws, s.connSeq)
	identify := s.opts.Identify
	s.mu.Unlock()
	s.flush()

	s.opts.Metrics.ObserveConnect("ok", 0)
	s.logger.Info("connected", "host", s.opts.Host, "port", s.opts.Port)

	if identify {
		go s.identify()
	}
	return nil
}

// fail records a failed attempt and gives up once MaxRetries is reached.
func (s *Supervisor) fail(seq uint64, event string, cause error) error {
	s.mu.Lock()
	if seq != s.attemptSeq || s.closed {
		s.mu.Unlock()
		return cause
	}
	change, err := s.machine.fire(event)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.attempts++
	attempts := s.attempts
	change.Attempts = attempts
	change.Err = cause
	s.publishLocked(change)

	giveUp := attempts >= s.opts.MaxRetries
	if giveUp {
		if change, err := s.machine.fire(EventGiveUp); err == nil {
			change.Attempts = attempts
			change.Err = cause
			s.publishLocked(change)
		}
		// Under s.mu: a Retry that follows must find the timer stopped.
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.flush()

	s.opts.Metrics.ObserveConnect("failed", attempts)
	s.logger.Warn("connect attempt failed", "attempt", attempts, "max", s.opts.MaxRetries, "error", cause)

	if giveUp {
		s.logger.Error("giving up on connection", "attempts", attempts)
	}
	return cause
}

// tick is the RetryTimer callback.
func (s *Supervisor) tick() {
	switch s.State() {
	case StateDisconnected:
		if err := s.Connect(); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.logger.Debug("scheduled reconnect failed", "error", err)
		}
	case StateError:
		s.timer.Stop()
	}
}

// SendRequest writes one request frame if the channel is Connected and
// reports whether it was written. It never queues.
func (s *Supervisor) SendRequest(method string, params map[string]any) bool {
	_, err := s.send(method, params, nil)
	return err == nil
}

// Call sends a request and waits for its response. A JSON-RPC error
// response is returned together with its *protocol.RPCError.
func (s *Supervisor) Call(ctx context.Context, method string, params map[string]any) (*protocol.Response, error) {
	ch := make(chan callResult, 1)
	id, err := s.send(method, params, ch)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, res.resp.Err()
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.opts.Metrics.SetPending(len(s.pending))
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// send assigns the next id, encodes and writes the frame while holding
// writeMu, so ids reach the wire in increasing order with no gaps.
func (s *Supervisor) send(method string, params map[string]any, ch chan callResult) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.machine.current() != StateConnected || s.ws == nil {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	id := s.nextID + 1
	frame, err := protocol.NewRequest(id, method, params).Marshal()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.nextID = id
	s.pending[id] = &pendingCall{method: method, sent: s.clock.Now(), ch: ch}
	s.opts.Metrics.SetPending(len(s.pending))
	ws := s.ws
	s.mu.Unlock()

	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.opts.Metrics.SetPending(len(s.pending))
		s.mu.Unlock()
		s.logger.Warn("write failed", "method", method, "id", id, "error", err)
		// The read loop sees the broken socket and moves us to Disconnected.
		ws.Close()
		return 0, ErrConnectionLost
	}

	s.logger.Wire("send", frame)
	s.opts.Metrics.ObserveRequest(method)
	return id, nil
}

func (s *Supervisor) readLoop(ws *websocket.Conn, seq uint64) {
	defer s.readers.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("channel closed unexpectedly", "error", err)
			}
			s.onClose(seq, err)
			return
		}
		s.logger.Wire("recv", data)
		s.onMessage(data)
	}
}

// onClose moves a live channel to Disconnected. A stale read loop (its
// channel already torn down by Retry or Close) does nothing.
func (s *Supervisor) onClose(seq uint64, cause error) {
	s.mu.Lock()
	if seq != s.connSeq || s.ws == nil {
		s.mu.Unlock()
		return
	}
	s.teardownLocked(ErrConnectionLost)
	change, err := s.machine.fire(EventClosed)
	if err == nil {
		change.Err = cause
		s.publishLocked(change)
	}
	closed := s.closed
	s.mu.Unlock()
	s.flush()

	s.logger.Info("disconnected", "error", cause)
	if !closed {
		s.timer.Start()
	}
}

func (s *Supervisor) onMessage(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			s.protocolError(perr)
		}
		return
	}

	switch frame.Kind {
	case protocol.KindResponse:
		s.onResponse(frame.Response)
	case protocol.KindNotification:
		s.onNotification(frame.Method, frame.Params)
	}
}

func (s *Supervisor) onResponse(resp *protocol.Response) {
	s.mu.Lock()
	call, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.opts.Metrics.SetPending(len(s.pending))
	s.mu.Unlock()

	if !ok {
		s.protocolError(protocol.UnmatchedID(resp.ID))
		return
	}

	result := "ok"
	if resp.Error != nil {
		result = "error"
	}
	s.opts.Metrics.ObserveResponse(result, s.clock.Since(call.sent).Seconds())

	if call.ch != nil {
		call.ch <- callResult{resp: resp}
	} else if resp.Error != nil {
		s.logger.Warn("request failed", "method", call.method, "id", resp.ID, "error", resp.Error)
	}
}

func (s *Supervisor) onNotification(method string, params json.RawMessage) {
	s.mu.Lock()
	handlers := append([]NotificationHandler(nil), s.handlers[method]...)
	s.mu.Unlock()

	s.opts.Metrics.ObserveNotification(method)
	for _, h := range handlers {
		h(params)
	}
	s.opts.Hub.EmitNotification(events.NotificationData{Method: method, Params: params})
}

func (s *Supervisor) protocolError(perr *protocol.ProtocolError) {
	s.logger.Warn("protocol error", "reason", perr.Reason, "error", perr)
	s.opts.Metrics.ObserveProtocolError(perr.Reason)
	s.opts.Hub.EmitProtocolError(events.ProtocolErrorData{
		Reason: perr.Reason,
		ID:     perr.ID,
		Detail: perr.Error(),
	})
}

func (s *Supervisor) identify() {
	ctx, cancel := context.WithTimeout(context.Background(), identifyTimeout)
	defer cancel()

	resp, err := s.Call(ctx, methodIdentify, map[string]any{
		"client_name": s.opts.ClientName,
		"version":     s.opts.ClientVersion,
		"type":        brand.ClientType,
		"url":         brand.Website,
	})
	if err != nil {
		s.logger.Warn("identify failed", "error", err)
		return
	}
	var result struct {
		ConnectionID int64 `json:"connection_id"`
	}
	if err := resp.Decode(&result); err == nil {
		s.logger.Info("identified", "connection_id", result.ConnectionID)
	}
}

// teardownLocked closes the live channel and fails every waiting call.
// Callers hold s.mu.
func (s *Supervisor) teardownLocked(cause error) {
	if s.ws != nil {
		ws := s.ws
		s.ws = nil
		s.connSeq++
		go func() {
			s.writeMu.Lock()
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGracePeriod))
			s.writeMu.Unlock()
			ws.Close()
		}()
	}
	if s.machine.current() == StateConnected {
		s.connectedCh = make(chan struct{})
	}
	for id, call := range s.pending {
		if call.ch != nil {
			call.ch <- callResult{err: cause}
		}
		delete(s.pending, id)
	}
	s.opts.Metrics.SetPending(0)
}

// Close stops reconnecting, drops the channel and fails waiting calls.
// The supervisor stays Disconnected afterwards.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.attemptSeq++
	s.teardownLocked(ErrClosed)
	if s.machine.current() != StateDisconnected {
		s.publishLocked(s.machine.force(StateDisconnected, eventShutdown))
	}
	// Wake WaitConnected callers so they observe closed.
	select {
	case <-s.connectedCh:
	default:
		close(s.connectedCh)
	}
	s.mu.Unlock()
	s.flush()

	s.timer.Stop()
	s.readers.Wait()
	s.logger.Info("supervisor closed")
	return nil
}

// publishLocked queues change for delivery. Callers hold s.mu and call
// flush after releasing it.
func (s *Supervisor) publishLocked(change StateChange) {
	s.outbox = append(s.outbox, change)
	s.opts.Metrics.SetConnectionState(change.To.String())
}

// flush delivers queued transitions to listeners and the hub in order.
func (s *Supervisor) flush() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	for {
		s.mu.Lock()
		changes := s.outbox
		s.outbox = nil
		listeners := make([]Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
		s.mu.Unlock()

		if len(changes) == 0 {
			return
		}
		for _, c := range changes {
			data := events.StateChangeData{
				From:     c.From.String(),
				To:       c.To.String(),
				Event:    c.Event,
				Attempts: c.Attempts,
			}
			if c.Err != nil {
				data.Error = c.Err.Error()
			}
			s.opts.Hub.EmitStateChange(data)
			for _, l := range listeners {
				l(c)
			}
		}
	}
}
