package connection

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/rickgao/clob-sync/internal/errs"
)

// Manager owns the venue socket and its phase machine.
type Manager interface {
	// Connect starts connecting in the background. Idempotent while not CLOSED;
	// completion is reported on Status(). ctx bounds the connection loop.
	Connect(ctx context.Context) error

	// Disconnect closes the socket and moves to CLOSED. No further reconnects.
	Disconnect(ctx context.Context) error

	// Request sends a control frame and waits for its ack.
	Request(ctx context.Context, f Frame) (Response, error)

	// OnConnect registers a listener run after every successful (re)connect.
	OnConnect(l ConnectListener)

	// Phase returns the current phase.
	Phase() Phase

	// Status returns phase transitions.
	Status() <-chan StatusChange

	// Errors returns asynchronous failures (transport, auth, terminal).
	Errors() <-chan error

	// Messages returns event frames for the Event Dispatcher.
	Messages() <-chan RawMessage

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	Phase             Phase
	ReconnectAttempts int
	Connects          uint64
	LastPingSent      time.Time
	LastPong          time.Time
	FramesIn          int64
	FramesOut         int64
	PendingRequests   int
}

// manager implements the Manager interface.
type manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	// newClient is swapped in tests.
	newClient func(ClientConfig, *slog.Logger) Client

	// Output channels
	messages chan RawMessage
	status   chan StatusChange
	errors   chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	phase     Phase
	client    Client
	attempts  int
	listeners []ConnectListener

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan Response
	cmdID     int64 // Atomic counter

	session   atomic.Uint64
	framesIn  atomic.Int64
	framesOut atomic.Int64
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(cfg.ControlRate)
	if burst < 1 {
		burst = 1
	}

	return &manager{
		cfg:       cfg,
		logger:    logger.With("component", "connection"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.ControlRate), burst),
		newClient: NewClient,
		messages:  make(chan RawMessage, cfg.BufferSize),
		status:    make(chan StatusChange, 64),
		errors:    make(chan error, 16),
		pending:   make(map[int64]chan Response),
	}
}

// Connect begins the connection loop.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseClosed:
		return ErrClosed
	case PhaseDisconnected:
	default:
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.setPhaseLocked(PhaseConnecting, nil)

	m.wg.Add(1)
	go m.run()

	return nil
}

// Disconnect gracefully shuts down.
func (m *manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseClosed {
		m.mu.Unlock()
		return nil
	}
	m.setPhaseLocked(PhaseClosed, nil)
	cancel := m.cancel
	client := m.client
	m.client = nil
	m.mu.Unlock()

	m.logger.Info("disconnecting")

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	m.failPending()
	m.logger.Info("disconnected")
	return nil
}

// OnConnect registers a connect listener.
func (m *manager) OnConnect(l ConnectListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Phase returns the current phase.
func (m *manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Status returns the phase transition channel.
func (m *manager) Status() <-chan StatusChange {
	return m.status
}

// Errors returns the asynchronous error channel.
func (m *manager) Errors() <-chan error {
	return m.errors
}

// Messages returns the output channel for the Event Dispatcher.
func (m *manager) Messages() <-chan RawMessage {
	return m.messages
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{
		Phase:             m.phase,
		ReconnectAttempts: m.attempts,
		Connects:          m.session.Load(),
		FramesIn:          m.framesIn.Load(),
		FramesOut:         m.framesOut.Load(),
	}
	client := m.client
	m.mu.RUnlock()

	if client != nil {
		stats.LastPingSent, stats.LastPong = client.Liveness()
	}

	m.pendingMu.Lock()
	stats.PendingRequests = len(m.pending)
	m.pendingMu.Unlock()

	return stats
}

// Request sends a control frame and waits for the matching ack.
func (m *manager) Request(ctx context.Context, f Frame) (Response, error) {
	m.mu.RLock()
	client := m.client
	phase := m.phase
	m.mu.RUnlock()

	if phase == PhaseClosed {
		return Response{}, ErrClosed
	}
	if client == nil || !phase.Connected() {
		return Response{}, ErrNotConnected
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	id := atomic.AddInt64(&m.cmdID, 1)
	f.ID = id
	respCh := make(chan Response, 1)

	m.pendingMu.Lock()
	m.pending[id] = respCh
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	data, err := marshalFrame(f)
	if err != nil {
		return Response{}, fmt.Errorf("marshal frame: %w", err)
	}
	if err := client.Send(data); err != nil {
		return Response{}, errs.New(errs.KindTransport, "connection.request", errs.WithCause(err))
	}
	m.framesOut.Add(1)

	timer := time.NewTimer(m.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
		return Response{}, ErrTimeout
	case resp, ok := <-respCh:
		if !ok {
			return Response{}, ErrNotConnected
		}
		if resp.Type == TypeError {
			kind := errs.KindVenue
			if resp.Code == ErrorCodeAuth {
				kind = errs.KindAuth
			}
			return resp, errs.New(kind, "connection."+f.Op,
				errs.WithMessage(fmt.Sprintf("%s: %s", resp.Code, resp.Message)),
				errs.WithCause(ErrSubscriptionRejected),
			)
		}
		return resp, nil
	}
}

// run is the connection loop: dial, serve until failure, back off, repeat.
func (m *manager) run() {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseDelay
	b.MaxInterval = m.cfg.ReconnectMaxDelay

	for {
		if m.ctx.Err() != nil {
			return
		}

		client := m.newClient(ClientConfig{
			URL:          m.cfg.URL,
			PingInterval: m.cfg.PingInterval,
			PongTimeout:  m.cfg.PongTimeout,
			WriteTimeout: m.cfg.WriteTimeout,
			BufferSize:   m.cfg.BufferSize,
			PingFrame:    []byte(`{"op":"ping"}`),
			IsPong:       isPong,
		}, m.logger)

		if err := client.Connect(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if m.dialFailed(err) {
				return
			}
			if !m.sleep(b.NextBackOff()) {
				return
			}
			continue
		}

		b.Reset()
		if !m.serve(client) {
			return
		}

		if !m.sleep(b.NextBackOff()) {
			return
		}
		m.setPhase(PhaseConnecting, nil)
	}
}

// dialFailed records a failed dial. Returns true when attempts are exhausted.
func (m *manager) dialFailed(err error) bool {
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	m.logger.Warn("connect failed",
		"attempt", attempts,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"error", err,
	)
	m.reportError(errs.New(errs.KindTransport, "connection.dial", errs.WithCause(err)))

	if attempts < m.cfg.MaxReconnectAttempts {
		return false
	}

	m.logger.Error("reconnect attempts exhausted", "attempts", attempts)
	terminal := errs.New(errs.KindTerminal, "connection.reconnect",
		errs.WithMessage(fmt.Sprintf("gave up after %d attempts", attempts)),
		errs.WithCause(ErrReconnectExhausted),
	)
	m.mu.Lock()
	m.setPhaseLocked(PhaseClosed, terminal)
	m.mu.Unlock()
	m.reportError(terminal)
	m.cancel()
	return true
}

// serve runs one connected session. Returns false when the manager is stopping.
func (m *manager) serve(client Client) bool {
	m.mu.Lock()
	if m.phase == PhaseClosed {
		m.mu.Unlock()
		client.Close()
		return false
	}
	m.client = client
	m.attempts = 0
	session := m.session.Add(1)
	m.setPhaseLocked(PhaseConnectedMarket, nil)
	listeners := append([]ConnectListener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("connected", "session", session, "url", m.cfg.URL)

	// Listeners issue requests whose acks arrive through this loop.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, l := range listeners {
			l(m.ctx)
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return false

		case err := <-client.Errors():
			m.logger.Warn("connection error", "session", session, "error", err)
			m.mu.Lock()
			if m.client == client {
				m.client = nil
			}
			m.setPhaseLocked(PhaseRecovering, err)
			m.mu.Unlock()

			client.Close()
			m.failPending()
			m.reportError(errs.New(errs.KindTransport, "connection.read", errs.WithCause(err)))
			return m.ctx.Err() == nil

		case msg := <-client.Messages():
			m.framesIn.Add(1)
			if !m.handleFrame(msg, session) {
				return false
			}
		}
	}
}

var pongTag = []byte(`"pong"`)

// isPong reports whether data is a JSON pong frame.
func isPong(data []byte) bool {
	if !bytes.Contains(data, pongTag) {
		return false
	}
	var h header
	return json.Unmarshal(data, &h) == nil && h.Type == TypePong
}

// handleFrame consumes control frames and forwards everything else.
func (m *manager) handleFrame(msg TimestampedMessage, session uint64) bool {
	var h header
	if err := json.Unmarshal(msg.Data, &h); err != nil {
		m.logger.Debug("unparseable frame", "error", err)
		h = header{}
	}

	switch h.Type {
	case TypeHello, TypePong:
		return true

	case TypeSubscribed, TypeUnsubscribed, TypeError:
		resp := Response{ID: h.ID, Type: h.Type, Channel: h.Channel, Code: h.Code, Message: h.Message}
		if h.Type == TypeSubscribed && h.Channel == ChannelUser {
			m.setPhase(PhaseConnectedUser, nil)
		}
		if m.routeResponse(resp) {
			return true
		}
		if h.Type == TypeError {
			m.reportError(errs.New(errs.KindVenue, "connection.frame",
				errs.WithMessage(fmt.Sprintf("%s: %s", h.Code, h.Message))))
		}
		return true
	}

	select {
	case m.messages <- RawMessage{Data: msg.Data, ReceivedAt: msg.ReceivedAt, Session: session}:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// routeResponse sends a response to the waiting goroutine.
func (m *manager) routeResponse(resp Response) bool {
	if resp.ID == 0 {
		return false
	}
	m.pendingMu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
	return ok
}

// failPending releases every waiter; they observe ErrNotConnected.
func (m *manager) failPending() {
	m.pendingMu.Lock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
}

func (m *manager) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = m.cfg.ReconnectMaxDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *manager) setPhase(p Phase, cause error) {
	m.mu.Lock()
	m.setPhaseLocked(p, cause)
	m.mu.Unlock()
}

// setPhaseLocked records a transition. CLOSED is terminal. Caller holds m.mu.
func (m *manager) setPhaseLocked(p Phase, cause error) {
	from := m.phase
	if from == p || from == PhaseClosed {
		return
	}
	m.phase = p

	m.logger.Debug("phase change", "from", from, "to", p)

	select {
	case m.status <- StatusChange{From: from, To: p, At: time.Now(), Err: cause}:
	default:
		m.logger.Warn("status buffer full, dropping transition", "to", p)
	}
}

func (m *manager) reportError(err error) {
	select {
	case m.errors <- err:
	default:
		m.logger.Debug("error buffer full, dropping", "error", err)
	}
}
