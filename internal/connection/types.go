package connection

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rickgao/clob-sync/internal/auth"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrStaleConnection      = errors.New("connection stale (no pong)")
	ErrTimeout              = errors.New("operation timeout")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrClosed               = errors.New("connection manager closed")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
	ErrSubscriptionRejected = errors.New("subscription rejected")
)

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

// Phase is the Connection Manager state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnectedMarket
	PhaseConnectedUser
	PhaseRecovering
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnectedMarket:
		return "CONNECTED_MARKET"
	case PhaseConnectedUser:
		return "CONNECTED_USER"
	case PhaseRecovering:
		return "RECOVERING"
	case PhaseClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Connected reports whether frames can be sent in this phase.
func (p Phase) Connected() bool {
	return p == PhaseConnectedMarket || p == PhaseConnectedUser
}

// StatusChange reports a phase transition.
type StatusChange struct {
	From Phase
	To   Phase
	At   time.Time
	Err  error // cause of the transition, if any
}

// ConnectListener is invoked after every successful connect or reconnect.
type ConnectListener func(ctx context.Context)

// -----------------------------------------------------------------------------
// Wire Format
// -----------------------------------------------------------------------------

// Channel is a venue subscription channel.
type Channel string

const (
	ChannelMarket Channel = "market"
	ChannelUser   Channel = "user"
)

// Outbound operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"
)

// Inbound frame types.
const (
	TypeHello        = "hello"
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeEvent        = "event"
)

// WildcardTarget subscribes to every target on a channel.
const WildcardTarget = "*"

// ErrorCodeAuth is the error code for rejected user-channel credentials.
const ErrorCodeAuth = "auth"

// Frame is an outbound control frame.
type Frame struct {
	ID      int64             `json:"id,omitempty"`
	Op      string            `json:"op"`
	Channel Channel           `json:"channel,omitempty"`
	Targets []string          `json:"targets,omitempty"`
	Auth    *auth.ChannelAuth `json:"auth,omitempty"`
}

// Response is an inbound control frame (ack or error).
type Response struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	Channel Channel `json:"channel"`
	Code    string  `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
}

// header is the part of every inbound frame the manager inspects.
type header struct {
	Type    string  `json:"type"`
	ID      int64   `json:"id"`
	Channel Channel `json:"channel"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a message from Connection Manager to Event Dispatcher.
type RawMessage struct {
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local timestamp when the client received the frame
	Session    uint64    // Connect counter; increments on every reconnect
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL
	PingInterval time.Duration // Interval between heartbeat pings
	PongTimeout  time.Duration // Max wait for a pong after a ping
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
	PingFrame    []byte        // Application-level ping sent with every heartbeat

	// IsPong reports whether an inbound frame answers PingFrame. Control
	// pongs always count; with IsPong nil they are the only pongs.
	IsPong func(data []byte) bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                  string        // WebSocket URL
	PingInterval         time.Duration // Heartbeat interval
	PongTimeout          time.Duration // Heartbeat deadline
	WriteTimeout         time.Duration // Write deadline for sends
	SubscribeTimeout     time.Duration // Timeout waiting for an ack
	ReconnectBaseDelay   time.Duration // First backoff interval
	ReconnectMaxDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // Consecutive failed dials before CLOSED
	ControlRate          float64       // Outbound control frames per second
	BufferSize           int           // Buffer size for output message channel
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		ControlRate:          5,
		BufferSize:           1000,
	}
}

// marshalFrame encodes an outbound frame.
func marshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
