package session

import (
	"errors"
	"io"
	"sync"
	"time"
)

// State is the lifecycle state of one device connection
type State string

// Session states
const (
	StateAwaitingLogin State = "AWAITING_LOGIN"
	StateAuthenticated State = "AUTHENTICATED"
	StateActive        State = "ACTIVE"
	StateStale         State = "STALE"
	StateDisconnected  State = "DISCONNECTED"
)

// CloseReason records why a session entered DISCONNECTED
type CloseReason string

// Close reasons
const (
	ReasonClientClosed     CloseReason = "client_closed"
	ReasonSocketError      CloseReason = "socket_error"
	ReasonEvicted          CloseReason = "evicted"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonLoginTimeout     CloseReason = "login_timeout"
	ReasonFrameTooLarge    CloseReason = "frame_too_large"
	ReasonPanic            CloseReason = "panic"
	ReasonShutdown         CloseReason = "shutdown"
)

var (
	// ErrSessionClosed is returned for operations on a DISCONNECTED session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotBound means no live session holds the device identifier.
	ErrNotBound = errors.New("device not bound to a live session")
)

// Session is the state machine of one accepted connection. Sessions are
// created by Registry.Open; their transitions go through the registry.
type Session struct {
	ID       string
	Remote   string
	OpenedAt time.Time

	conn         io.WriteCloser
	writeTimeout time.Duration
	writeMu      sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	protocol     string
	state        State
	deviceID     string
	lastActivity time.Time
	reason       CloseReason
}

// Info is a read-only view of a session
type Info struct {
	ID           string      `json:"id"`
	Remote       string      `json:"remote"`
	Protocol     string      `json:"protocol,omitempty"`
	DeviceID     string      `json:"device_id,omitempty"`
	State        State       `json:"state"`
	OpenedAt     time.Time   `json:"opened_at"`
	LastActivity time.Time   `json:"last_activity"`
	CloseReason  CloseReason `json:"close_reason,omitempty"`
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID returns the bound device identifier, empty before login
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Protocol returns the detected protocol name
func (s *Session) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// SetProtocol records the protocol detected on the stream
func (s *Session) SetProtocol(name string) {
	s.mu.Lock()
	s.protocol = name
	s.mu.Unlock()
}

// LastActivity returns the time of the last accepted frame
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseReason returns why the session was closed, empty while open
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the session is DISCONNECTED
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Remote:       s.Remote,
		Protocol:     s.protocol,
		DeviceID:     s.deviceID,
		State:        s.state,
		OpenedAt:     s.OpenedAt,
		LastActivity: s.lastActivity,
		CloseReason:  s.reason,
	}
}

// Send writes p to the connection. Writes are serialised so replies and
// downlink commands never interleave.
func (s *Session) Send(p []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if d, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok && s.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.conn.Write(p)
	return err
}

// release closes the socket and signals Done. Never called with locks held.
func (s *Session) release() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}
