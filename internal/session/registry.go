package session

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the connectivity of a physical device
type DeviceStatus string

// Device statuses
const (
	DeviceConnected    DeviceStatus = "connected"
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceUnknown      DeviceStatus = "unknown"
)

// DeviceInfo is the long-lived record of one physical device
type DeviceInfo struct {
	DeviceID  string       `json:"device_id"`
	IMEI      string       `json:"imei,omitempty"`
	Model     string       `json:"model,omitempty"`
	Firmware  string       `json:"firmware,omitempty"`
	Protocol  string       `json:"protocol,omitempty"`
	Status    DeviceStatus `json:"status"`
	LastSeen  time.Time    `json:"last_seen"`
	SessionID string       `json:"session_id,omitempty"`
	Remote    string       `json:"remote,omitempty"`
}

// Claim is the identity a frame asserts for its connection. Login is set
// for explicit LOGIN frames; other frames that carry an identifier claim
// the connection implicitly.
type Claim struct {
	DeviceID string
	IMEI     string
	Model    string
	Firmware string
	Login    bool
}

// Options configures a Registry
type Options struct {
	// HeartbeatTimeout is the idle time after which a bound session is STALE.
	HeartbeatTimeout time.Duration
	// StaleGrace is how long a STALE session survives before eviction.
	StaleGrace time.Duration
	// LoginTimeout closes connections that never identify. Zero disables.
	LoginTimeout time.Duration
	// WriteTimeout bounds each Send.
	WriteTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// OnDisconnect runs outside registry locks whenever a device loses its
	// live session without another connection taking over.
	OnDisconnect func(info DeviceInfo, reason CloseReason)
}

// Registry maps device identifiers to their live session. Lock order is
// Registry.mu before Session.mu; socket I/O happens with no lock held.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session    // session id -> open session
	bindings map[string]*Session    // device id -> owning session
	devices  map[string]*DeviceInfo // device id -> record
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		bindings: make(map[string]*Session),
		devices:  make(map[string]*DeviceInfo),
	}
}

// Open registers a freshly accepted connection in AWAITING_LOGIN
func (r *Registry) Open(conn io.WriteCloser, remote string) *Session {
	now := r.opts.Now()
	s := &Session{
		ID:           uuid.NewString(),
		Remote:       remote,
		OpenedAt:     now,
		conn:         conn,
		writeTimeout: r.opts.WriteTimeout,
		done:         make(chan struct{}),
		state:        StateAwaitingLogin,
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Login binds the claimed device to s. Any other session holding the same
// identifier is moved to DISCONNECTED and returned with its socket closed;
// the last claim wins.
func (r *Registry) Login(s *Session, c Claim) (*Session, error) {
	id := strings.TrimSpace(c.DeviceID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrNotBound)
	}
	now := r.opts.Now()

	var (
		evicted  *Session
		released []DeviceInfo
	)

	r.mu.Lock()
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}

	// A connection switching identity gives up its previous device.
	if prev := s.deviceID; prev != "" && prev != id && r.bindings[prev] == s {
		if info, ok := r.unbindLocked(prev, s.lastActivity); ok {
			released = append(released, info)
		}
	}

	if prior := r.bindings[id]; prior != nil && prior != s {
		prior.mu.Lock()
		prior.state = StateDisconnected
		prior.reason = ReasonEvicted
		prior.mu.Unlock()
		delete(r.sessions, prior.ID)
		evicted = prior
	}
	r.bindings[id] = s

	d, ok := r.devices[id]
	if !ok {
		d = &DeviceInfo{DeviceID: id}
		r.devices[id] = d
	}
	if c.IMEI != "" {
		d.IMEI = c.IMEI
	}
	if c.Model != "" {
		d.Model = c.Model
	}
	if c.Firmware != "" {
		d.Firmware = c.Firmware
	}
	d.Protocol = s.protocol
	d.Status = DeviceConnected
	d.LastSeen = now
	d.SessionID = s.ID
	d.Remote = s.Remote

	s.deviceID = id
	s.lastActivity = now
	if c.Login {
		s.state = StateAuthenticated
	} else {
		s.state = StateActive
	}
	s.mu.Unlock()
	r.mu.Unlock()

	if evicted != nil {
		evicted.release()
	}
	r.notify(released, ReasonEvicted)
	return evicted, nil
}

// Touch records an accepted frame on s. Bound sessions move to ACTIVE,
// including STALE ones not yet evicted.
func (r *Registry) Touch(s *Session) error {
	now := r.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrSessionClosed
	}
	s.lastActivity = now
	switch s.state {
	case StateAuthenticated, StateStale:
		s.state = StateActive
	}
	return nil
}

// Close moves s to DISCONNECTED and closes its socket. It reports whether
// this call performed the transition; closing twice is harmless.
func (r *Registry) Close(s *Session, reason CloseReason) bool {
	var released []DeviceInfo

	r.mu.Lock()
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		r.mu.Unlock()
		s.release()
		return false
	}
	s.state = StateDisconnected
	s.reason = reason
	delete(r.sessions, s.ID)
	if id := s.deviceID; id != "" && r.bindings[id] == s {
		if info, ok := r.unbindLocked(id, s.lastActivity); ok {
			released = append(released, info)
		}
	}
	s.mu.Unlock()
	r.mu.Unlock()

	s.release()
	r.notify(released, reason)
	return true
}

// Sweep applies the timeouts at now: bound sessions idle past the
// heartbeat timeout become STALE, and are evicted once idle past the
// timeout plus grace; unidentified connections older than the login
// timeout are closed. The evicted sessions are returned with sockets
// already closed.
func (r *Registry) Sweep(now time.Time) []*Session {
	type release struct {
		info   DeviceInfo
		reason CloseReason
	}
	var (
		evicted  []*Session
		released []release
	)

	r.mu.Lock()
	for _, s := range r.sessions {
		s.mu.Lock()
		var reason CloseReason
		switch s.state {
		case StateAwaitingLogin:
			if r.opts.LoginTimeout > 0 && now.Sub(s.OpenedAt) > r.opts.LoginTimeout {
				reason = ReasonLoginTimeout
			}
		case StateAuthenticated, StateActive, StateStale:
			idle := now.Sub(s.lastActivity)
			if r.opts.HeartbeatTimeout > 0 && idle > r.opts.HeartbeatTimeout {
				s.state = StateStale
				if idle > r.opts.HeartbeatTimeout+r.opts.StaleGrace {
					reason = ReasonHeartbeatTimeout
				}
			}
		}

		if reason != "" {
			s.state = StateDisconnected
			s.reason = reason
			delete(r.sessions, s.ID)
			if id := s.deviceID; id != "" && r.bindings[id] == s {
				if info, ok := r.unbindLocked(id, s.lastActivity); ok {
					released = append(released, release{info, reason})
				}
			}
			evicted = append(evicted, s)
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.release()
	}
	for _, rel := range released {
		r.notify([]DeviceInfo{rel.info}, rel.reason)
	}
	return evicted
}

// Shutdown closes every open session
func (r *Registry) Shutdown() {
	r.mu.RLock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.RUnlock()

	for _, s := range open {
		r.Close(s, ReasonShutdown)
	}
}

// Lookup returns the live session bound to deviceID
func (r *Registry) Lookup(deviceID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bindings[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, deviceID)
	}
	return s, nil
}

// Device returns the record for deviceID
func (r *Registry) Device(deviceID string) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return DeviceInfo{DeviceID: deviceID, Status: DeviceUnknown}, false
	}
	return r.deviceLocked(d), true
}

// Devices returns all device records ordered by identifier
func (r *Registry) Devices() []DeviceInfo {
	r.mu.RLock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, r.deviceLocked(d))
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b DeviceInfo) int { return strings.Compare(a.DeviceID, b.DeviceID) })
	return out
}

// Sessions returns all open sessions ordered by open time
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ActiveConnections counts sessions not yet DISCONNECTED
func (r *Registry) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnectedDevices counts devices bound to a live session
func (r *Registry) ConnectedDevices() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// unbindLocked drops the binding of id and marks the device disconnected.
// Caller holds r.mu.
func (r *Registry) unbindLocked(id string, lastActivity time.Time) (DeviceInfo, bool) {
	delete(r.bindings, id)
	d, ok := r.devices[id]
	if !ok {
		return DeviceInfo{}, false
	}
	d.Status = DeviceDisconnected
	d.SessionID = ""
	if lastActivity.After(d.LastSeen) {
		d.LastSeen = lastActivity
	}
	return *d, true
}

// deviceLocked copies d, taking LastSeen from the live session when newer.
// Caller holds r.mu.
func (r *Registry) deviceLocked(d *DeviceInfo) DeviceInfo {
	out := *d
	if s, ok := r.bindings[d.DeviceID]; ok {
		if last := s.LastActivity(); last.After(out.LastSeen) {
			out.LastSeen = last
		}
	}
	return out
}

func (r *Registry) notify(released []DeviceInfo, reason CloseReason) {
	if r.opts.OnDisconnect == nil {
		return
	}
	for _, info := range released {
		r.opts.OnDisconnect(info, reason)
	}
}
