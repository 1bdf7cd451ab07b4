package stats

import (
	"context"
	"errors"
	"time"

	"fleetwatch/gateway/internal/protocol"
)

// ErrorKind labels a counted error
type ErrorKind string

// Error kinds
const (
	ErrFrameTooLarge    ErrorKind = "frame_too_large"
	ErrMalformed        ErrorKind = "malformed"
	ErrUnknownDevice    ErrorKind = "unknown_device"
	ErrSocket           ErrorKind = "socket"
	ErrHeartbeatTimeout ErrorKind = "heartbeat_timeout"
	ErrPanic            ErrorKind = "panic"
)

// ErrStopped is returned by Snapshot once Run has returned
var ErrStopped = errors.New("stats aggregator stopped")

// Source supplies live gauges owned by the session registry
type Source interface {
	ActiveConnections() int
	ConnectedDevices() int
}

// Options configures an Aggregator
type Options struct {
	// Window is the span used for rates and health; rounded to seconds.
	Window time.Duration
	// QueueSize is the capacity of the update channel.
	QueueSize int
	Health    Thresholds
	// Service and Version are reported by Health.
	Service string
	Version string
	Now     func() time.Time
}

// Snapshot is a read-only view of the counters
type Snapshot struct {
	Timestamp            time.Time                `json:"timestamp"`
	StartTime            time.Time                `json:"start_time"`
	UptimeSeconds        float64                  `json:"uptime_seconds"`
	TotalConnections     uint64                   `json:"total_connections"`
	ActiveConnections    int                      `json:"active_connections"`
	ConnectedDevices     int                      `json:"connected_devices"`
	MessagesProcessed    uint64                   `json:"messages_processed"`
	MessagesByKind       map[protocol.Kind]uint64 `json:"messages_by_kind"`
	UnknownMessages      uint64                   `json:"unknown_messages"`
	StaleFixes           uint64                   `json:"stale_fixes"`
	Errors               uint64                   `json:"errors"`
	ErrorsByKind         map[ErrorKind]uint64     `json:"errors_by_kind"`
	ConnectionsPerSecond float64                  `json:"connections_per_second"`
	MessagesPerSecond    float64                  `json:"messages_per_second"`
	Window               WindowCounts             `json:"window"`
}

// WindowCounts are the sums over the sliding window
type WindowCounts struct {
	Seconds     int    `json:"seconds"`
	Connections uint64 `json:"connections"`
	Disconnects uint64 `json:"disconnects"`
	Messages    uint64 `json:"messages"`
	Errors      uint64 `json:"errors"`
}

type op int

const (
	opOpened op = iota
	opClosed
	opMessage
	opUnknown
	opError
	opStaleFix
	opSnapshot
)

type update struct {
	op    op
	at    time.Time
	kind  protocol.Kind
	err   ErrorKind
	reply chan Snapshot
}

type bucket struct {
	sec         int64
	connections uint64
	disconnects uint64
	messages    uint64
	errors      uint64
}

// Aggregator owns the counters. All updates travel over one ordered
// channel consumed by Run, so a Snapshot observes every update enqueued
// before it.
type Aggregator struct {
	opts      Options
	source    Source
	updates   chan update
	stopped   chan struct{}
	startedAt time.Time

	// owned by Run
	totalConnections uint64
	messages         uint64
	unknown          uint64
	staleFixes       uint64
	errors           uint64
	byKind           map[protocol.Kind]uint64
	errorsByKind     map[ErrorKind]uint64
	buckets          []bucket
}

// New creates an aggregator reading gauges from source
func New(opts Options, source Source) *Aggregator {
	if opts.Window < time.Second {
		opts.Window = 60 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Health = opts.Health.withDefaults()
	return &Aggregator{
		opts:         opts,
		source:       source,
		updates:      make(chan update, opts.QueueSize),
		stopped:      make(chan struct{}),
		startedAt:    opts.Now(),
		byKind:       make(map[protocol.Kind]uint64),
		errorsByKind: make(map[ErrorKind]uint64),
		buckets:      make([]bucket, int(opts.Window/time.Second)),
	}
}

// Run consumes updates until ctx is done
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.updates:
			a.apply(u)
		}
	}
}

// ConnectionOpened counts an accepted connection
func (a *Aggregator) ConnectionOpened() { a.send(update{op: opOpened}) }

// ConnectionClosed counts a released connection
func (a *Aggregator) ConnectionClosed() { a.send(update{op: opClosed}) }

// MessageProcessed counts a well-formed frame of the given kind
func (a *Aggregator) MessageProcessed(kind protocol.Kind) {
	a.send(update{op: opMessage, kind: kind})
}

// UnknownMessage counts a frame classified UNKNOWN. It is neither a
// processed message nor an error.
func (a *Aggregator) UnknownMessage() { a.send(update{op: opUnknown}) }

// Error counts one error of the given kind
func (a *Aggregator) Error(kind ErrorKind) { a.send(update{op: opError, err: kind}) }

// FixRejected counts a location older than the stored one
func (a *Aggregator) FixRejected() { a.send(update{op: opStaleFix}) }

// Snapshot returns the counters after every update enqueued before it
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	u := update{op: opSnapshot, at: a.opts.Now(), reply: reply}

	select {
	case a.updates <- u:
	case <-a.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-a.stopped:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (a *Aggregator) send(u update) {
	u.at = a.opts.Now()
	select {
	case a.updates <- u:
	case <-a.stopped:
	}
}

func (a *Aggregator) apply(u update) {
	if u.op == opSnapshot {
		u.reply <- a.snapshot(u.at)
		return
	}

	b := a.bucket(u.at)
	switch u.op {
	case opOpened:
		a.totalConnections++
		b.connections++
	case opClosed:
		b.disconnects++
	case opMessage:
		a.messages++
		a.byKind[u.kind]++
		b.messages++
	case opUnknown:
		a.unknown++
	case opError:
		a.errors++
		a.errorsByKind[u.err]++
		b.errors++
	case opStaleFix:
		a.staleFixes++
	}
}

// bucket returns the per-second bucket for t, recycling expired slots
func (a *Aggregator) bucket(t time.Time) *bucket {
	sec := t.Unix()
	b := &a.buckets[int(sec%int64(len(a.buckets)))]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	return b
}

func (a *Aggregator) window(now time.Time) WindowCounts {
	w := WindowCounts{Seconds: len(a.buckets)}
	oldest := now.Unix() - int64(len(a.buckets))
	for _, b := range a.buckets {
		if b.sec <= oldest || b.sec > now.Unix() {
			continue
		}
		w.Connections += b.connections
		w.Disconnects += b.disconnects
		w.Messages += b.messages
		w.Errors += b.errors
	}
	return w
}

func (a *Aggregator) snapshot(now time.Time) Snapshot {
	w := a.window(now)
	s := Snapshot{
		Timestamp:            now,
		StartTime:            a.startedAt,
		UptimeSeconds:        now.Sub(a.startedAt).Seconds(),
		TotalConnections:     a.totalConnections,
		MessagesProcessed:    a.messages,
		MessagesByKind:       make(map[protocol.Kind]uint64, len(a.byKind)),
		UnknownMessages:      a.unknown,
		StaleFixes:           a.staleFixes,
		Errors:               a.errors,
		ErrorsByKind:         make(map[ErrorKind]uint64, len(a.errorsByKind)),
		ConnectionsPerSecond: float64(w.Connections) / float64(w.Seconds),
		MessagesPerSecond:    float64(w.Messages) / float64(w.Seconds),
		Window:               w,
	}
	for k, v := range a.byKind {
		s.MessagesByKind[k] = v
	}
	for k, v := range a.errorsByKind {
		s.ErrorsByKind[k] = v
	}
	if a.source != nil {
		s.ActiveConnections = a.source.ActiveConnections()
		s.ConnectedDevices = a.source.ConnectedDevices()
	}
	return s
}
