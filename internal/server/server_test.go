package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/adapter"
	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/ingest"
	"fleetwatch/gateway/internal/protocol"
	"fleetwatch/gateway/internal/session"
	"fleetwatch/gateway/internal/stats"
	"fleetwatch/gateway/internal/vehicle"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type stack struct {
	registry    *session.Registry
	broadcaster *broadcast.Broadcaster
	projector   *vehicle.Projector
	stats       *stats.Aggregator
	pipeline    *ingest.Pipeline
	server      *TCPServer

	mu      sync.Mutex
	reasons map[string]session.CloseReason
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWithPresence(t, nil)
}

func newStackWithPresence(t *testing.T, presence ingest.Presence) *stack {
	t.Helper()
	st := &stack{reasons: make(map[string]session.CloseReason)}
	log := quietLog()

	st.registry = session.NewRegistry(session.Options{
		HeartbeatTimeout: time.Minute,
		StaleGrace:       time.Minute,
		WriteTimeout:     time.Second,
		OnDisconnect: func(info session.DeviceInfo, reason session.CloseReason) {
			st.mu.Lock()
			st.reasons[info.DeviceID] = reason
			st.mu.Unlock()
			st.pipeline.DeviceDisconnected(info, reason)
		},
	})
	st.broadcaster = broadcast.New(broadcast.DropOldest, 64)
	st.projector = vehicle.NewProjector(vehicle.Options{}, st.broadcaster)
	st.stats = stats.New(stats.Options{Service: "fleetwatch-gateway", Version: "test"}, st.registry)
	st.pipeline = ingest.New(st.registry, st.projector, st.stats, ingest.Options{Logger: log, Presence: presence})

	ctx, cancel := context.WithCancel(context.Background())
	go st.stats.Run(ctx)

	st.server = NewTCPServer(Options{
		GatewayID:     "node-test",
		Listen:        "127.0.0.1:0",
		MaxFrameSize:  protocol.DefaultMaxFrameSize,
		SweepInterval: time.Hour,
	}, st.registry, st.pipeline, st.stats, adapter.NewDetector(), log)

	t.Cleanup(func() {
		st.server.Stop()
		cancel()
	})
	return st
}

func (st *stack) disconnectReason(deviceID string) session.CloseReason {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reasons[deviceID]
}

func (st *stack) start(t *testing.T) {
	t.Helper()
	if err := st.server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

type device struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, st *stack) *device {
	t.Helper()
	conn, err := net.Dial("tcp", st.server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &device{conn: conn, r: bufio.NewReader(conn)}
}

func (d *device) send(t *testing.T, line string) {
	t.Helper()
	if _, err := d.conn.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (d *device) readLine(t *testing.T) string {
	t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := d.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

// expectClosed waits for the server to close the connection
func (d *device) expectClosed(t *testing.T) {
	t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := d.r.ReadByte(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("connection still open")
			}
			return
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (st *stack) snapshot(t *testing.T) stats.Snapshot {
	t.Helper()
	s, err := st.stats.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func TestWialonSessionOverTCP(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.start(t)
	if st.server.State() != stats.ListenerListening {
		t.Fatalf("state = %s", st.server.State())
	}

	d := dial(t, st)
	d.send(t, "#L#DEV001;pass\r\n")
	if got := d.readLine(t); got != "#AL#1\r\n" {
		t.Fatalf("login reply = %q", got)
	}

	// Split one record across two writes.
	d.send(t, "#SD#150124;100000;2333.0000;S;046")
	time.Sleep(10 * time.Millisecond)
	d.send(t, "37.8000;W;65;90;760;9\r\n")
	if got := d.readLine(t); got != "#ASD#1\r\n" {
		t.Fatalf("data reply = %q", got)
	}

	v, ok := st.projector.Vehicle("DEV001")
	if !ok || v.Speed != 65 || !v.Online {
		t.Fatalf("vehicle = %+v, %v", v, ok)
	}
	sessions := st.registry.Sessions()
	if len(sessions) != 1 || sessions[0].Protocol != "WIALON" || sessions[0].State != session.StateActive {
		t.Errorf("sessions = %+v", sessions)
	}

	d.conn.Close()
	eventually(t, "device disconnected", func() bool {
		info, _ := st.registry.Device("DEV001")
		return info.Status == session.DeviceDisconnected
	})
	eventually(t, "connection released", func() bool {
		return st.snapshot(t).ActiveConnections == 0
	})
}

func TestDuplicateLoginClosesFirstConnection(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.start(t)

	first := dial(t, st)
	first.send(t, "#L#DEV001;x\r\n")
	first.readLine(t)

	second := dial(t, st)
	second.send(t, "#L#DEV001;x\r\n")
	second.readLine(t)

	first.expectClosed(t)

	s, err := st.registry.Lookup("DEV001")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s.State() != session.StateAuthenticated {
		t.Errorf("owner state = %s", s.State())
	}
	eventually(t, "one live connection", func() bool {
		return st.registry.ActiveConnections() == 1
	})
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.start(t)

	d := dial(t, st)
	d.send(t, strings.Repeat("A", protocol.DefaultMaxFrameSize+100))
	d.expectClosed(t)

	eventually(t, "frame_too_large counted", func() bool {
		return st.snapshot(t).ErrorsByKind[stats.ErrFrameTooLarge] == 1
	})

	// The listener keeps accepting.
	other := dial(t, st)
	other.send(t, "#L#DEV002;x\r\n")
	if got := other.readLine(t); got != "#AL#1\r\n" {
		t.Errorf("reply = %q", got)
	}
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.start(t)

	d := dial(t, st)
	d.send(t, "#L#DEV001;x\r\n")
	d.readLine(t)

	err := st.server.SendCommand("DEV001", protocol.Command{
		Type:   protocol.CommandText,
		Params: map[string]string{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := d.readLine(t); got != "#M#hello\r\n" {
		t.Errorf("command = %q", got)
	}

	if err := st.server.SendCommand("NOPE", protocol.Command{Type: protocol.CommandText}); err == nil {
		t.Error("expected error for unbound device")
	}
}

func TestStopClosesSessions(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.start(t)

	d := dial(t, st)
	d.send(t, "#L#DEV001;x\r\n")
	d.readLine(t)

	st.server.Stop()
	d.expectClosed(t)
	if st.server.State() != stats.ListenerStopped {
		t.Errorf("state = %s", st.server.State())
	}
	if st.registry.ActiveConnections() != 0 {
		t.Errorf("active = %d", st.registry.ActiveConnections())
	}
}

// gt06Frame builds a short-form GT06 packet with a valid CRC-ITU
func gt06Frame(protocolNum byte, body []byte, serial uint16) []byte {
	packet := []byte{0x78, 0x78, byte(len(body) + 5), protocolNum}
	packet = append(packet, body...)
	packet = binary.BigEndian.AppendUint16(packet, serial)
	return sealGT06(packet)
}

func sealGT06(head []byte) []byte {
	crc := uint16(0xFFFF)
	for _, b := range head[2:] {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	packet := binary.BigEndian.AppendUint16(head, ^crc)
	return append(packet, 0x0D, 0x0A)
}

func (d *device) readN(t *testing.T, n int) []byte {
	t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

func TestTruncatedGT06FrameKeepsConnection(t *testing.T) {
	t.Parallel()

	st := newStack(t)
	st.start(t)

	d := dial(t, st)
	imei := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}
	d.send(t, string(gt06Frame(0x01, imei, 1)))
	if got := d.readN(t, 10); got[3] != 0x01 {
		t.Fatalf("login reply = % x", got)
	}

	// Long form declaring four bytes: no room for content before the trailer.
	d.send(t, string(sealGT06([]byte{0x79, 0x79, 0x00, 0x04, 0x23, 0x00})))
	d.send(t, string(gt06Frame(0x23, []byte{0x40, 0x04, 0x04, 0x00, 0x01}, 2)))
	if got := d.readN(t, 10); got[3] != 0x23 {
		t.Fatalf("heartbeat reply = % x", got)
	}

	snap := st.snapshot(t)
	if snap.ErrorsByKind[stats.ErrMalformed] != 1 || snap.ErrorsByKind[stats.ErrPanic] != 0 {
		t.Errorf("errors = %v, want one malformed", snap.ErrorsByKind)
	}
	if info, _ := st.registry.Device("123456789012345"); info.Status != session.DeviceConnected {
		t.Errorf("device status = %s, want connected", info.Status)
	}
}

// panicOnRefresh fails inside frame handling once a device is logged in
type panicOnRefresh struct{}

func (panicOnRefresh) Online(session.DeviceInfo) {}
func (panicOnRefresh) Refresh(string)            { panic("presence store exploded") }
func (panicOnRefresh) Offline(string)            {}

func TestPanicInHandlerReleasesSession(t *testing.T) {
	t.Parallel()

	st := newStackWithPresence(t, panicOnRefresh{})
	st.start(t)

	d := dial(t, st)
	d.send(t, "#L#DEV001;x\r\n")
	d.readLine(t)
	d.send(t, "#P#\r\n")
	d.expectClosed(t)

	eventually(t, "panic counted", func() bool {
		return st.snapshot(t).ErrorsByKind[stats.ErrPanic] == 1
	})
	eventually(t, "device released", func() bool {
		info, _ := st.registry.Device("DEV001")
		return info.Status == session.DeviceDisconnected
	})
	eventually(t, "panic close reason", func() bool {
		return st.disconnectReason("DEV001") == session.ReasonPanic
	})
	eventually(t, "vehicle offline", func() bool {
		v, ok := st.projector.Vehicle("DEV001")
		return ok && !v.Online
	})

	// The listener keeps accepting.
	other := dial(t, st)
	other.send(t, "#L#DEV002;x\r\n")
	if got := other.readLine(t); got != "#AL#1\r\n" {
		t.Errorf("reply = %q", got)
	}
	eventually(t, "one live connection", func() bool {
		return st.registry.ActiveConnections() == 1
	})
}
