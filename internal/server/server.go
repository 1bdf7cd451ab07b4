package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/adapter"
	"fleetwatch/gateway/internal/ingest"
	"fleetwatch/gateway/internal/protocol"
	"fleetwatch/gateway/internal/session"
	"fleetwatch/gateway/internal/stats"
)

// Options configures the TCP listener
type Options struct {
	GatewayID string
	Listen    string
	// MaxFrameSize bounds frames and unterminated tails per connection.
	MaxFrameSize int
	// ReadTimeout closes a connection that sends nothing for this long.
	// The sweep normally evicts silent devices first. Zero disables.
	ReadTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// TCPServer handles TCP connections from GPS devices
type TCPServer struct {
	opts     Options
	registry *session.Registry
	pipeline *ingest.Pipeline
	stats    *stats.Aggregator
	detector *adapter.Detector
	log      *logrus.Entry

	listener net.Listener
	state    atomic.Value // stats.ListenerState
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTCPServer creates a new TCP server
func NewTCPServer(opts Options, registry *session.Registry, pipeline *ingest.Pipeline, agg *stats.Aggregator, detector *adapter.Detector, log *logrus.Entry) *TCPServer {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		opts:     opts,
		registry: registry,
		pipeline: pipeline,
		stats:    agg,
		detector: detector,
		log:      log.WithField("component", "tcp"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.state.Store(stats.ListenerStopped)
	return s
}

// Start binds the listener and starts accepting connections
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		s.state.Store(stats.ListenerError)
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	s.listener = listener
	s.state.Store(stats.ListenerListening)

	s.log.WithFields(logrus.Fields{
		"addr":       listener.Addr().String(),
		"gateway_id": s.opts.GatewayID,
	}).Info("TCP server listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.sweepLoop()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State reports the listener state for health checks
func (s *TCPServer) State() stats.ListenerState {
	return s.state.Load().(stats.ListenerState)
}

// Stop closes the listener and every open session, then waits for the
// connection handlers to return.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.registry.Shutdown()
		s.wg.Wait()
		s.state.Store(stats.ListenerStopped)
		s.log.Info("TCP server stopped")
	})
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.state.Store(stats.ListenerError)
				s.log.WithError(err).Error("Listener closed unexpectedly")
				return
			}
			// Transient failures such as EMFILE: back off and keep accepting.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.WithError(err).Warn("Accept error")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.registry.Sweep(s.opts.Now()) {
				s.log.WithFields(logrus.Fields{
					"conn_id":   sess.ID,
					"device_id": sess.DeviceID(),
					"reason":    sess.CloseReason(),
				}).Info("Session evicted by sweep")
			}
		}
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	sess := s.registry.Open(conn, conn.RemoteAddr().String())
	s.stats.ConnectionOpened()
	log := s.log.WithFields(logrus.Fields{
		"conn_id": sess.ID,
		"remote":  sess.Remote,
	})
	log.Debug("New connection")

	reason := session.ReasonClientClosed
	defer func() {
		if r := recover(); r != nil {
			s.stats.Error(stats.ErrPanic)
			log.WithField("panic", r).Error("Connection handler panicked")
			reason = session.ReasonPanic
		}
		if s.registry.Close(sess, reason) {
			log.WithFields(logrus.Fields{
				"device_id": sess.DeviceID(),
				"reason":    reason,
			}).Info("Connection closed")
		}
		s.stats.ConnectionClosed()
	}()

	reason = s.serve(conn, sess, log)
}

// serve runs the read loop of one connection and returns why it ended
func (s *TCPServer) serve(conn net.Conn, sess *session.Session, log *logrus.Entry) session.CloseReason {
	decoder := protocol.NewFrameDecoder(s.detector, s.opts.MaxFrameSize)
	buffer := make([]byte, 4096)

	for {
		if s.stopped(sess) {
			return session.ReasonShutdown
		}

		if s.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		n, readErr := conn.Read(buffer)

		if n > 0 {
			frames, err := decoder.Feed(buffer[:n])
			a := decoder.Adapter()
			if a != nil && sess.Protocol() == "" {
				sess.SetProtocol(a.Protocol())
				log.WithField("protocol", a.Protocol()).Debug("Protocol detected")
			}

			for _, frame := range frames {
				if s.stopped(sess) {
					return session.ReasonShutdown
				}
				reply := s.pipeline.HandleFrame(sess, a, frame)
				if reply == nil {
					continue
				}
				if err := sess.Send(reply); err != nil {
					if errors.Is(err, session.ErrSessionClosed) {
						return session.ReasonShutdown
					}
					s.stats.Error(stats.ErrSocket)
					log.WithError(err).Warn("Write error")
					return session.ReasonSocketError
				}
			}

			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.stats.Error(stats.ErrFrameTooLarge)
				log.WithError(err).Warn("Dropping connection")
				return session.ReasonFrameTooLarge
			case err != nil:
				s.stats.Error(stats.ErrMalformed)
				log.WithError(err).Debug("Discarded undecodable bytes")
			}
		}

		if readErr != nil {
			return s.readFailure(sess, readErr, log)
		}
	}
}

func (s *TCPServer) stopped(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *TCPServer) readFailure(sess *session.Session, err error, log *logrus.Entry) session.CloseReason {
	if s.stopped(sess) {
		return session.ReasonShutdown
	}
	if errors.Is(err, io.EOF) {
		return session.ReasonClientClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if sess.DeviceID() == "" {
			return session.ReasonLoginTimeout
		}
		return session.ReasonHeartbeatTimeout
	}
	s.stats.Error(stats.ErrSocket)
	log.WithError(err).Warn("Read error")
	return session.ReasonSocketError
}

// SendCommand encodes cmd in the protocol of the device's live connection
// and writes it.
func (s *TCPServer) SendCommand(deviceID string, cmd protocol.Command) error {
	sess, err := s.registry.Lookup(deviceID)
	if err != nil {
		return err
	}
	a, ok := s.detector.Adapter(sess.Protocol())
	if !ok {
		return fmt.Errorf("%w: protocol not determined for %s", protocol.ErrUnsupportedCommand, deviceID)
	}

	params := make(map[string]string, len(cmd.Params)+1)
	for k, v := range cmd.Params {
		params[k] = v
	}
	params["device_id"] = deviceID
	cmd.Params = params

	data, err := a.Encode(cmd)
	if err != nil {
		return err
	}
	if err := sess.Send(data); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"device_id": deviceID,
		"type":      cmd.Type,
		"protocol":  a.Protocol(),
	}).Info("Command sent")
	return nil
}
