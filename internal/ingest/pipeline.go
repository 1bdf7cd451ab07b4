package ingest

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/protocol"
	"fleetwatch/gateway/internal/session"
	"fleetwatch/gateway/internal/stats"
	"fleetwatch/gateway/internal/vehicle"
)

// Presence mirrors device connectivity to an external store. Calls must
// not block.
type Presence interface {
	Online(info session.DeviceInfo)
	Refresh(deviceID string)
	Offline(deviceID string)
}

// Pipeline carries one decoded frame through parsing, session state,
// projection and accounting. It does no network I/O of its own.
type Pipeline struct {
	registry  *session.Registry
	projector *vehicle.Projector
	stats     *stats.Aggregator
	presence  Presence
	log       *logrus.Entry
	now       func() time.Time
}

// Options configures a Pipeline
type Options struct {
	Presence Presence
	Logger   *logrus.Entry
	Now      func() time.Time
}

// New creates a pipeline
func New(registry *session.Registry, projector *vehicle.Projector, agg *stats.Aggregator, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		registry:  registry,
		projector: projector,
		stats:     agg,
		presence:  opts.Presence,
		log:       opts.Logger.WithField("component", "ingest"),
		now:       opts.Now,
	}
}

// HandleFrame processes one frame received on s and returns the bytes to
// write back to the device, if any. Frames that fail to parse or cannot
// be attributed to a device are counted and dropped; the connection is
// kept.
func (p *Pipeline) HandleFrame(s *session.Session, a protocol.ProtocolAdapter, frame []byte) []byte {
	msg, err := a.Decode(frame, p.now())
	if err != nil {
		p.stats.Error(stats.ErrMalformed)
		p.log.WithFields(logrus.Fields{
			"session":  s.ID,
			"protocol": a.Protocol(),
			"error":    err,
		}).Debug("Dropped malformed frame")
		return nil
	}

	if msg.Kind == protocol.KindUnknown {
		p.stats.UnknownMessage()
		_ = p.registry.Touch(s)
		p.log.WithFields(logrus.Fields{
			"session":   s.ID,
			"device_id": s.DeviceID(),
			"code":      msg.Payload.(protocol.Unknown).Code,
		}).Debug("Unknown message")
		return a.Reply(msg)
	}

	if !p.attribute(s, &msg) {
		return nil
	}

	if msg.Kind != protocol.KindLogin {
		if err := p.registry.Touch(s); err != nil {
			return nil
		}
	}
	if msg.Kind == protocol.KindHeartbeat && p.presence != nil {
		p.presence.Refresh(msg.DeviceID)
	}

	res := p.projector.Apply(msg)
	if res.Stale {
		p.stats.FixRejected()
		p.log.WithFields(logrus.Fields{
			"device_id": msg.DeviceID,
			"timestamp": msg.Timestamp,
		}).Debug("Rejected stale fix")
	}
	if res.Alert != nil {
		p.log.WithFields(logrus.Fields{
			"device_id": msg.DeviceID,
			"type":      res.Alert.Type,
			"severity":  res.Alert.Severity,
		}).Info("Alarm received")
	}
	p.stats.MessageProcessed(msg.Kind)

	return a.Reply(msg)
}

// attribute binds msg to a device. LOGIN frames and frames carrying an
// identifier claim the connection; others inherit the bound device.
func (p *Pipeline) attribute(s *session.Session, msg *protocol.Message) bool {
	bound := s.DeviceID()

	if msg.Kind == protocol.KindLogin {
		if msg.DeviceID == "" {
			p.stats.Error(stats.ErrMalformed)
			return false
		}
		login, _ := msg.Payload.(protocol.Login)
		return p.claim(s, session.Claim{
			DeviceID: msg.DeviceID,
			IMEI:     login.IMEI,
			Model:    login.Model,
			Firmware: login.Firmware,
			Login:    true,
		})
	}

	switch {
	case msg.DeviceID == "" && bound == "":
		p.stats.Error(stats.ErrUnknownDevice)
		p.log.WithFields(logrus.Fields{
			"session": s.ID,
			"kind":    msg.Kind,
			"error":   protocol.ErrUnknownDevice,
		}).Debug("Dropped frame before login")
		return false
	case msg.DeviceID == "":
		msg.DeviceID = bound
		return true
	case msg.DeviceID != bound:
		return p.claim(s, session.Claim{DeviceID: msg.DeviceID})
	}
	return true
}

func (p *Pipeline) claim(s *session.Session, c session.Claim) bool {
	evicted, err := p.registry.Login(s, c)
	if err != nil {
		if !errors.Is(err, session.ErrSessionClosed) {
			p.stats.Error(stats.ErrUnknownDevice)
		}
		return false
	}

	fields := logrus.Fields{
		"device_id": c.DeviceID,
		"session":   s.ID,
		"remote":    s.Remote,
		"protocol":  s.Protocol(),
	}
	if evicted != nil {
		fields["evicted_session"] = evicted.ID
		p.log.WithFields(fields).Info("Device re-login, previous connection closed")
	} else {
		p.log.WithFields(fields).Info("Device logged in")
	}

	if p.presence != nil {
		if info, ok := p.registry.Device(c.DeviceID); ok {
			p.presence.Online(info)
		}
	}
	return true
}

// DeviceDisconnected reacts to a device losing its live session. Wire it
// as the registry's OnDisconnect hook.
func (p *Pipeline) DeviceDisconnected(info session.DeviceInfo, reason session.CloseReason) {
	if reason == session.ReasonHeartbeatTimeout {
		p.stats.Error(stats.ErrHeartbeatTimeout)
	}
	p.projector.MarkOffline(info.DeviceID)
	if p.presence != nil {
		p.presence.Offline(info.DeviceID)
	}
	p.log.WithFields(logrus.Fields{
		"device_id": info.DeviceID,
		"reason":    reason,
	}).Info("Device disconnected")
}
