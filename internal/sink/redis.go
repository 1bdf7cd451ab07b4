package sink

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/session"
)

// SessionKey is the presence key of a device
func SessionKey(deviceID string) string {
	return fmt.Sprintf("fms:sess:%s", deviceID)
}

// ShadowKey is the device shadow hash of a device
func ShadowKey(deviceID string) string {
	return fmt.Sprintf("fms:shadow:%s", deviceID)
}

// Shadow mirrors the latest vehicle state into a Redis hash per device
type Shadow struct {
	client *redis.Client
	ttl    time.Duration
}

// NewShadow creates a shadow sink. The client is owned by the caller.
func NewShadow(client *redis.Client, ttl time.Duration) *Shadow {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Shadow{client: client, ttl: ttl}
}

// Name implements Sink
func (s *Shadow) Name() string { return "redis-shadow" }

// Deliver implements Sink
func (s *Shadow) Deliver(ctx context.Context, e broadcast.Event) error {
	fields := shadowFields(e)
	if len(fields) == 0 {
		return nil
	}
	key := ShadowKey(e.DeviceID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// Close implements Sink
func (s *Shadow) Close() error { return nil }

// shadowFields flattens an event into hash fields
func shadowFields(e broadcast.Event) map[string]any {
	fields := map[string]any{"ts": e.Timestamp.Unix()}
	switch {
	case e.Vehicle != nil:
		v := e.Vehicle
		fields["vehicle_id"] = v.VehicleID
		fields["status"] = v.Status
		fields["speed"] = strconv.FormatFloat(v.Speed, 'f', -1, 64)
		fields["moving"] = strconv.FormatBool(v.Moving)
		fields["online"] = strconv.FormatBool(v.Online)
		if loc := v.Location; loc != nil {
			fields["lat"] = strconv.FormatFloat(loc.Latitude, 'f', 6, 64)
			fields["lon"] = strconv.FormatFloat(loc.Longitude, 'f', 6, 64)
			fields["heading"] = strconv.FormatFloat(loc.Heading, 'f', -1, 64)
			fields["fix_ts"] = loc.Timestamp.Unix()
		}
	case e.Alert != nil:
		fields["alarm"] = string(e.Alert.Type)
		fields["alarm_severity"] = string(e.Alert.Severity)
		fields["alarm_ts"] = e.Alert.OccurredAt.Unix()
	default:
		return nil
	}
	return fields
}

// kv is the subset of Redis commands used by Presence
type kv interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type redisKV struct{ c *redis.Client }

func (r redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func (r redisKV) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

type presenceOp struct {
	kind     byte // 's'et, 'r'efresh, 'd'elete
	deviceID string
	value    string
}

// Presence keeps fms:sess:<device> keys alive while a device is connected.
// Its methods only enqueue; Run performs the Redis calls.
type Presence struct {
	store     kv
	gatewayID string
	ttl       time.Duration
	queue     chan presenceOp
	dropped   atomic.Uint64
	log       *logrus.Entry
}

// NewPresence creates a presence writer
func NewPresence(client *redis.Client, gatewayID string, ttl time.Duration, log *logrus.Entry) *Presence {
	return newPresence(redisKV{client}, gatewayID, ttl, 1024, log)
}

func newPresence(store kv, gatewayID string, ttl time.Duration, queueSize int, log *logrus.Entry) *Presence {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Presence{
		store:     store,
		gatewayID: gatewayID,
		ttl:       ttl,
		queue:     make(chan presenceOp, queueSize),
		log:       log.WithField("component", "presence"),
	}
}

// Online records the device as served by this gateway
func (p *Presence) Online(info session.DeviceInfo) {
	p.enqueue(presenceOp{
		kind:     's',
		deviceID: info.DeviceID,
		value:    fmt.Sprintf("%s:%s:%s", p.gatewayID, info.SessionID, info.Remote),
	})
}

// Refresh extends the key TTL
func (p *Presence) Refresh(deviceID string) {
	p.enqueue(presenceOp{kind: 'r', deviceID: deviceID})
}

// Offline removes the key
func (p *Presence) Offline(deviceID string) {
	p.enqueue(presenceOp{kind: 'd', deviceID: deviceID})
}

// Dropped returns the number of updates discarded on a full queue
func (p *Presence) Dropped() uint64 { return p.dropped.Load() }

func (p *Presence) enqueue(op presenceOp) {
	select {
	case p.queue <- op:
	default:
		p.dropped.Add(1)
	}
}

// Run applies queued updates until ctx is done
func (p *Presence) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-p.queue:
			if err := p.apply(ctx, op); err != nil {
				p.log.WithFields(logrus.Fields{
					"device_id": op.deviceID,
					"error":     err,
				}).Warn("Failed to update session key")
			}
		}
	}
}

func (p *Presence) apply(ctx context.Context, op presenceOp) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := SessionKey(op.deviceID)
	switch op.kind {
	case 's':
		return p.store.Set(ctx, key, op.value, p.ttl)
	case 'r':
		return p.store.Expire(ctx, key, p.ttl)
	case 'd':
		return p.store.Del(ctx, key)
	}
	return nil
}
