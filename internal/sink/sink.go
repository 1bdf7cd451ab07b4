// Package sink forwards broadcast events to external systems. Each sink
// drains its own broadcaster subscription, so a slow or unreachable
// backend only loses its own events.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/broadcast"
)

// Sink delivers one event to an external system
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e broadcast.Event) error
	Close() error
}

// Run drains sub into s until ctx is done or the subscription is closed.
// Delivery errors are logged and the event is dropped.
func Run(ctx context.Context, sub *broadcast.Subscription, s Sink, log *logrus.Entry) {
	log = log.WithField("sink", s.Name())
	log.Info("Sink started")
	defer log.Info("Sink stopped")

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.Deliver(ctx, e); err != nil {
				failures++
				// Log the first failure and then every 100th to avoid flooding.
				if failures == 1 || failures%100 == 0 {
					log.WithFields(logrus.Fields{
						"device_id": e.DeviceID,
						"type":      e.Type,
						"failures":  failures,
						"error":     err,
					}).Warn("Failed to deliver event")
				}
			}
		}
	}
}

// encode renders an event as JSON
func encode(e broadcast.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return data, nil
}

// routingKey returns vehicle.<device> for updates and alert.<type> for
// alerts. Dots inside identifiers are replaced so they stay one token.
func routingKey(e broadcast.Event) string {
	switch e.Type {
	case broadcast.EventAlertRaised:
		t := "other"
		if e.Alert != nil {
			t = strings.ToLower(string(e.Alert.Type))
		}
		return "alert." + token(t)
	default:
		return "vehicle." + token(e.DeviceID)
	}
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
