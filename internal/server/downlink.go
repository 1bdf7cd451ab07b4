package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/protocol"
)

// DownlinkSubject is the subject a gateway receives commands on
func DownlinkSubject(prefix, gatewayID string) string {
	if prefix == "" {
		prefix = "fms"
	}
	return fmt.Sprintf("%s.downlink.%s", prefix, gatewayID)
}

// Downlink consumes device commands published for this gateway over NATS.
// Requests carrying a reply subject get a Response back.
type Downlink struct {
	commander Commander
	log       *logrus.Entry
	sub       *nats.Subscription
}

// NewDownlink creates a downlink consumer
func NewDownlink(commander Commander, log *logrus.Entry) *Downlink {
	return &Downlink{commander: commander, log: log.WithField("component", "downlink")}
}

// Start subscribes to subject on nc
func (d *Downlink) Start(nc *nats.Conn, subject string) error {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := d.handle(msg.Data)
		if msg.Reply == "" {
			return
		}
		reply.Timestamp = time.Now()
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			d.log.WithError(err).Warn("Failed to respond to command")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to downlink: %w", err)
	}
	d.sub = sub
	d.log.WithField("subject", subject).Info("Downlink consumer started")
	return nil
}

// Stop unsubscribes
func (d *Downlink) Stop() {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
}

func (d *Downlink) handle(data []byte) Response {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.log.WithError(err).Warn("Failed to unmarshal command")
		return Response{Error: err.Error()}
	}
	if req.DeviceID == "" || req.Type == "" {
		return Response{Error: "device_id and type are required"}
	}

	cmd := protocol.Command{Type: strings.ToUpper(req.Type), Params: req.Params}
	if err := d.commander.SendCommand(req.DeviceID, cmd); err != nil {
		d.log.WithFields(logrus.Fields{
			"device_id": req.DeviceID,
			"type":      cmd.Type,
			"error":     err,
		}).Warn("Failed to send command")
		return Response{Error: err.Error()}
	}
	return Response{Success: true, Data: map[string]string{"status": "sent", "device_id": req.DeviceID}}
}
