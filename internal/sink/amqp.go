package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/broadcast"
)

// ErrNotReady is returned while the broker connection is down
var ErrNotReady = errors.New("amqp connection not ready")

const amqpRetryDelay = 5 * time.Second

// AMQP publishes events to a durable direct exchange using the routing
// keys vehicle.<device> and alert.<type>. A background loop redials after
// the connection drops; events delivered meanwhile fail with ErrNotReady.
type AMQP struct {
	url      string
	exchange string
	log      *logrus.Entry

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	ready   bool

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewAMQP creates an AMQP sink. Call Start to connect.
func NewAMQP(url, exchange string, log *logrus.Entry) *AMQP {
	if exchange == "" {
		exchange = "fleet_events"
	}
	return &AMQP{
		url:      url,
		exchange: exchange,
		log:      log.WithField("sink", "amqp"),
		done:     make(chan struct{}),
	}
}

// Name implements Sink
func (a *AMQP) Name() string { return "amqp" }

// Start launches the connect loop and returns without waiting for the
// first connection.
func (a *AMQP) Start() {
	a.wg.Add(1)
	go a.handleReconnect()
}

func (a *AMQP) handleReconnect() {
	defer a.wg.Done()

	for {
		a.setReady(false)

		closed, err := a.connect()
		if err != nil {
			a.log.WithError(err).Warn("Failed to connect to broker, retrying")
			select {
			case <-a.done:
				return
			case <-time.After(amqpRetryDelay):
				continue
			}
		}

		a.setReady(true)
		a.log.WithField("exchange", a.exchange).Info("Connected to broker")

		select {
		case err := <-closed:
			a.log.WithField("error", err).Warn("Broker connection closed")
		case <-a.done:
			return
		}
	}
}

func (a *AMQP) connect() (chan *amqp.Error, error) {
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(a.exchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	a.mu.Lock()
	a.conn = conn
	a.channel = ch
	a.mu.Unlock()

	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (a *AMQP) setReady(ready bool) {
	a.mu.Lock()
	a.ready = ready
	a.mu.Unlock()
}

// Ready reports whether the broker connection is up
func (a *AMQP) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Deliver implements Sink
func (a *AMQP) Deliver(ctx context.Context, e broadcast.Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready || a.channel == nil {
		return ErrNotReady
	}
	return a.channel.PublishWithContext(ctx, a.exchange, routingKey(e), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Timestamp,
		Type:         string(e.Type),
	})
}

// Close stops the reconnect loop and closes the connection
func (a *AMQP) Close() error {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = false
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
