package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/adapter"
	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/config"
	"fleetwatch/gateway/internal/ingest"
	"fleetwatch/gateway/internal/logging"
	"fleetwatch/gateway/internal/server"
	"fleetwatch/gateway/internal/session"
	"fleetwatch/gateway/internal/sink"
	"fleetwatch/gateway/internal/stats"
	"fleetwatch/gateway/internal/vehicle"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	log := logging.Component(logger, "gateway").WithField("gateway_id", cfg.Gateway.ID)
	log.WithField("version", cfg.Gateway.Version).Info("Starting gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup
	spawn := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}

	policy, _ := broadcast.ParsePolicy(cfg.Broadcast.Overflow)
	broadcaster := broadcast.New(policy, cfg.Broadcast.BufferSize)

	projector := vehicle.NewProjector(vehicle.Options{
		MovingThreshold:  cfg.Projector.MovingSpeedThreshold,
		NotifyDuplicates: cfg.Broadcast.NotifyDuplicateFixes,
		Roster:           cfg.Fleet.Vehicles,
	}, broadcaster)

	var pipeline *ingest.Pipeline
	registry := session.NewRegistry(session.Options{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		StaleGrace:       cfg.Session.StaleGrace,
		LoginTimeout:     cfg.Session.LoginTimeout,
		WriteTimeout:     cfg.Session.WriteTimeout,
		OnDisconnect: func(info session.DeviceInfo, reason session.CloseReason) {
			pipeline.DeviceDisconnected(info, reason)
		},
	})

	agg := stats.New(stats.Options{
		Window: cfg.Stats.Window,
		Health: stats.Thresholds{
			MinSamples:             cfg.Health.MinSamples,
			DegradedErrorRate:      cfg.Health.DegradedErrorRate,
			UnhealthyErrorRate:     cfg.Health.UnhealthyErrorRate,
			DegradedConnectionDrop: cfg.Health.DegradedConnectionDrop,
		},
		Service: cfg.Gateway.Name,
		Version: cfg.Gateway.Version,
	}, registry)
	spawn(func() { agg.Run(ctx) })

	var sinks []sink.Sink
	pipeOpts := ingest.Options{Logger: logging.Component(logger, "ingest")}

	// Redis: session presence and device shadows
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		log.Info("Connected to Redis")

		presence := sink.NewPresence(redisClient, cfg.Gateway.ID, cfg.Redis.SessionTTL, logging.Component(logger, "presence"))
		spawn(func() { presence.Run(ctx) })
		pipeOpts.Presence = presence
		sinks = append(sinks, sink.NewShadow(redisClient, cfg.Redis.ShadowTTL))
	}

	// NATS: event fan-out and the command downlink
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Gateway.Name+"-"+cfg.Gateway.ID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.WithError(err).Warn("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		log.Info("Connected to NATS")
		sinks = append(sinks, sink.NewNATS(natsConn, cfg.NATS.SubjectPrefix))
	}

	if cfg.Kafka.Brokers != "" {
		sinks = append(sinks, sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		log.WithField("topic", cfg.Kafka.Topic).Info("Kafka sink enabled")
	}

	if cfg.AMQP.URL != "" {
		rabbit := sink.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, logging.Component(logger, "amqp"))
		rabbit.Start()
		sinks = append(sinks, rabbit)
	}

	pipeline = ingest.New(registry, projector, agg, pipeOpts)

	var sinkWG sync.WaitGroup
	for _, s := range sinks {
		s := s
		sub := broadcaster.Subscribe(s.Name(), 0)
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			sink.Run(ctx, sub, s, logging.Component(logger, "sink"))
		}()
	}

	hub := server.NewWSHub(broadcaster.Subscribe("ws", 0), logging.Component(logger, "http"))
	spawn(func() { hub.Run(ctx) })

	tcpServer := server.NewTCPServer(server.Options{
		GatewayID:     cfg.Gateway.ID,
		Listen:        cfg.Gateway.Listen,
		MaxFrameSize:  cfg.Decoder.MaxFrameSize,
		ReadTimeout:   cfg.Session.HeartbeatTimeout + cfg.Session.StaleGrace + cfg.Session.SweepInterval,
		SweepInterval: cfg.Session.SweepInterval,
	}, registry, pipeline, agg, adapter.NewDetector(), logging.Component(logger, "tcp"))
	if err := tcpServer.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start TCP server")
	}

	var downlink *server.Downlink
	if natsConn != nil {
		downlink = server.NewDownlink(tcpServer, logging.Component(logger, "downlink"))
		if err := downlink.Start(natsConn, server.DownlinkSubject(cfg.NATS.SubjectPrefix, cfg.Gateway.ID)); err != nil {
			log.WithError(err).Fatal("Failed to start downlink")
		}
	}

	api := server.NewAPI(server.APIDeps{
		Registry:    registry,
		Projector:   projector,
		Stats:       agg,
		Broadcaster: broadcaster,
		Listener:    tcpServer,
		Commander:   tcpServer,
		Hub:         hub,
		GatewayID:   cfg.Gateway.ID,
		Logger:      logging.Component(logger, "http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	log.WithFields(logrus.Fields{
		"tcp":   cfg.Gateway.Listen,
		"http":  cfg.HTTP.Listen,
		"sinks": sinkNames(sinks),
	}).Info("Gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutting down")

	if downlink != nil {
		downlink.Stop()
	}
	tcpServer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}

	// Closing the broadcaster lets every sink drain its queue and return.
	broadcaster.Close()
	sinkWG.Wait()
	cancel()
	workers.Wait()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.WithError(err).WithField("sink", s.Name()).Warn("Failed to close sink")
		}
	}
	if natsConn != nil {
		natsConn.Drain()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Info("Gateway stopped")
}

// connectRedis accepts host:port or a redis:// URL
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts := &redis.Options{Addr: url}
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func sinkNames(sinks []sink.Sink) []string {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return names
}
