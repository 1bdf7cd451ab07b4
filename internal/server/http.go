package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fleetwatch/gateway/internal/broadcast"
	"fleetwatch/gateway/internal/protocol"
	"fleetwatch/gateway/internal/session"
	"fleetwatch/gateway/internal/stats"
	"fleetwatch/gateway/internal/vehicle"
)

// Response is the envelope of every management API reply
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandRequest is the body of POST /api/v1/commands and of downlink
// messages.
type CommandRequest struct {
	DeviceID string            `json:"device_id" binding:"required"`
	Type     string            `json:"type" binding:"required"`
	Params   map[string]string `json:"params"`
}

// Commander delivers downlink commands
type Commander interface {
	SendCommand(deviceID string, cmd protocol.Command) error
}

// ListenerStater reports the TCP listener state
type ListenerStater interface {
	State() stats.ListenerState
}

// API serves the management HTTP endpoints
type API struct {
	registry    *session.Registry
	projector   *vehicle.Projector
	stats       *stats.Aggregator
	broadcaster *broadcast.Broadcaster
	listener    ListenerStater
	commander   Commander
	hub         *WSHub
	gatewayID   string
	log         *logrus.Entry
	now         func() time.Time
}

// APIDeps groups the components the API reads from
type APIDeps struct {
	Registry    *session.Registry
	Projector   *vehicle.Projector
	Stats       *stats.Aggregator
	Broadcaster *broadcast.Broadcaster
	Listener    ListenerStater
	Commander   Commander
	Hub         *WSHub
	GatewayID   string
	Logger      *logrus.Entry
}

// NewAPI creates the management API
func NewAPI(d APIDeps) *API {
	return &API{
		registry:    d.Registry,
		projector:   d.Projector,
		stats:       d.Stats,
		broadcaster: d.Broadcaster,
		listener:    d.Listener,
		commander:   d.Commander,
		hub:         d.Hub,
		gatewayID:   d.GatewayID,
		log:         d.Logger.WithField("component", "http"),
		now:         time.Now,
	}
}

// Router builds the gin engine
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/health", a.health)
	if a.hub != nil {
		r.GET("/ws", a.hub.Handle)
	}

	v1 := r.Group("/api/v1")
	v1.GET("/stats", a.getStats)
	v1.GET("/sessions", a.listSessions)
	v1.GET("/devices", a.listDevices)
	v1.GET("/devices/:id", a.getDevice)
	v1.GET("/vehicles", a.listVehicles)
	v1.GET("/vehicles/:id", a.getVehicle)
	v1.POST("/commands", a.sendCommand)
	return r
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}

func (a *API) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Timestamp: a.now()})
}

func (a *API) fail(c *gin.Context, status int, err error) {
	c.JSON(status, Response{Success: false, Error: err.Error(), Timestamp: a.now()})
}

func (a *API) listenerState() stats.ListenerState {
	if a.listener == nil {
		return stats.ListenerListening
	}
	return a.listener.State()
}

// health reports the service verdict. Unhealthy answers 503 so load
// balancers can act on the status code alone.
func (a *API) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	h, err := a.stats.Health(ctx, a.listenerState())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, stats.Health{
			Status:    stats.StatusUnhealthy,
			Timestamp: a.now(),
			Ingestion: stats.IngestionSummary{ConnectionStatus: stats.ConnError},
		})
		return
	}
	status := http.StatusOK
	if h.Status == stats.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// StatsView is the payload of GET /api/v1/stats
type StatsView struct {
	GatewayID string                      `json:"gateway_id"`
	Stats     stats.Snapshot              `json:"stats"`
	Broadcast []broadcast.SubscriberStats `json:"broadcast,omitempty"`
	Published uint64                      `json:"events_published"`
	WSClients int                         `json:"ws_clients"`
	Listener  stats.ListenerState         `json:"listener"`
}

func (a *API) getStats(c *gin.Context) {
	snap, err := a.stats.Snapshot(c.Request.Context())
	if err != nil {
		a.fail(c, http.StatusServiceUnavailable, err)
		return
	}
	view := StatsView{
		GatewayID: a.gatewayID,
		Stats:     snap,
		Listener:  a.listenerState(),
	}
	if a.broadcaster != nil {
		view.Broadcast = a.broadcaster.Stats()
		view.Published = a.broadcaster.Published()
	}
	if a.hub != nil {
		view.WSClients = a.hub.ClientCount()
	}
	a.ok(c, view)
}

func (a *API) listSessions(c *gin.Context) {
	a.ok(c, a.registry.Sessions())
}

func (a *API) listDevices(c *gin.Context) {
	devices := a.registry.Devices()
	if status := c.Query("status"); status != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if string(d.Status) == status {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	a.ok(c, devices)
}

func (a *API) getDevice(c *gin.Context) {
	d, ok := a.registry.Device(c.Param("id"))
	if !ok {
		a.fail(c, http.StatusNotFound, errors.New("device not found"))
		return
	}
	a.ok(c, d)
}

func (a *API) listVehicles(c *gin.Context) {
	a.ok(c, a.projector.Vehicles())
}

func (a *API) getVehicle(c *gin.Context) {
	v, ok := a.projector.Vehicle(c.Param("id"))
	if !ok {
		a.fail(c, http.StatusNotFound, errors.New("vehicle not found"))
		return
	}
	a.ok(c, v)
}

func (a *API) sendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, http.StatusBadRequest, err)
		return
	}
	if a.commander == nil {
		a.fail(c, http.StatusServiceUnavailable, errors.New("downlink disabled"))
		return
	}

	cmd := protocol.Command{Type: strings.ToUpper(req.Type), Params: req.Params}
	if err := a.commander.SendCommand(req.DeviceID, cmd); err != nil {
		a.fail(c, commandStatus(err), err)
		return
	}
	a.ok(c, gin.H{"status": "sent", "device_id": req.DeviceID})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotBound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
