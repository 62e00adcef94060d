package api

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/miio-bridge/internal/auth"
	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
	"github.com/nerrad567/miio-bridge/internal/device"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/config"
	"github.com/nerrad567/miio-bridge/internal/infrastructure/logging"
)

// Frame types on the event socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels a client can subscribe to.
const (
	ChannelCapability   = "capability.changed"
	ChannelTrigger      = "trigger.fired"
	ChannelAvailability = "availability.changed"
)

var knownChannels = map[string]struct{}{
	ChannelCapability:   {},
	ChannelTrigger:      {},
	ChannelAvailability: {},
}

const (
	// outboxSize bounds queued frames per client; a slow reader drops events.
	outboxSize = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, the devices whose
// events the client wants. An empty Devices list means every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// Hub fans device store changes out to connected dashboards.
// It implements device.Observer and is registered with the registry at
// startup.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

var _ device.Observer = (*Hub)(nil)

// wsClient is one live socket. The outbox is closed exactly once, by
// whichever of detach or closeAll removes the client from the hub.
type wsClient struct {
	hub       *Hub
	conn      *websocket.Conn
	principal auth.Principal

	mu       sync.RWMutex
	outbox   chan []byte
	closed   bool
	channels map[string]struct{}
	devices  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware already vetted the origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub returns an empty hub. A nil logger discards output.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled and then drops every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) attach(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "subject", c.principal.Subject, "clients", n)
}

func (h *Hub) detach(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.shutdown()
		h.logger.Debug("websocket client disconnected", "subject", c.principal.Subject, "clients", n)
	}
}

// Broadcast queues an event for every client subscribed to channel whose
// device filter admits deviceID.
func (h *Hub) Broadcast(channel, deviceID string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "device_id", deviceID, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.wants(channel, deviceID) && c.enqueue(frame) {
			delivered++
		}
	}
	if delivered > 0 {
		h.logger.Debug("websocket event delivered", "channel", channel, "device_id", deviceID, "recipients", delivered)
	}
}

// CapabilityChanged implements device.Observer.
func (h *Hub) CapabilityChanged(_ context.Context, change device.CapabilityChange) {
	h.Broadcast(ChannelCapability, change.DeviceID, miio.CapabilityMessage{
		DeviceID:   change.DeviceID,
		Capability: change.Capability,
		Value:      change.Value,
		Previous:   change.Previous,
		Source:     string(change.Source),
		Timestamp:  change.At.UTC(),
	})
}

// TriggerFired implements device.Observer.
func (h *Hub) TriggerFired(_ context.Context, event device.TriggerEvent) {
	h.Broadcast(ChannelTrigger, event.DeviceID, miio.TriggerMessage{
		ID:        event.ID,
		DeviceID:  event.DeviceID,
		Trigger:   event.Trigger,
		Tokens:    event.Tokens,
		Timestamp: event.At.UTC(),
	})
}

// AvailabilityChanged implements device.Observer.
func (h *Hub) AvailabilityChanged(_ context.Context, change device.AvailabilityChange) {
	h.Broadcast(ChannelAvailability, change.DeviceID, miio.AvailabilityMessage{
		DeviceID:  change.DeviceID,
		Available: change.Available,
		Reason:    change.Reason,
		Timestamp: change.At.UTC(),
	})
}

// ClientCount reports how many sockets are attached.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.shutdown()
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // shutting down
		}
	}
}

// handleWebSocket upgrades to the event socket. Browsers present a ticket
// from POST /auth/ws-ticket in the query string; other clients may send the
// usual Authorization or X-API-Key header instead.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var principal auth.Principal
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		p, ok := s.tickets.consume(ticket)
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
		principal = p
	} else {
		p, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		principal = p
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "subject", principal.Subject, "error", err)
		return
	}

	c := &wsClient{
		hub:       s.hub,
		conn:      conn,
		principal: principal,
		outbox:    make(chan []byte, outboxSize),
		channels:  make(map[string]struct{}),
		devices:   make(map[string]struct{}),
	}
	s.hub.attach(c)

	k := keepaliveFrom(s.wsCfg)
	go c.writeLoop(k)
	go c.readLoop(k)
}

// keepalive holds the resolved socket limits.
type keepalive struct {
	readLimit int64
	ping      time.Duration
	pongWait  time.Duration
}

func keepaliveFrom(cfg config.WebSocketConfig) keepalive {
	k := keepalive{
		readLimit: int64(cfg.MaxMessageSize),
		ping:      time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
	}
	if k.readLimit <= 0 {
		k.readLimit = defaultWSMaxMessageSize
	}
	if k.ping <= 0 {
		k.ping = defaultWSPingInterval
	}
	if k.pongWait <= 0 {
		k.pongWait = defaultWSPongTimeout
	}
	return k
}

func (k keepalive) readDeadline() time.Time {
	return time.Now().Add(k.ping + k.pongWait)
}

func (c *wsClient) readLoop(k keepalive) {
	defer func() {
		c.hub.detach(c)
		c.conn.Close() //nolint:errcheck // already disconnecting
	}()

	c.conn.SetReadLimit(k.readLimit)
	c.conn.SetReadDeadline(k.readDeadline()) //nolint:errcheck // failure surfaces on the next read
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(k.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "subject", c.principal.Subject, "error", err)
			}
			return
		}
		// Any inbound frame proves the peer is alive.
		c.conn.SetReadDeadline(k.readDeadline()) //nolint:errcheck // failure surfaces on the next read
		c.handle(data)
	}
}

func (c *wsClient) writeLoop(k keepalive) {
	ping := time.NewTicker(k.ping)
	defer func() {
		ping.Stop()
		c.conn.Close() //nolint:errcheck // already disconnecting
	}()

	for {
		select {
		case frame, ok := <-c.outbox:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // peer may be gone
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(k.pongWait)) //nolint:errcheck // write below reports it
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(k.pongWait)) //nolint:errcheck // write below reports it
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg, true)
	case WSTypeUnsubscribe:
		c.subscribe(msg, false)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

// subscribe adds (or removes) the channels and device filters in msg.
// Unknown channels reject the whole request.
func (c *wsClient) subscribe(msg WSMessage, add bool) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.reply(msg.ID, WSTypeError, errorPayload("invalid payload"))
		return
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		c.reply(msg.ID, WSTypeError, errorPayload("invalid subscription payload"))
		return
	}
	for _, ch := range sub.Channels {
		if _, ok := knownChannels[ch]; !ok {
			c.reply(msg.ID, WSTypeError, errorPayload("unknown channel "+ch+"; expected one of "+channelList()))
			return
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if add {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	for _, id := range sub.Devices {
		if add {
			c.devices[id] = struct{}{}
		} else {
			delete(c.devices, id)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
	}
	c.hub.logger.Debug("websocket subscription changed",
		"subject", c.principal.Subject,
		key, sub.Channels,
		"devices", sub.Devices,
	)
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels, "devices": sub.Devices})
}

func (c *wsClient) wants(channel, deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// enqueue hands a frame to the write loop without blocking. It reports
// false when the client is gone or its outbox is full.
func (c *wsClient) enqueue(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}

func (c *wsClient) reply(id, frameType string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      frameType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

func channelList() string {
	return strings.Join(slices.Sorted(maps.Keys(knownChannels)), ", ")
}
