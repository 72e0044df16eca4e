package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionLost is delivered to every joined channel when the socket drops.
var ErrConnectionLost = errors.New("realtime: connection lost")

// RealtimeClient handles Supabase Realtime subscriptions over one websocket.
type RealtimeClient struct {
	mu        sync.RWMutex
	writeMu   sync.Mutex
	url       string
	conn      *websocket.Conn
	channels  map[string]*Channel
	done      chan struct{}
	ref       int
	heartbeat time.Duration
}

// EventHandler handles realtime events.
type EventHandler func(event *RealtimeEvent)

// ErrorHandler receives a channel's terminal error.
type ErrorHandler func(err error)

// RealtimeEvent is one Phoenix message.
type RealtimeEvent struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// ChangeType returns INSERT, UPDATE or DELETE for a postgres_changes event.
func (e *RealtimeEvent) ChangeType() string {
	var p struct {
		Data struct {
			Type string `json:"type"`
		} `json:"data"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	if p.Data.Type != "" {
		return p.Data.Type
	}
	return p.Type
}

// Channel is one joined topic.
type Channel struct {
	client  *RealtimeClient
	topic   string
	config  PostgresChangesConfig
	joined  bool
	joinRef string
	onEvent EventHandler
	onError ErrorHandler
}

// NewRealtimeClient creates a new realtime client.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + wsURL[5:]
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &RealtimeClient{
		url:       wsURL,
		channels:  make(map[string]*Channel),
		done:      make(chan struct{}),
		heartbeat: 30 * time.Second,
	}
}

// SetHeartbeat overrides the heartbeat interval. Must be called before Connect.
func (r *RealtimeClient) SetHeartbeat(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.heartbeat = d
	}
}

// Connect establishes the WebSocket connection.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})

	go r.handleMessages(conn, r.done)
	go r.keepAlive(r.done, r.heartbeat)

	return nil
}

// Connected reports whether a socket is open.
func (r *RealtimeClient) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil
}

// Disconnect closes the WebSocket connection. Joined channels receive no error.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	close(r.done)
	r.channels = make(map[string]*Channel)

	r.writeMu.Lock()
	err := r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()

	r.conn.Close()
	r.conn = nil
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

func (r *RealtimeClient) nextRef() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) write(conn *websocket.Conn, msg any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// =============================================================================
// Postgres Changes Subscription
// =============================================================================

// PostgresChangesConfig configures postgres changes subscription.
type PostgresChangesConfig struct {
	Event  string // INSERT, UPDATE, DELETE, *
	Schema string
	Table  string
	Filter string // Optional filter like "user_id=eq.42"
}

// SubscribeToPostgresChanges joins a channel for row changes on one table. onEvent runs on
// the socket reader goroutine in arrival order; onError is called at most once.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, onEvent EventHandler, onError ErrorHandler) (*Channel, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil, fmt.Errorf("realtime: not connected")
	}

	topic := fmt.Sprintf("realtime:%s:%s", cfg.Schema, cfg.Table)
	if cfg.Filter != "" {
		topic += ":" + cfg.Filter
	}
	// Two detectors may watch the same table and filter; keep their topics apart.
	topic += ":" + r.nextRef()

	ch := &Channel{
		client:  r,
		topic:   topic,
		config:  cfg,
		onEvent: onEvent,
		onError: onError,
	}

	ref := r.nextRef()
	change := map[string]any{"event": cfg.Event, "schema": cfg.Schema, "table": cfg.Table}
	if cfg.Filter != "" {
		change["filter"] = cfg.Filter
	}
	msg := map[string]any{
		"topic": topic,
		"event": "phx_join",
		"payload": map[string]any{
			"config": map[string]any{
				"postgres_changes": []any{change},
			},
		},
		"ref":      ref,
		"join_ref": ref,
	}
	if err := r.write(r.conn, msg); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}

	ch.joined = true
	ch.joinRef = ref
	r.channels[topic] = ch
	return ch, nil
}

// Topic returns the channel topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Unsubscribe leaves the channel. No handler runs afterwards.
func (c *Channel) Unsubscribe() error {
	r := c.client
	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.joined {
		return nil
	}
	c.joined = false
	delete(r.channels, c.topic)

	if r.conn == nil {
		return nil
	}
	msg := map[string]any{
		"topic":    c.topic,
		"event":    "phx_leave",
		"payload":  map[string]any{},
		"ref":      r.nextRef(),
		"join_ref": c.joinRef,
	}
	if err := r.write(r.conn, msg); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// =============================================================================
// Socket Loop
// =============================================================================

func (r *RealtimeClient) handleMessages(conn *websocket.Conn, done chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				r.dropConnection(conn)
			}
			return
		}

		var event RealtimeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		r.dispatchEvent(&event)
	}
}

func (r *RealtimeClient) dispatchEvent(event *RealtimeEvent) {
	r.mu.RLock()
	ch, ok := r.channels[event.Topic]
	r.mu.RUnlock()
	if !ok {
		return
	}

	switch event.Event {
	case "postgres_changes":
		if ch.onEvent != nil {
			ch.onEvent(event)
		}
	case "phx_reply", "system":
		if msg, failed := replyError(event.Payload); failed {
			ch.fail(fmt.Errorf("realtime %s: %s", ch.config.Table, msg))
		}
	case "phx_error", "phx_close":
		ch.fail(fmt.Errorf("realtime %s: channel %s", ch.config.Table, strings.TrimPrefix(event.Event, "phx_")))
	}
}

func replyError(payload json.RawMessage) (string, bool) {
	var p struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Response struct {
			Reason string `json:"reason"`
		} `json:"response"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Status != "error" {
		return "", false
	}
	if p.Response.Reason != "" {
		return p.Response.Reason, true
	}
	if p.Message != "" {
		return p.Message, true
	}
	return "join refused", true
}

func (c *Channel) fail(err error) {
	r := c.client
	r.mu.Lock()
	if !c.joined {
		r.mu.Unlock()
		return
	}
	c.joined = false
	delete(r.channels, c.topic)
	r.mu.Unlock()

	if c.onError != nil {
		c.onError(err)
	}
}

func (r *RealtimeClient) dropConnection(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	close(r.done)
	r.conn = nil
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()
	conn.Close()

	for _, ch := range channels {
		ch.fail(ErrConnectionLost)
	}
}

func (r *RealtimeClient) keepAlive(done chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			conn := r.conn
			ref := r.nextRef()
			r.mu.Unlock()
			if conn == nil {
				return
			}
			msg := map[string]any{
				"topic":   "phoenix",
				"event":   "heartbeat",
				"payload": map[string]any{},
				"ref":     ref,
			}
			if err := r.write(conn, msg); err != nil {
				return
			}
		}
	}
}
