// Package bridge is the WebSocket boundary between the core and the chat
// collaborator.
//
// Outbound it broadcasts BridgeEvents (signals, intent updates, leaderboard
// snapshots) to every connected client; inbound it accepts JSON commands
// (follow management, leaderboard queries, and — for admin user IDs only —
// execution mode and emergency stop changes). Slow clients never stall the
// core: each connection has a bounded send queue and is dropped when it
// falls behind.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/execgate"
	"github.com/ChicoPanama/Vanta-Bot-sub001/pkg/types"
)

const (
	sendQueueSize  = 256
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxCommandSize = 64 * 1024
)

// Command is one inbound chat message.
type Command struct {
	Type   string          `json:"type"`
	UserID int64           `json:"user_id"`
	Mode   string          `json:"mode,omitempty"`
	From   string          `json:"from,omitempty"`
	On     bool            `json:"on,omitempty"`
	Trader string          `json:"trader,omitempty"`
	Count  int             `json:"count,omitempty"`
	Follow json.RawMessage `json:"follow,omitempty"`
}

// Handlers are the core operations the bridge exposes to chat.
type Handlers struct {
	SetMode          func(from, to types.ExecMode) error
	SetEmergencyStop func(on bool) error
	UpsertFollow     func(cfg types.FollowConfig) error
	Unfollow         func(userID int64, trader common.Address) error
	Leaderboard      func(n int) ([]types.LeaderboardEntry, error)
	Follows          func(userID int64) ([]types.FollowConfig, error)
}

// Bridge is the hub plus the HTTP server hosting the /ws endpoint.
type Bridge struct {
	cfg      config.BridgeConfig
	handlers Handlers
	chatRate *execgate.TokenBucket
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates the bridge.
func New(cfg config.BridgeConfig, handlers Handlers, chatPerMinute float64, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		handlers: handlers,
		chatRate: execgate.NewTokenBucket(chatPerMinute, time.Minute),
		logger:   logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]bool),
	}
}

// Run serves the WebSocket endpoint until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", b.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errc <- err
		}
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		b.closeAll()
		return ctx.Err()
	}
}

// Publish broadcasts one event to every connected client. Never blocks; a
// client with a full queue is disconnected.
func (b *Bridge) Publish(ev types.BridgeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			b.logger.Warn("dropping slow bridge client")
			delete(b.clients, c)
			close(c.send)
		}
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	go b.writeLoop(c)
	b.readLoop(c)
}

func (b *Bridge) writeLoop(c *client) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.Close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (b *Bridge) readLoop(c *client) {
	defer func() {
		b.mu.Lock()
		if b.clients[c] {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxCommandSize)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			b.reply(c, cmd, fmt.Errorf("bad command: %w", err))
			continue
		}
		if !b.chatRate.Allow(fmt.Sprintf("%d", cmd.UserID)) {
			b.reply(c, cmd, fmt.Errorf("rate limited"))
			continue
		}
		b.reply(c, cmd, b.dispatch(c, cmd))
	}
}

// dispatch routes one command. Mode and emergency stop require an admin
// user ID.
func (b *Bridge) dispatch(c *client, cmd Command) error {
	switch cmd.Type {
	case "set_mode":
		if !b.isAdmin(cmd.UserID) {
			return fmt.Errorf("user %d is not an admin", cmd.UserID)
		}
		return b.handlers.SetMode(types.ExecMode(cmd.From), types.ExecMode(cmd.Mode))

	case "emergency_stop":
		if !b.isAdmin(cmd.UserID) {
			return fmt.Errorf("user %d is not an admin", cmd.UserID)
		}
		return b.handlers.SetEmergencyStop(cmd.On)

	case "follow":
		var cfg types.FollowConfig
		if err := json.Unmarshal(cmd.Follow, &cfg); err != nil {
			return fmt.Errorf("bad follow config: %w", err)
		}
		cfg.UserID = cmd.UserID
		return b.handlers.UpsertFollow(cfg)

	case "unfollow":
		return b.handlers.Unfollow(cmd.UserID, common.HexToAddress(cmd.Trader))

	case "follows":
		follows, err := b.handlers.Follows(cmd.UserID)
		if err != nil {
			return err
		}
		b.send(c, map[string]any{"type": "follows", "user_id": cmd.UserID, "follows": follows})
		return nil

	case "leaderboard":
		n := cmd.Count
		if n <= 0 || n > 100 {
			n = 10
		}
		entries, err := b.handlers.Leaderboard(n)
		if err != nil {
			return err
		}
		b.sendEvent(c, types.BridgeEvent{
			Type:      "leaderboard",
			Timestamp: time.Now(),
			UserID:    cmd.UserID,
			Entries:   entries,
		})
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func (b *Bridge) reply(c *client, cmd Command, err error) {
	resp := map[string]any{"type": "ack", "command": cmd.Type, "ok": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	b.send(c, resp)
}

func (b *Bridge) send(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (b *Bridge) sendEvent(c *client, ev types.BridgeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (b *Bridge) isAdmin(userID int64) bool {
	for _, id := range b.cfg.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		close(c.send)
		delete(b.clients, c)
	}
}
