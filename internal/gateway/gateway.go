// Package gateway owns the client WebSocket connections. Each connection has
// one reader goroutine, which also runs command handlers and owns the
// connection's subscriptions, and one writer goroutine draining its bus
// queue.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/auth"
	"github.com/petervdpas/agora/internal/bus"
	"github.com/petervdpas/agora/internal/call"
	"github.com/petervdpas/agora/internal/config"
	"github.com/petervdpas/agora/internal/presence"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/telemetry"
)

var log = logging.Logger("agora/gateway")

// Store is the persistence the gateway needs. A nil Store disables message
// persistence, acks and replay.
type Store interface {
	SaveMessage(ctx context.Context, m *proto.ChatMessage) error
	MarkDelivered(ctx context.Context, id string) error
	MarkNotificationRead(ctx context.Context, id, userID string) error
	EventsSince(ctx context.Context, targets []proto.Target, sinceID string, limit int) ([]proto.Event, error)
}

type Options struct {
	QueueSize       int
	AuthTimeout     time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	OfflineGrace    time.Duration
	ReplayLimit     int
	AllowedOrigins  []string
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

func OptionsFromConfig(cfg config.Config) Options {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Options{
		QueueSize:       cfg.Gateway.QueueSize,
		AuthTimeout:     sec(cfg.Auth.TimeoutSec),
		PingInterval:    sec(cfg.Gateway.PingSec),
		PongTimeout:     sec(cfg.Gateway.PongTimeoutSec),
		WriteTimeout:    sec(cfg.Gateway.WriteTimeoutSec),
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		OfflineGrace:    sec(cfg.Presence.OfflineGraceSec),
		ReplayLimit:     cfg.Gateway.ReplayLimit,
		AllowedOrigins:  cfg.Gateway.AllowedOrigins,
	}
}

// Deps are the collaborators a gateway dispatches to. Store and Metrics may
// be nil.
type Deps struct {
	Bus      *bus.Bus
	Presence *presence.Store
	Calls    *call.Manager
	Auth     auth.Resolver
	Store    Store
	Metrics  *telemetry.Metrics
}

type Gateway struct {
	Deps
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*conn
	users   map[string]int
	offline map[string]*time.Timer
	closed  bool
}

func New(deps Deps, opts Options) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		Deps:    deps,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*conn),
		users:   make(map[string]int),
		offline: make(map[string]*time.Timer),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin accepts same-host browsers, listed origins ("*" for any) and
// non-browser clients that send no Origin.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(g, uuid.NewString(), ws)
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.Metrics.ConnOpened()
	log.Debugf("conn %s opened from %s", c.id, r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(g.ctx)
	c.cleanup()

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.Metrics.ConnClosed()
	log.Debugf("conn %s closed", c.id)
}

// attach registers an authenticated connection and cancels a pending
// offline transition for its user.
func (g *Gateway) attach(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[user]++
	if t, ok := g.offline[user]; ok {
		t.Stop()
		delete(g.offline, user)
		log.Debugf("%s reconnected within grace period", user)
	}
}

// detach drops an authenticated connection. When it was the user's last
// one, the user goes offline after the grace period unless they reconnect.
func (g *Gateway) detach(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[user]--
	if g.users[user] > 0 {
		return
	}
	delete(g.users, user)
	if g.closed {
		return
	}
	if t, ok := g.offline[user]; ok {
		t.Stop()
	}
	g.offline[user] = time.AfterFunc(g.opts.OfflineGrace, func() { g.goOffline(user) })
}

// goOffline holds g.mu throughout so a reconnect either cancels it or
// attaches after the offline write. Presence and call publishing never block.
func (g *Gateway) goOffline(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.users[user] > 0 || g.closed {
		return
	}
	delete(g.offline, user)

	if _, err := g.Presence.SetStatus(user, presence.StatusOffline); err != nil {
		log.Warnf("set %s offline: %v", user, err)
	}
	if n := g.Calls.EndAllFor(user, call.ReasonOffline); n > 0 {
		log.Infof("ended %d call(s) of %s after disconnect", n, user)
	}
}

type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	PendingOff  int `json:"pending_offline"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Connections: len(g.conns), Users: len(g.users), PendingOff: len(g.offline)}
}

// Connected reports whether user has an authenticated connection here.
func (g *Gateway) Connected(user string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.users[user] > 0
}

// Close disconnects every client with "going away" and refuses new ones.
// Presence is left untouched; other nodes or the sweep take over.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	for user, t := range g.offline {
		t.Stop()
		delete(g.offline, user)
	}
	g.mu.Unlock()

	g.cancel()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	log.Infof("closed %d connection(s)", len(conns))
}
