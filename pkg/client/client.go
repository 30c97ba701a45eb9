// Package client keeps a session with an agora gateway alive across
// transport failures. A Manager reconnects with exponential backoff,
// re-authenticates, rejoins the rooms it tracks and replays events missed
// while it was away. It also keeps typing indicators and unread counters
// that survive reconnects.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/util"
)

var log = logging.Logger("agora/client")

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 10
	DefaultTypingTTL   = 3 * time.Second
	DefaultDialTimeout = 10 * time.Second

	defaultDedupWindow = 512
	noCap              = time.Duration(1<<63 - 1)
)

var ErrNotConnected = errs.InvalidState("not connected")

// Config configures a Manager. URL and Token are required.
type Config struct {
	URL    string
	Token  string
	Header http.Header
	// Dialer defaults to WebSocketDialer.
	Dialer Dialer

	// Reconnect attempt n waits BaseDelay * 2^(n-1), capped at MaxDelay
	// when MaxDelay > 0.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of consecutive failed reconnects before the
	// Manager gives up and waits for Reconnect.
	MaxAttempts int

	DialTimeout time.Duration
	TypingTTL   time.Duration
	// DedupWindow is how many recent event ids are remembered.
	DedupWindow int

	// OnEvent receives every Event. Calls are serialized. It must not block
	// and must not call Close.
	OnEvent func(Event)
}

func (c *Config) defaults() {
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
}

// Manager owns one logical session with a gateway.
type Manager struct {
	cfg   Config
	sleep func(context.Context, time.Duration) error

	mu     sync.Mutex
	state  State
	user   string
	tr     Transport
	rooms  map[string]struct{}
	unread map[string]int
	typing map[typingKey]*time.Timer
	lastID string
	failed bool
	cancel context.CancelFunc
	done   chan struct{}

	seen   *util.RingBuffer[string]
	emitMu sync.Mutex
	wake   chan struct{}
}

func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errs.InvalidArgument("client: url is required")
	}
	if cfg.Token == "" {
		return nil, errs.InvalidArgument("client: token is required")
	}
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		sleep:  sleepCtx,
		rooms:  make(map[string]struct{}),
		unread: make(map[string]int),
		typing: make(map[typingKey]*time.Timer),
		seen:   util.NewRingBuffer[string](cfg.DedupWindow),
		wake:   make(chan struct{}, 1),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start connects in the background and keeps the session alive until ctx
// is done or Close is called. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Close stops the Manager and waits for its goroutine to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	m.mu.Lock()
	for k, t := range m.typing {
		t.Stop()
		delete(m.typing, k)
	}
	m.mu.Unlock()
	return nil
}

// Reconnect resumes retrying after reconnect_failed. It does nothing while
// the Manager is connected or still retrying.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.failed {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drainWakeLocked() {
	select {
	case <-m.wake:
	default:
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.MaxDelay
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = noCap
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(StateDisconnected, nil)

	bo := m.newBackOff()
	attempt := 0
	for ctx.Err() == nil {
		if attempt > 0 {
			if attempt > m.cfg.MaxAttempts {
				log.Warnf("giving up after %d reconnect attempts", m.cfg.MaxAttempts)
				m.mu.Lock()
				m.failed = true
				m.drainWakeLocked()
				m.mu.Unlock()
				m.emit(Event{Kind: EventReconnectFailed, Attempt: m.cfg.MaxAttempts})
				select {
				case <-ctx.Done():
					return
				case <-m.wake:
				}
				m.mu.Lock()
				m.failed = false
				m.drainWakeLocked()
				m.mu.Unlock()
				attempt = 0
				bo.Reset()
				continue
			}
			delay := bo.NextBackOff()
			m.emit(Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay})
			if err := m.sleep(ctx, delay); err != nil {
				return
			}
		}

		tr, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("connect attempt %d: %v", attempt, err)
			m.setState(StateDisconnected, err)
			attempt++
			continue
		}
		attempt = 0
		bo.Reset()

		err = m.serve(ctx, tr)
		if ctx.Err() != nil {
			return
		}
		log.Infof("connection lost: %v", err)
		m.setState(StateDisconnected, err)
		attempt = 1
	}
}

// connect dials, authenticates, rejoins tracked rooms and asks for a replay
// of anything logged since the last event seen.
func (m *Manager) connect(ctx context.Context) (Transport, error) {
	m.setState(StateConnecting, nil)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	tr, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.setState(StateAuthenticating, nil)
	user, err := m.authenticate(ctx, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}

	// Rooms joined from now on are sent directly by Join.
	m.mu.Lock()
	m.tr = tr
	m.user = user
	rooms := sortedRooms(m.rooms)
	since := m.lastID
	m.mu.Unlock()
	m.setState(StateConnected, nil)

	for _, room := range rooms {
		if err := tr.WriteCommand(ctx, Command{Type: proto.CmdJoinRoom, Room: room}); err != nil {
			m.dropTransport(tr)
			return nil, fmt.Errorf("rejoin %s: %w", room, err)
		}
	}
	if since != "" {
		if err := tr.WriteCommand(ctx, Command{Type: proto.CmdReplay, Since: since}); err != nil {
			m.dropTransport(tr)
			return nil, fmt.Errorf("replay: %w", err)
		}
	}
	log.Infof("connected as %s, rejoined %d room(s)", user, len(rooms))
	return tr, nil
}

func (m *Manager) authenticate(ctx context.Context, tr Transport) (string, error) {
	if err := tr.WriteCommand(ctx, Command{Type: proto.CmdAuth, Token: m.cfg.Token}); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}
	f, err := tr.ReadFrame(ctx)
	if err != nil {
		return "", fmt.Errorf("read auth reply: %w", err)
	}
	switch f.Type {
	case proto.FrameAuthSuccess:
		return stringField(f.Data, "user"), nil
	case proto.FrameError:
		return "", errs.Unauthenticated("%s", stringField(f.Data, "message"))
	}
	return "", fmt.Errorf("unexpected %s frame before auth_success", f.Type)
}

func (m *Manager) serve(ctx context.Context, tr Transport) error {
	defer m.dropTransport(tr)
	for {
		f, err := tr.ReadFrame(ctx)
		if err != nil {
			return err
		}
		m.dispatch(ctx, tr, f)
	}
}

func (m *Manager) dropTransport(tr Transport) {
	m.mu.Lock()
	if m.tr == tr {
		m.tr = nil
	}
	m.mu.Unlock()
	tr.Close()
}

func (m *Manager) dispatch(ctx context.Context, tr Transport, f Frame) {
	if f.ID != "" {
		if m.seen.Any(func(id string) bool { return id == f.ID }) {
			log.Debugf("dropping duplicate %s %s", f.Type, f.ID)
			return
		}
		m.seen.Push(f.ID)
	}

	var replayFrom string
	m.mu.Lock()
	// call_started carries the call id, not an event id.
	if f.ID != "" && f.Type != proto.FrameCallStarted && f.ID > m.lastID {
		m.lastID = f.ID
	}
	switch f.Type {
	case proto.FrameTyping:
		m.startTypingLocked(f.Room, stringField(f.Data, "user"))
	case proto.FrameStopTyping:
		m.clearTypingLocked(f.Room, stringField(f.Data, "user"))
	case proto.FrameMessage:
		from := stringField(f.Data, "from_user")
		if f.Room != "" {
			m.clearTypingLocked(f.Room, from)
			if from != m.user {
				m.unread[f.Room]++
			}
		}
	case proto.FrameReplayDone:
		if last := stringField(f.Data, "last_id"); last > m.lastID {
			m.lastID = last
		}
		if more, _ := f.Data["more"].(bool); more {
			replayFrom = m.lastID
		}
	}
	m.mu.Unlock()

	if replayFrom != "" {
		if err := tr.WriteCommand(ctx, Command{Type: proto.CmdReplay, Since: replayFrom}); err != nil {
			log.Debugf("replay continuation: %v", err)
		}
	}
	m.emit(Event{Kind: EventFrame, Frame: f})
}

func (m *Manager) startTypingLocked(room, user string) {
	if room == "" || user == "" {
		return
	}
	k := typingKey{room, user}
	if old, ok := m.typing[k]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(m.cfg.TypingTTL, func() {
		m.mu.Lock()
		if m.typing[k] != t {
			m.mu.Unlock()
			return
		}
		delete(m.typing, k)
		m.mu.Unlock()
		m.emit(Event{Kind: EventTypingExpired, Room: room, User: user})
	})
	m.typing[k] = t
}

func (m *Manager) clearTypingLocked(room, user string) {
	k := typingKey{room, user}
	if t, ok := m.typing[k]; ok {
		t.Stop()
		delete(m.typing, k)
	}
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emit(Event{Kind: EventStateChanged, State: s, Err: err})
}

func (m *Manager) emit(evt Event) {
	if m.cfg.OnEvent == nil {
		return
	}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.cfg.OnEvent(evt)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User is the id the gateway resolved the token to, empty until the first
// successful authentication.
func (m *Manager) User() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// LastEventID is the newest event id seen; reconnects replay from it.
func (m *Manager) LastEventID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// Rooms lists the rooms rejoined on every reconnect.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedRooms(m.rooms)
}

func (m *Manager) Unread(room string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread[room]
}

func (m *Manager) MarkRead(room string) {
	m.mu.Lock()
	delete(m.unread, room)
	m.mu.Unlock()
}

// Typing lists users with a live typing indicator in room.
func (m *Manager) Typing(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []string
	for k := range m.typing {
		if k.room == room {
			users = append(users, k.user)
		}
	}
	return users
}

// Send writes cmd on the current connection.
func (m *Manager) Send(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	tr, st := m.tr, m.state
	m.mu.Unlock()
	if tr == nil || st != StateConnected {
		return ErrNotConnected
	}
	return tr.WriteCommand(ctx, cmd)
}

// Join tracks room and joins it now if connected. While disconnected the
// room is joined on the next successful connect.
func (m *Manager) Join(ctx context.Context, room string) error {
	if room == "" || room == proto.PresenceRoom {
		return errs.InvalidArgument("cannot join room %q", room)
	}
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()
	if err := m.Send(ctx, Command{Type: proto.CmdJoinRoom, Room: room}); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

func (m *Manager) Leave(ctx context.Context, room string) error {
	m.mu.Lock()
	_, tracked := m.rooms[room]
	delete(m.rooms, room)
	delete(m.unread, room)
	m.mu.Unlock()
	if !tracked {
		return nil
	}
	if err := m.Send(ctx, Command{Type: proto.CmdLeaveRoom, Room: room}); err != nil && err != ErrNotConnected {
		return err
	}
	return nil
}

func (m *Manager) SendMessage(ctx context.Context, room, body string) error {
	return m.Send(ctx, Command{Type: proto.CmdMessage, Room: room, Body: body})
}

func (m *Manager) SendDirect(ctx context.Context, to, body string) error {
	return m.Send(ctx, Command{Type: proto.CmdMessage, To: to, Body: body})
}

func (m *Manager) StartTyping(ctx context.Context, room string) error {
	return m.Send(ctx, Command{Type: proto.CmdTyping, Room: room})
}

func (m *Manager) StopTyping(ctx context.Context, room string) error {
	return m.Send(ctx, Command{Type: proto.CmdStopTyping, Room: room})
}

func (m *Manager) SetPresence(ctx context.Context, status string) error {
	return m.Send(ctx, Command{Type: proto.CmdPresence, Status: status})
}

func (m *Manager) Ack(ctx context.Context, notificationID string) error {
	return m.Send(ctx, Command{Type: proto.CmdAck, NotificationID: notificationID})
}
