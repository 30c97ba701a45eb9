// Package presence tracks each user's online/away/offline status and
// last-seen time. It performs no I/O; status changes are announced through
// the injected Publisher.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/telemetry"
)

var log = logging.Logger("agora/presence")

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ParseStatus validates a client supplied status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusOffline:
		return Status(s), nil
	}
	return "", errs.InvalidArgument("unknown presence status %q", s)
}

type Record struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Payload is the presence_update event body.
func (r Record) Payload() map[string]any {
	return map[string]any{
		"user":      r.UserID,
		"status":    string(r.Status),
		"last_seen": r.LastSeen.UnixMilli(),
	}
}

// Publisher receives presence_update events. Publish is called with a shard
// lock held and must not block.
type Publisher interface {
	Publish(evt proto.Event)
}

const shardCount = 16

type shard struct {
	mu   sync.Mutex
	recs map[string]*Record
}

type Store struct {
	shards  [shardCount]*shard
	pub     Publisher
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func New(pub Publisher, opts ...Option) *Store {
	s := &Store{pub: pub, now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{recs: make(map[string]*Record)}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()%shardCount]
}

// SetStatus records status for userID and publishes one presence_update.
// Requesting away for an offline user brings them online in the away state.
func (s *Store) SetStatus(userID string, status Status) (Record, error) {
	if userID == "" {
		return Record{}, errs.InvalidArgument("user id is required")
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return Record{}, err
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	rec, ok := sh.recs[userID]
	if !ok {
		rec = &Record{UserID: userID, Status: StatusOffline}
		sh.recs[userID] = rec
	}
	defer sh.mu.Unlock()
	prev := rec.Status
	rec.Status = status
	rec.LastSeen = s.now()
	out := *rec

	if prev != status {
		log.Debugf("%s: %s -> %s", userID, prev, status)
	}
	// Published under the shard lock so events for one user leave in write
	// order. Publish must not block or call back into the store.
	s.announce(out)
	return out, nil
}

// Heartbeat refreshes last_seen without changing status. Unknown users are
// ignored.
func (s *Store) Heartbeat(userID string) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	if rec, ok := sh.recs[userID]; ok {
		rec.LastSeen = s.now()
	}
	sh.mu.Unlock()
}

func (s *Store) Get(userID string) (Record, bool) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.recs[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetOnline returns non-offline users ordered by last_seen descending.
// limit <= 0 returns all of them.
func (s *Store) GetOnline(limit int) []Record {
	var out []Record
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.recs {
			if rec.Status != StatusOffline {
				out = append(out, *rec)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ExpireStale moves users whose last_seen is older than ttl to offline and
// returns their ids. Shards are locked one at a time.
func (s *Store) ExpireStale(ttl time.Duration) []string {
	cutoff := s.now().Add(-ttl)
	var expired []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rec := range sh.recs {
			if rec.Status != StatusOffline && rec.LastSeen.Before(cutoff) {
				rec.Status = StatusOffline
				s.announce(*rec)
				expired = append(expired, id)
			}
		}
		sh.mu.Unlock()
	}
	if len(expired) > 0 {
		log.Infof("expired %d stale users", len(expired))
	}
	return expired
}

// Counts returns the number of users per status.
func (s *Store) Counts() map[Status]int {
	out := map[Status]int{}
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.recs {
			out[rec.Status]++
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *Store) announce(r Record) {
	s.metrics.PresenceChanged(string(r.Status))
	if s.pub == nil {
		return
	}
	s.pub.Publish(proto.NewEvent(proto.EventPresenceUpdate, proto.RoomTarget(proto.PresenceRoom), r.Payload()))
}
