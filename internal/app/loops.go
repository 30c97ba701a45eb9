package app

import (
	"context"
	"time"

	"github.com/petervdpas/agora/internal/call"
	"github.com/petervdpas/agora/internal/util"
)

// sweepLoop marks users without a heartbeat for presence.ttl offline and
// ends their calls.
func (s *Server) sweepLoop(ctx context.Context) {
	ttl := time.Duration(s.cfg.Presence.TTLSec) * time.Second
	t := time.NewTicker(time.Duration(s.cfg.Presence.SweepSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, user := range s.presence.ExpireStale(ttl) {
				s.calls.EndAllFor(user, call.ReasonOffline)
			}
		}
	}
}

// pruneLoop forgets finished calls and old event log entries.
func (s *Server) pruneLoop(ctx context.Context) {
	callRetention := time.Duration(s.cfg.Calls.RetentionSec) * time.Second
	logRetention := time.Duration(s.cfg.Storage.EventRetentionSec) * time.Second
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.calls.Prune(now.Add(-callRetention)); n > 0 {
				log.Debugf("pruned %d finished call(s)", n)
			}
			pctx, cancel := context.WithTimeout(ctx, util.DefaultWriteTimeout)
			n, err := s.db.PruneEvents(pctx, now.Add(-logRetention).UnixMilli())
			cancel()
			if err != nil {
				log.Warnf("prune event log: %v", err)
			} else if n > 0 {
				log.Infof("pruned %d logged event(s)", n)
			}
		}
	}
}
