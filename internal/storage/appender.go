package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/petervdpas/agora/internal/proto"
)

// Appender writes durable events to the log from a single goroutine so bus
// publishers never wait on SQLite.
type Appender struct {
	db      *DB
	ch      chan proto.Event
	written atomic.Int64
	dropped atomic.Int64
}

func NewAppender(db *DB, size int) *Appender {
	if size < 1 {
		size = 1
	}
	return &Appender{db: db, ch: make(chan proto.Event, size)}
}

// Append queues evt if its type is durable. It never blocks.
func (a *Appender) Append(evt proto.Event) {
	if !evt.Type.Durable() {
		return
	}
	select {
	case a.ch <- evt:
	default:
		a.dropped.Add(1)
		log.Warnf("append queue full, not logging %s %s", evt.Type, evt.ID)
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (a *Appender) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return nil
		case evt := <-a.ch:
			a.write(evt)
		}
	}
}

func (a *Appender) flush() {
	for {
		select {
		case evt := <-a.ch:
			a.write(evt)
		default:
			return
		}
	}
}

// write uses its own deadline so events queued before shutdown still land.
func (a *Appender) write(evt proto.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.db.AppendEvent(ctx, evt); err != nil {
		log.Errorf("append %s: %v", evt.ID, err)
		return
	}
	a.written.Add(1)
}

// Written is the number of events persisted so far.
func (a *Appender) Written() int64 { return a.written.Load() }

func (a *Appender) Dropped() int64 { return a.dropped.Load() }
