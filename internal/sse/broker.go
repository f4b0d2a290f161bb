// Package sse bridges a running debate orchestrator to its HTTP
// subscriber: a single append-only per-debate event log that a late
// subscriber can replay before switching to live forwarding.
package sse

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/debate"
)

// terminalQueueSize bounds the live-forwarding buffer for a subscriber.
// Non-terminal events are dropped under back-pressure once it fills;
// terminal events (completed, failed, early_stop) always send, blocking
// if necessary, per the no-dropped-terminal-event guarantee.
const terminalQueueSize = 64

// idleEvictionDelay is how long a finished debate's event log is kept
// around so a subscriber that connects just after completion can still
// replay it.
const idleEvictionDelay = 2 * time.Minute

func isTerminal(t debate.EventType) bool {
	return t == debate.EventCompleted || t == debate.EventFailed || t == debate.EventEarlyStop
}

type entry struct {
	mu         sync.Mutex
	events     []debate.Event
	done       bool
	subscriber chan debate.Event
	evictTimer *time.Timer
}

// Broker multiplexes each registered debate's event sequence to at most
// one subscriber, replaying everything produced so far on a late join.
type Broker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logrus.Logger
}

// New builds an empty Broker.
func New(logger *logrus.Logger) *Broker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broker{entries: make(map[string]*entry), logger: logger}
}

// Register opens a new event log for id. Returns apperr.Duplicate if id
// is already registered and not yet evicted.
func (b *Broker) Register(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[id]; exists {
		return apperr.New(apperr.Duplicate, "debate already registered: "+id)
	}
	b.entries[id] = &entry{}
	return nil
}

// Publish appends ev to id's event log and forwards it to the live
// subscriber, if any. Publish is the orchestrator driver's job: it
// ranges over debate.Run's channel and calls Publish for each event.
func (b *Broker) Publish(id string, ev debate.Event) {
	e := b.get(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.events = append(e.events, ev)
	sub := e.subscriber
	e.mu.Unlock()

	if sub == nil {
		return
	}
	if isTerminal(ev.Type) {
		sub <- ev
		return
	}

	initMetrics()
	select {
	case sub <- ev:
		return
	default:
	}

	// Subscriber channel is full: evict the oldest buffered non-terminal
	// event to make room rather than dropping the one just produced.
	select {
	case <-sub:
	default:
	}
	select {
	case sub <- ev:
	default:
		// A concurrent receive refilled the freed slot before we could
		// use it; the newest event is dropped instead as a fallback.
	}
	subscriberEventsDrop.WithLabelValues(id).Inc()
	b.logger.WithField("traceId", id).Warn("sse: dropping oldest event under subscriber back-pressure")
}

// Complete marks id's debate finished: closes the live subscriber
// channel, if any, and schedules eviction of the retained log.
func (b *Broker) Complete(id string) { b.finish(id) }

// Fail marks id's debate finished with a failure. The failed event
// itself is delivered via Publish before this is called.
func (b *Broker) Fail(id string) { b.finish(id) }

func (b *Broker) finish(id string) {
	e := b.get(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.done = true
	if e.subscriber != nil {
		close(e.subscriber)
		e.subscriber = nil
	}
	e.mu.Unlock()

	b.mu.Lock()
	e.evictTimer = time.AfterFunc(idleEvictionDelay, func() {
		b.mu.Lock()
		delete(b.entries, id)
		b.mu.Unlock()
	})
	b.mu.Unlock()
}

// Subscribe returns a channel replaying every event produced so far for
// id, then forwarding new ones live. If id's debate already completed,
// the returned channel replays the full log and is immediately closed.
// At most one live subscriber is attached per id: a call while another
// subscriber is attached returns apperr.Busy. After Unsubscribe, or once
// the debate has finished, a later call replays the log again.
func (b *Broker) Subscribe(id string) (<-chan debate.Event, error) {
	e := b.get(id)
	if e == nil {
		return nil, apperr.New(apperr.NotFound, "unknown or evicted debate: "+id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscriber != nil {
		return nil, apperr.New(apperr.Busy, "debate already has a subscriber: "+id)
	}

	out := make(chan debate.Event, len(e.events)+terminalQueueSize)
	for _, ev := range e.events {
		out <- ev
	}
	if e.done {
		close(out)
		return out, nil
	}
	e.subscriber = out
	return out, nil
}

// Unsubscribe detaches the live subscriber for id without affecting the
// orchestrator: per the disconnect policy, the debate keeps running and
// its events are simply dropped from here on.
func (b *Broker) Unsubscribe(id string) {
	e := b.get(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.subscriber = nil
	e.mu.Unlock()
}

func (b *Broker) get(id string) *entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[id]
}
