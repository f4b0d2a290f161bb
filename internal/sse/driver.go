package sse

import (
	"context"
	"time"

	"github.com/vulcanhelix/reasonarena/internal/debate"
	"github.com/vulcanhelix/reasonarena/internal/models"
)

// Drive registers traceID, runs one debate to completion, and publishes
// every event it produces. Intended to run on its own goroutine, spawned
// by the HTTP layer once it has validated a reason request; the HTTP
// handler returns traceID to the caller immediately and does not wait
// for Drive to return.
func (b *Broker) Drive(ctx context.Context, traceID, query string, cfg models.DebateConfig, deps debate.Deps) {
	if err := b.Register(traceID); err != nil {
		b.logger.WithField("traceId", traceID).Warn("sse: drive called for an already-registered debate")
		return
	}

	initMetrics()
	debatesActiveGauge.Inc()
	started := time.Now()
	defer func() {
		debatesActiveGauge.Dec()
		debateDriveDuration.Observe(time.Since(started).Seconds())
	}()

	var lastType debate.EventType
	for ev := range debate.Run(ctx, traceID, query, cfg, deps) {
		b.Publish(traceID, ev)
		lastType = ev.Type
	}

	if lastType == debate.EventFailed {
		b.Fail(traceID)
	} else {
		b.Complete(traceID)
	}
}
