package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/inference"
	"github.com/vulcanhelix/reasonarena/internal/models"
	"github.com/vulcanhelix/reasonarena/internal/prompt"
	"github.com/vulcanhelix/reasonarena/internal/templates"
)

// EventType tags the variant of an Event on the wire.
type EventType string

const (
	EventRAGStarted         EventType = "rag_started"
	EventRAGCompleted       EventType = "rag_completed"
	EventRoundStarted       EventType = "round_started"
	EventProposerStarted    EventType = "proposer_started"
	EventProposerDelta      EventType = "proposer_delta"
	EventProposerCompleted  EventType = "proposer_completed"
	EventSkepticStarted     EventType = "skeptic_started"
	EventSkepticDelta       EventType = "skeptic_delta"
	EventSkepticCompleted   EventType = "skeptic_completed"
	EventEarlyStop          EventType = "early_stop"
	EventSynthesisStarted   EventType = "synthesis_started"
	EventSynthesisDelta     EventType = "synthesis_delta"
	EventSynthesisCompleted EventType = "synthesis_completed"
	EventCompleted          EventType = "completed"
	EventFailed             EventType = "failed"
)

// Event is the single tagged-variant struct emitted on the orchestrator's
// event channel and, unchanged, serialized onto the SSE wire.
type Event struct {
	Type       EventType            `json:"type"`
	Round      int                  `json:"round,omitempty"`
	Text       string               `json:"text,omitempty"`
	DurationMs int64                `json:"durationMs,omitempty"`
	Templates  []models.TemplateRef `json:"templates,omitempty"`
	Trace      *models.DebateTrace  `json:"trace,omitempty"`
	Message    string               `json:"message,omitempty"`
	Kind       apperr.Kind          `json:"kind,omitempty"`
}

// Embedder is the subset of the inference client the orchestrator needs
// for the template retriever (kept narrow so tests can fake it).
type Embedder = templates.Embedder

// TemplateSearcher is the subset of *templates.Store the orchestrator
// needs, narrowed so tests can supply a fake retriever.
type TemplateSearcher interface {
	Search(ctx context.Context, query string, k int) ([]models.TemplateRef, error)
}

// ChatStreamer is the subset of *inference.Client the orchestrator
// needs, narrowed so tests can supply a fake backend.
type ChatStreamer interface {
	StreamChat(ctx context.Context, model string, messages []inference.Message, temperature float64, deadline time.Duration) inference.StreamResult
}

// TraceSaver is the subset of *tracestore.Store the orchestrator needs,
// narrowed so tests can supply a fake store.
type TraceSaver interface {
	Save(ctx context.Context, trace models.DebateTrace) error
}

// PromptBuilder is the subset of *prompt.Loader the orchestrator needs,
// narrowed so tests can supply a fake prompt builder.
type PromptBuilder interface {
	ProposerFirstRound(query string, templates []models.TemplateRef) (prompt.Pair, error)
	ProposerLaterRound(query string, rounds []models.Round) (prompt.Pair, error)
	SkepticPrompt(proposerText string, priorRounds []models.Round, round, maxRounds int) (prompt.Pair, error)
	SynthesizerPrompt(query string, rounds []models.Round) (prompt.Pair, error)
	AutoScorePrompt(query, finalAnswer string) (prompt.Pair, error)
}

// Deps bundles the collaborators a single debate run needs. Held by the
// caller (the HTTP layer), passed to Run per invocation. The concrete
// *templates.Store, *inference.Client, *tracestore.Store, and
// *prompt.Loader types all satisfy these interfaces.
type Deps struct {
	Templates TemplateSearcher
	Inference ChatStreamer
	Store     TraceSaver
	Prompts   PromptBuilder
	Logger    *logrus.Logger
}

// Run drives one debate to completion, returning a channel of events in
// the exact order §5's ordering guarantee specifies. The channel is
// closed after the terminal event (completed xor failed); a failed
// event never follows a completed one.
func Run(ctx context.Context, traceID, query string, cfg models.DebateConfig, deps Deps) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				initMetrics()
				fail(out, deps, apperr.Internal, fmt.Sprintf("debate aborted: %v", r), 0)
			}
		}()
		runDebate(ctx, traceID, query, cfg, deps, out)
	}()
	return out
}

// emit hands ev to the event consumer. It always sends: the SSE layer
// keeps draining this channel until it closes regardless of whether any
// HTTP subscriber is attached, so a blocking send here never outlives
// the debate. Cancellation is detected via explicit ctx.Err() checks at
// the coarse points between deltas and between rounds, not by racing
// ctx.Done() against the send.
func emit(out chan<- Event, ev Event) {
	out <- ev
}

func fail(out chan<- Event, deps Deps, kind apperr.Kind, message string, round int) {
	deps.logger().WithFields(logrus.Fields{
		"kind":  kind.String(),
		"round": round,
	}).Warn("debate failed: " + message)
	debatesFailedTotal.WithLabelValues(kind.String()).Inc()
	emit(out, Event{Type: EventFailed, Message: message, Kind: kind, Round: round})
}

func runDebate(ctx context.Context, traceID, query string, cfg models.DebateConfig, deps Deps, out chan<- Event) {
	initMetrics()
	debatesStartedTotal.Inc()
	start := time.Now()

	if ctx.Err() != nil {
		fail(out, deps, apperr.Cancelled, "cancelled", 0)
		return
	}
	emit(out, Event{Type: EventRAGStarted})
	ragStart := time.Now()
	tmpls, err := deps.Templates.Search(ctx, query, cfg.RAGTopK)
	if err != nil {
		fail(out, deps, apperr.KindOf(err), err.Error(), 0)
		return
	}
	ragMs := time.Since(ragStart).Milliseconds()
	emit(out, Event{Type: EventRAGCompleted, Templates: tmpls})

	var rounds []models.Round
	earlyStopped := false

	for round := 1; round <= cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			fail(out, deps, apperr.Cancelled, "cancelled", round)
			return
		}
		emit(out, Event{Type: EventRoundStarted, Round: round})

		proposerText, proposerMs, err := runProposer(ctx, deps, out, cfg, query, tmpls, rounds, round)
		if err != nil {
			fail(out, deps, apperr.KindOf(err), err.Error(), round)
			return
		}

		if ctx.Err() != nil {
			fail(out, deps, apperr.Cancelled, "cancelled", round)
			return
		}
		skepticText, skepticMs, err := runSkeptic(ctx, deps, out, cfg, proposerText, rounds, round, cfg.MaxRounds)
		if err != nil {
			fail(out, deps, apperr.KindOf(err), err.Error(), round)
			return
		}

		rounds = append(rounds, models.Round{
			Round:              round,
			ProposerText:       proposerText,
			SkepticText:        skepticText,
			ProposerDurationMs: proposerMs,
			SkepticDurationMs:  skepticMs,
		})

		fire, stopsEarly := terminationFires(round, cfg.MinRounds, cfg.MaxRounds, skepticText)
		if fire {
			earlyStopped = stopsEarly
			if stopsEarly {
				emit(out, Event{Type: EventEarlyStop, Round: round})
			}
			break
		}
	}

	if ctx.Err() != nil {
		fail(out, deps, apperr.Cancelled, "cancelled", 0)
		return
	}
	emit(out, Event{Type: EventSynthesisStarted})
	synthStart := time.Now()
	finalAnswer, err := runSynthesizer(ctx, deps, out, cfg, query, rounds)
	if err != nil {
		fail(out, deps, apperr.KindOf(err), err.Error(), 0)
		return
	}
	synthesisMs := time.Since(synthStart).Milliseconds()
	emit(out, Event{Type: EventSynthesisCompleted, Text: finalAnswer, DurationMs: synthesisMs})

	autoScore, autoScoreFallback := runAutoScore(ctx, deps, query, finalAnswer, cfg)

	templateIDs := make([]string, len(tmpls))
	for i, t := range tmpls {
		templateIDs[i] = t.ID
	}
	roundsMs := make([]int64, len(rounds))
	for i, r := range rounds {
		roundsMs[i] = r.ProposerDurationMs + r.SkepticDurationMs
	}

	trace := models.DebateTrace{
		ID:                traceID,
		CreatedAt:         start.UTC(),
		Query:             query,
		TemplatesUsed:     templateIDs,
		Rounds:            rounds,
		FinalAnswer:       finalAnswer,
		TotalRounds:       len(rounds),
		EarlyStopped:      earlyStopped,
		AutoScore:         autoScore,
		AutoScoreFallback: autoScoreFallback,
		Models: models.TraceModels{
			Proposer:    cfg.ProposerModel,
			Skeptic:     cfg.SkepticModel,
			Synthesizer: cfg.SynthesizerModel,
		},
		Timing: models.TraceTiming{
			TotalMs:     time.Since(start).Milliseconds(),
			RagMs:       ragMs,
			RoundsMs:    roundsMs,
			SynthesisMs: synthesisMs,
		},
	}

	if err := deps.Store.Save(ctx, trace); err != nil {
		fail(out, deps, apperr.KindOf(err), err.Error(), 0)
		return
	}
	deps.logger().WithFields(logrus.Fields{
		"traceId":      traceID,
		"totalRounds":  trace.TotalRounds,
		"earlyStopped": trace.EarlyStopped,
		"totalMs":      trace.Timing.TotalMs,
	}).Info("debate completed")
	debatesCompletedTotal.Inc()
	emit(out, Event{Type: EventCompleted, Trace: &trace})
}

func (d Deps) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

func runProposer(ctx context.Context, deps Deps, out chan<- Event, cfg models.DebateConfig, query string, tmpls []models.TemplateRef, priorRounds []models.Round, round int) (string, int64, error) {
	emit(out, Event{Type: EventProposerStarted, Round: round})

	var pair prompt.Pair
	var err error
	if round == 1 {
		pair, err = deps.Prompts.ProposerFirstRound(query, tmpls)
	} else {
		pair, err = deps.Prompts.ProposerLaterRound(query, priorRounds)
	}
	if err != nil {
		return "", 0, apperr.Wrap(apperr.Internal, "build proposer prompt", err)
	}

	started := time.Now()
	text, err := streamRole(ctx, deps, out, "proposer", EventProposerDelta, round, pair, cfg.ProposerModel, cfg.ProposerTemp, cfg.PerCallTimeout)
	if err != nil {
		return "", 0, err
	}
	durationMs := time.Since(started).Milliseconds()

	emit(out, Event{Type: EventProposerCompleted, Round: round, Text: text, DurationMs: durationMs})
	return text, durationMs, nil
}

func runSkeptic(ctx context.Context, deps Deps, out chan<- Event, cfg models.DebateConfig, proposerText string, priorRounds []models.Round, round, maxRounds int) (string, int64, error) {
	emit(out, Event{Type: EventSkepticStarted, Round: round})

	pair, err := deps.Prompts.SkepticPrompt(proposerText, priorRounds, round, maxRounds)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.Internal, "build skeptic prompt", err)
	}

	started := time.Now()
	text, err := streamRole(ctx, deps, out, "skeptic", EventSkepticDelta, round, pair, cfg.SkepticModel, cfg.SkepticTemp, cfg.PerCallTimeout)
	if err != nil {
		return "", 0, err
	}
	durationMs := time.Since(started).Milliseconds()

	emit(out, Event{Type: EventSkepticCompleted, Round: round, Text: text, DurationMs: durationMs})
	return text, durationMs, nil
}

func runSynthesizer(ctx context.Context, deps Deps, out chan<- Event, cfg models.DebateConfig, query string, rounds []models.Round) (string, error) {
	pair, err := deps.Prompts.SynthesizerPrompt(query, rounds)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "build synthesizer prompt", err)
	}
	return streamRole(ctx, deps, out, "synthesizer", EventSynthesisDelta, 0, pair, cfg.SynthesizerModel, cfg.SynthesizerTemp, cfg.PerCallTimeout)
}

// streamRole relays one role's stream_chat deltas as events of kind
// deltaType and returns the concatenated text. Cancellation is honored
// at each delta boundary, matching the suspension point stream_chat
// defines. role labels the per-role latency histogram.
func streamRole(ctx context.Context, deps Deps, out chan<- Event, role string, deltaType EventType, round int, pair prompt.Pair, model string, temperature float64, deadline time.Duration) (string, error) {
	messages := []inference.Message{
		{Role: "system", Content: pair.System},
		{Role: "user", Content: pair.User},
	}
	started := time.Now()
	result := deps.Inference.StreamChat(ctx, model, messages, temperature, deadline)

	var full string
	for delta := range result.Deltas {
		full += delta
		emit(out, Event{Type: deltaType, Round: round, Text: delta})
		if ctx.Err() != nil {
			roleStreamDuration.WithLabelValues(role).Observe(time.Since(started).Seconds())
			return full, apperr.New(apperr.Cancelled, "cancelled")
		}
	}
	roleStreamDuration.WithLabelValues(role).Observe(time.Since(started).Seconds())
	if err := result.Err(); err != nil {
		return "", err
	}
	return full, nil
}

// terminationFires evaluates the §4.5 termination predicate for round R
// with Skeptic text S. fire reports whether the loop should stop;
// earlyStopped reports the value to record on the trace.
func terminationFires(round, minRounds, maxRounds int, skepticText string) (fire bool, earlyStopped bool) {
	if strings.Contains(skepticText, prompt.ReadySentinel) {
		return true, true
	}
	if round == maxRounds {
		return true, false
	}
	if round >= minRounds && !strings.Contains(skepticText, prompt.CriticalSentinel) {
		return true, true
	}
	return false, false
}

var scoreJSONPattern = regexp.MustCompile(`\{\s*"score"\s*:\s*(\d+)[^}]*\}`)
var numericKeywordPattern = regexp.MustCompile(`\b(10|[1-9])\s*(?:/\s*10)?\b`)

// runAutoScore runs the non-streaming auto-score call, parsing the
// first JSON object matching {"score": integer}. Failure is never
// fatal to the debate: it records a fallback instead.
func runAutoScore(ctx context.Context, deps Deps, query, finalAnswer string, cfg models.DebateConfig) (*int, bool) {
	pair, err := deps.Prompts.AutoScorePrompt(query, finalAnswer)
	if err != nil {
		return neutralScore(), true
	}

	messages := []inference.Message{
		{Role: "system", Content: pair.System},
		{Role: "user", Content: pair.User},
	}
	result := deps.Inference.StreamChat(ctx, cfg.SynthesizerModel, messages, 0, cfg.PerCallTimeout)

	var raw string
	for delta := range result.Deltas {
		raw += delta
	}
	if err := result.Err(); err != nil {
		return neutralScore(), true
	}

	if m := scoreJSONPattern.FindStringSubmatch(raw); m != nil {
		var parsed struct {
			Score int `json:"score"`
		}
		if json.Unmarshal([]byte(m[0]), &parsed) == nil {
			score := clampScore(parsed.Score)
			return &score, false
		}
	}

	if m := numericKeywordPattern.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			score := clampScore(n)
			return &score, true
		}
	}

	return neutralScore(), true
}

func neutralScore() *int {
	v := 5
	return &v
}

func clampScore(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}
