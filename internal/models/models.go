// Package models holds the plain data types shared across the reasoning
// service: debate configuration, rounds, traces, and their timing.
package models

import "time"

// TemplateRef is a single reasoning template returned by the retriever.
type TemplateRef struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
	Body        string  `json:"body"`
}

// DebateConfig is immutable for the life of one debate.
type DebateConfig struct {
	MinRounds        int           `json:"minRounds"`
	MaxRounds        int           `json:"maxRounds"`
	EarlyStopScore   int           `json:"earlyStopScore"`
	ProposerModel    string        `json:"proposerModel"`
	SkepticModel     string        `json:"skepticModel"`
	SynthesizerModel string        `json:"synthesizerModel"`
	ProposerTemp     float64       `json:"proposerTemp"`
	SkepticTemp      float64       `json:"skepticTemp"`
	SynthesizerTemp  float64       `json:"synthesizerTemp"`
	RAGTopK          int           `json:"ragTopK"`
	SimilarityFloor  float64       `json:"similarityFloor"`
	PerCallTimeout   time.Duration `json:"perCallTimeout"`
}

// Validate checks the invariants DebateConfig must satisfy.
func (c DebateConfig) Validate() error {
	switch {
	case c.MinRounds < 1:
		return errInvalid("minRounds must be >= 1")
	case c.MaxRounds < c.MinRounds:
		return errInvalid("maxRounds must be >= minRounds")
	case c.EarlyStopScore < 1 || c.EarlyStopScore > 10:
		return errInvalid("earlyStopScore must be in [1,10]")
	case c.ProposerTemp < 0 || c.ProposerTemp > 2:
		return errInvalid("proposerTemp must be in [0,2]")
	case c.SkepticTemp < 0 || c.SkepticTemp > 2:
		return errInvalid("skepticTemp must be in [0,2]")
	case c.SynthesizerTemp < 0 || c.SynthesizerTemp > 2:
		return errInvalid("synthesizerTemp must be in [0,2]")
	case c.RAGTopK < 1:
		return errInvalid("ragTopK must be >= 1")
	case c.SimilarityFloor < 0 || c.SimilarityFloor > 1:
		return errInvalid("similarityFloor must be in [0,1]")
	case c.PerCallTimeout <= 0:
		return errInvalid("perCallTimeout must be positive")
	}
	return nil
}

type invalidConfigError string

func (e invalidConfigError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidConfigError(msg) }

// Round is one Proposer turn immediately followed by one Skeptic turn.
// Never mutated after creation.
type Round struct {
	Round              int    `json:"round"`
	ProposerText       string `json:"proposerText"`
	SkepticText        string `json:"skepticText"`
	ProposerDurationMs int64  `json:"proposerDurationMs"`
	SkepticDurationMs  int64  `json:"skepticDurationMs"`
}

// TraceModels records the concrete model id used for each role.
type TraceModels struct {
	Proposer    string `json:"proposer"`
	Skeptic     string `json:"skeptic"`
	Synthesizer string `json:"synthesizer"`
	Embedding   string `json:"embedding"`
}

// TraceTiming records wall-clock durations for one debate.
type TraceTiming struct {
	TotalMs     int64   `json:"totalMs"`
	RagMs       int64   `json:"ragMs"`
	RoundsMs    []int64 `json:"roundsMs"`
	SynthesisMs int64   `json:"synthesisMs"`
}

// DebateTrace is the durable record of a completed debate. Created by the
// orchestrator and persisted atomically on success. UserRating is the only
// field mutable after persistence.
type DebateTrace struct {
	ID                string      `json:"id"`
	CreatedAt         time.Time   `json:"createdAt"`
	Query             string      `json:"query"`
	TemplatesUsed     []string    `json:"templatesUsed"`
	Rounds            []Round     `json:"rounds"`
	FinalAnswer       string      `json:"finalAnswer"`
	TotalRounds       int         `json:"totalRounds"`
	EarlyStopped      bool        `json:"earlyStopped"`
	AutoScore         *int        `json:"autoScore"`
	AutoScoreFallback bool        `json:"autoScoreFallback,omitempty"`
	UserRating        *int        `json:"userRating"`
	Models            TraceModels `json:"models"`
	Timing            TraceTiming `json:"timing"`
}

// Validate checks the invariants a DebateTrace must satisfy before it is
// persisted: I1 (rounds are exactly 1..totalRounds, contiguous and in
// order), I4 (one roundsMs entry per round), and I5 (every templatesUsed
// entry is a non-empty id; membership in the live template store is not
// checked here, since a stale reference to a since-removed template is
// explicitly allowed).
func (t DebateTrace) Validate() error {
	if len(t.Rounds) != t.TotalRounds {
		return errInvalidTrace("len(rounds) must equal totalRounds")
	}
	for i, r := range t.Rounds {
		if r.Round != i+1 {
			return errInvalidTrace("round numbers must be contiguous starting at 1")
		}
	}
	if len(t.Timing.RoundsMs) != t.TotalRounds {
		return errInvalidTrace("len(timing.roundsMs) must equal totalRounds")
	}
	for _, id := range t.TemplatesUsed {
		if id == "" {
			return errInvalidTrace("templatesUsed must not contain an empty id")
		}
	}
	return nil
}

type invalidTraceError string

func (e invalidTraceError) Error() string { return string(e) }

func errInvalidTrace(msg string) error { return invalidTraceError(msg) }

// FineTuneCandidate is a derived view, never stored directly.
type FineTuneCandidate struct {
	TraceID string `json:"traceId"`
}

// Qualifies reports whether a trace meets the fine-tune candidate threshold.
func (t DebateTrace) Qualifies(threshold int) bool {
	if t.AutoScore != nil && *t.AutoScore >= threshold {
		return true
	}
	if t.UserRating != nil && *t.UserRating >= threshold {
		return true
	}
	return false
}

// TraceStats aggregates across the whole store.
type TraceStats struct {
	Count           int     `json:"count"`
	MeanQuality     float64 `json:"meanQuality"`
	CandidatesCount int     `json:"candidatesCount"`
}

// ModelInfo describes one locally available model, as reported by the
// inference backend's model-listing endpoint.
type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt"`
}
