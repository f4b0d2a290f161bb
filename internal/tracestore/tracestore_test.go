package tracestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	store, err := Open(Config{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTrace(id string) models.DebateTrace {
	score := 7
	return models.DebateTrace{
		ID:            id,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		Query:         "why does retry-before-first-delta matter?",
		TemplatesUsed: []string{"general-reasoning", "risk-analysis"},
		Rounds: []models.Round{
			{Round: 1, ProposerText: "p1", SkepticText: "s1", ProposerDurationMs: 100, SkepticDurationMs: 120},
			{Round: 2, ProposerText: "p2", SkepticText: "s2", ProposerDurationMs: 90, SkepticDurationMs: 110},
		},
		FinalAnswer:  "because duplicated tokens corrupt the trace",
		TotalRounds:  2,
		EarlyStopped: false,
		AutoScore:    &score,
		Models: models.TraceModels{
			Proposer: "llama3", Skeptic: "llama3", Synthesizer: "llama3", Embedding: "nomic-embed-text",
		},
		Timing: models.TraceTiming{TotalMs: 5000, RagMs: 200, RoundsMs: []int64{220, 200}, SynthesisMs: 300},
	}
}

func TestSaveAndGet_RoundTripsFully(t *testing.T) {
	store := openTestStore(t)
	trace := sampleTrace("trace-1")

	require.NoError(t, store.Save(context.Background(), trace))

	got, err := store.Get(context.Background(), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, trace.Query, got.Query)
	assert.Equal(t, trace.FinalAnswer, got.FinalAnswer)
	assert.Equal(t, trace.TemplatesUsed, got.TemplatesUsed)
	assert.Equal(t, trace.Timing.RoundsMs, got.Timing.RoundsMs)
	require.Len(t, got.Rounds, 2)
	assert.Equal(t, "p1", got.Rounds[0].ProposerText)
	require.NotNil(t, got.AutoScore)
	assert.Equal(t, 7, *got.AutoScore)
	assert.Nil(t, got.UserRating)
}

func TestGet_UnknownIDReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRate_UpdatesUserRatingOnly(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(context.Background(), sampleTrace("trace-2")))

	require.NoError(t, store.Rate(context.Background(), "trace-2", 9))

	got, err := store.Get(context.Background(), "trace-2")
	require.NoError(t, err)
	require.NotNil(t, got.UserRating)
	assert.Equal(t, 9, *got.UserRating)
}

func TestRate_RejectsOutOfRangeValue(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(context.Background(), sampleTrace("trace-3")))

	err := store.Rate(context.Background(), "trace-3", 11)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestRate_UnknownIDReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.Rate(context.Background(), "missing", 5)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestList_OrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	older := sampleTrace("older")
	older.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	newer := sampleTrace("newer")
	newer.CreatedAt = time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Save(context.Background(), older))
	require.NoError(t, store.Save(context.Background(), newer))

	list, err := store.List(context.Background(), ListFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)
	assert.Equal(t, "older", list[1].ID)
}

func TestList_OffsetSkipsNewestRows(t *testing.T) {
	store := openTestStore(t)
	oldest := sampleTrace("oldest")
	oldest.CreatedAt = time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	middle := sampleTrace("middle")
	middle.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	newest := sampleTrace("newest")
	newest.CreatedAt = time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Save(context.Background(), oldest))
	require.NoError(t, store.Save(context.Background(), middle))
	require.NoError(t, store.Save(context.Background(), newest))

	list, err := store.List(context.Background(), ListFilter{Limit: 10, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "middle", list[0].ID)
	assert.Equal(t, "oldest", list[1].ID)
}

func TestList_MinQualityFiltersInSQLNotJustInMemory(t *testing.T) {
	store := openTestStore(t)
	low := 2
	for i := 0; i < 5; i++ {
		trace := sampleTrace(fmt.Sprintf("low-%d", i))
		trace.AutoScore = &low
		trace.CreatedAt = time.Now().Add(time.Duration(i) * time.Second).UTC().Truncate(time.Second)
		require.NoError(t, store.Save(context.Background(), trace))
	}
	high := sampleTrace("high-but-oldest")
	high.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Save(context.Background(), high))

	list, err := store.List(context.Background(), ListFilter{Limit: 3, MinQuality: 7})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "high-but-oldest", list[0].ID)
}

func TestList_SearchTextFiltersByQuerySubstring(t *testing.T) {
	store := openTestStore(t)
	match := sampleTrace("match")
	match.Query = "why does retry-before-first-delta matter?"
	other := sampleTrace("other")
	other.Query = "completely unrelated question"
	require.NoError(t, store.Save(context.Background(), match))
	require.NoError(t, store.Save(context.Background(), other))

	list, err := store.List(context.Background(), ListFilter{Limit: 10, SearchText: "retry-before"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "match", list[0].ID)
}

func TestSave_DuplicateIDReturnsDuplicate(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(context.Background(), sampleTrace("dup")))

	err := store.Save(context.Background(), sampleTrace("dup"))
	require.Error(t, err)
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(err))
}

func TestSave_RejectsRoundsLengthMismatchWithTotalRounds(t *testing.T) {
	store := openTestStore(t)
	trace := sampleTrace("bad-i1")
	trace.TotalRounds = 3

	err := store.Save(context.Background(), trace)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestSave_RejectsNonContiguousRoundNumbers(t *testing.T) {
	store := openTestStore(t)
	trace := sampleTrace("bad-i1-order")
	trace.Rounds[1].Round = 5

	err := store.Save(context.Background(), trace)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestSave_RejectsRoundsMsLengthMismatch(t *testing.T) {
	store := openTestStore(t)
	trace := sampleTrace("bad-i4")
	trace.Timing.RoundsMs = trace.Timing.RoundsMs[:1]

	err := store.Save(context.Background(), trace)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestSave_RejectsEmptyTemplateID(t *testing.T) {
	store := openTestStore(t)
	trace := sampleTrace("bad-i5")
	trace.TemplatesUsed = append(trace.TemplatesUsed, "")

	err := store.Save(context.Background(), trace)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestFineTuneCandidates_MatchesOnEitherScore(t *testing.T) {
	store := openTestStore(t)

	highAuto := sampleTrace("high-auto")
	require.NoError(t, store.Save(context.Background(), highAuto))

	lowAuto := sampleTrace("low-auto")
	three := 3
	lowAuto.AutoScore = &three
	require.NoError(t, store.Save(context.Background(), lowAuto))
	require.NoError(t, store.Rate(context.Background(), "low-auto", 9))

	candidates, err := store.FineTuneCandidates(context.Background(), 7)
	require.NoError(t, err)

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.TraceID
	}
	assert.ElementsMatch(t, []string{"high-auto", "low-auto"}, ids)
}

func TestStats_AggregatesCountAndMeanQuality(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save(context.Background(), sampleTrace("a")))

	eight := 8
	second := sampleTrace("b")
	second.AutoScore = &eight
	require.NoError(t, store.Save(context.Background(), second))

	stats, err := store.Stats(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 7.5, stats.MeanQuality, 0.001)
	assert.Equal(t, 2, stats.CandidatesCount)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	store, err := Open(Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := Open(Config{Path: dbPath})
	require.NoError(t, err)
	defer store2.Close()

	require.NoError(t, store2.Save(context.Background(), sampleTrace("after-reopen")))
}
