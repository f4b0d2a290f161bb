package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulcanhelix/reasonarena/internal/models"
)

func TestNewLoader_ParsesAllAssets(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)
	require.NotNil(t, loader)
}

func TestProposerFirstRound_IncludesQueryAndTemplates(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	pair, err := loader.ProposerFirstRound("what is the capital of Mongolia?", []models.TemplateRef{
		{ID: "general-reasoning", Name: "General Reasoning", Score: 0.5, Description: "fallback", Body: "decompose the problem"},
	})
	require.NoError(t, err)
	assert.Contains(t, pair.User, "what is the capital of Mongolia?")
	assert.Contains(t, pair.User, "General Reasoning")
	assert.Contains(t, pair.User, "decompose the problem")
	assert.NotEmpty(t, pair.System)
}

func TestProposerLaterRound_IncludesSkepticCritique(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	rounds := []models.Round{
		{Round: 1, ProposerText: "first answer", SkepticText: "you missed the edge case"},
	}
	pair, err := loader.ProposerLaterRound("query", rounds)
	require.NoError(t, err)
	assert.Contains(t, pair.User, "you missed the edge case")
	assert.Contains(t, pair.User, "first answer")
}

func TestSkepticPrompt_EscalatesWordingByRound(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	first, err := loader.SkepticPrompt("answer", nil, 1, 3)
	require.NoError(t, err)
	assert.Contains(t, first.User, "broadly")

	final, err := loader.SkepticPrompt("answer", nil, 3, 3)
	require.NoError(t, err)
	assert.Contains(t, final.User, "final round")
}

func TestSkepticSystemPrompt_ContainsSentinelInstructions(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	pair, err := loader.SkepticPrompt("answer", nil, 1, 2)
	require.NoError(t, err)
	assert.True(t, strings.Contains(pair.System, ReadySentinel))
	assert.True(t, strings.Contains(pair.System, CriticalSentinel))
}

func TestSynthesizerPrompt_IncludesFullTranscript(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	rounds := []models.Round{
		{Round: 1, ProposerText: "p1", SkepticText: "s1"},
		{Round: 2, ProposerText: "p2", SkepticText: "s2"},
	}
	pair, err := loader.SynthesizerPrompt("query", rounds)
	require.NoError(t, err)
	for _, want := range []string{"p1", "s1", "p2", "s2"} {
		assert.Contains(t, pair.User, want)
	}
}

func TestAutoScorePrompt_RequiresJSONReply(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	pair, err := loader.AutoScorePrompt("query", "final answer text")
	require.NoError(t, err)
	assert.Contains(t, pair.System, "JSON")
	assert.Contains(t, pair.User, "final answer text")
}
