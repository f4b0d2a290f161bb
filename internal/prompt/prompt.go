// Package prompt builds the {system, user} message pairs each debate
// role sends to the inference client. It is pure and dependency-free:
// system prompt bodies are data, loaded once from embedded text assets,
// never hand-authored inline in Go source.
package prompt

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/vulcanhelix/reasonarena/internal/models"
)

//go:embed assets/*.txt
var assetFS embed.FS

// Pair is the system/user message pair sent for one inference call.
type Pair struct {
	System string
	User   string
}

// Loader holds the parsed system-prompt templates for each role.
type Loader struct {
	proposer    *template.Template
	skeptic     *template.Template
	synthesizer *template.Template
	autoScore   *template.Template
}

// NewLoader parses every asset once at startup.
func NewLoader() (*Loader, error) {
	l := &Loader{}
	var err error
	if l.proposer, err = parseAsset("proposer.system.txt"); err != nil {
		return nil, err
	}
	if l.skeptic, err = parseAsset("skeptic.system.txt"); err != nil {
		return nil, err
	}
	if l.synthesizer, err = parseAsset("synthesizer.system.txt"); err != nil {
		return nil, err
	}
	if l.autoScore, err = parseAsset("autoscore.system.txt"); err != nil {
		return nil, err
	}
	return l, nil
}

func parseAsset(name string) (*template.Template, error) {
	raw, err := assetFS.ReadFile("assets/" + name)
	if err != nil {
		return nil, fmt.Errorf("prompt: read asset %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("prompt: parse asset %s: %w", name, err)
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// ProposerFirstRound builds the Proposer prompt for round 1: the
// retrieved templates plus the original query.
func (l *Loader) ProposerFirstRound(query string, templates []models.TemplateRef) (Pair, error) {
	system, err := render(l.proposer, nil)
	if err != nil {
		return Pair{}, err
	}

	var b strings.Builder
	b.WriteString("Query:\n")
	b.WriteString(query)
	b.WriteString("\n\nRetrieved reasoning templates:\n")
	for _, t := range templates {
		fmt.Fprintf(&b, "\n- %s (score %.2f): %s\n%s\n", t.Name, t.Score, t.Description, t.Body)
	}
	return Pair{System: system, User: b.String()}, nil
}

// ProposerLaterRound builds the Proposer prompt for round > 1: a digest
// of prior rounds plus the Skeptic's most recent critique.
func (l *Loader) ProposerLaterRound(query string, rounds []models.Round) (Pair, error) {
	system, err := render(l.proposer, nil)
	if err != nil {
		return Pair{}, err
	}

	var b strings.Builder
	b.WriteString("Query:\n")
	b.WriteString(query)
	b.WriteString("\n\n")
	writeRoundDigest(&b, rounds)
	last := rounds[len(rounds)-1]
	b.WriteString("\nAddress each point in the Skeptic's latest critique:\n")
	b.WriteString(last.SkepticText)
	b.WriteString("\n")
	return Pair{System: system, User: b.String()}, nil
}

// SkepticPrompt builds the Skeptic prompt for the current round, with
// wording that escalates toward the final round.
func (l *Loader) SkepticPrompt(proposerText string, priorRounds []models.Round, round, maxRounds int) (Pair, error) {
	system, err := render(l.skeptic, nil)
	if err != nil {
		return Pair{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Round %d of %d.\n\n", round, maxRounds)
	if len(priorRounds) > 0 {
		writeRoundDigest(&b, priorRounds)
		b.WriteString("\n")
	}
	b.WriteString("Proposer's latest answer:\n")
	b.WriteString(proposerText)
	b.WriteString("\n\n")

	switch {
	case round >= maxRounds:
		b.WriteString("This is the final round. Raise any last unresolved issues now.\n")
	case round == 1:
		b.WriteString("Critique this answer broadly.\n")
	default:
		b.WriteString("Focus only on points raised earlier that remain unresolved.\n")
	}
	return Pair{System: system, User: b.String()}, nil
}

// SynthesizerPrompt builds the Synthesizer prompt: the query and the
// full round-by-round transcript.
func (l *Loader) SynthesizerPrompt(query string, rounds []models.Round) (Pair, error) {
	system, err := render(l.synthesizer, nil)
	if err != nil {
		return Pair{}, err
	}

	var b strings.Builder
	b.WriteString("Query:\n")
	b.WriteString(query)
	b.WriteString("\n\n")
	writeRoundDigest(&b, rounds)
	return Pair{System: system, User: b.String()}, nil
}

// AutoScorePrompt builds the Auto-Scorer prompt: the query and final
// answer, with a system prompt requiring a JSON reply.
func (l *Loader) AutoScorePrompt(query, finalAnswer string) (Pair, error) {
	system, err := render(l.autoScore, nil)
	if err != nil {
		return Pair{}, err
	}

	user := fmt.Sprintf("Query:\n%s\n\nFinal answer:\n%s\n", query, finalAnswer)
	return Pair{System: system, User: user}, nil
}

func writeRoundDigest(b *strings.Builder, rounds []models.Round) {
	b.WriteString("Prior rounds:\n")
	for _, r := range rounds {
		fmt.Fprintf(b, "\nRound %d proposer:\n%s\n\nRound %d skeptic:\n%s\n", r.Round, r.ProposerText, r.Round, r.SkepticText)
	}
}

// ReadySentinel is the literal string the Skeptic emits when it has no
// further unresolved issues. Must match the instruction text in
// assets/skeptic.system.txt byte-for-byte.
const ReadySentinel = "[[READY]]"

// CriticalSentinel is the literal string the Skeptic emits when an
// issue is severe enough to block acceptance. Must match the
// instruction text in assets/skeptic.system.txt byte-for-byte.
const CriticalSentinel = "[[CRITICAL]]"
