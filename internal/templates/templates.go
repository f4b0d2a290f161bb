// Package templates holds the reasoning-template corpus the retriever
// scores against an incoming query: parsing, indexing, and cosine-
// similarity search, embedding vectors obtained from an inference client.
package templates

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/models"
)

// Embedder is the subset of the inference client the store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type entry struct {
	id          string
	name        string
	domain      string
	complexity  string
	methodology string
	keywords    []string
	description string
	body        string
	path        string
	embedding   []float32
	uses        int
}

// Store holds the indexed templates and serves similarity search against
// them. Safe for concurrent use.
type Store struct {
	embedder        Embedder
	similarityFloor float64
	fallbackID      string
	fallbackBody    string

	mu    sync.RWMutex
	byID  map[string]*entry
	order []string
}

// New builds an empty Store. fallbackID/fallbackBody describe the
// designated fallback template returned when nothing clears
// similarityFloor.
func New(embedder Embedder, similarityFloor float64, fallbackID, fallbackBody string) *Store {
	return &Store{
		embedder:        embedder,
		similarityFloor: similarityFloor,
		fallbackID:      fallbackID,
		fallbackBody:    fallbackBody,
		byID:            make(map[string]*entry),
	}
}

var frontMatterDelim = regexp.MustCompile(`^---\s*$`)

type frontMatter struct {
	Name        string   `yaml:"name"`
	Domain      string   `yaml:"domain"`
	Complexity  string   `yaml:"complexity"`
	Methodology string   `yaml:"methodology"`
	Keywords    []string `yaml:"keywords"`
	Description string   `yaml:"description"`
}

// parseDocument splits a template source document into its YAML front
// matter and body. A document with no leading "---" fence has no
// metadata and an empty name (the caller rejects it).
func parseDocument(raw string) (frontMatter, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	if !scanner.Scan() || !frontMatterDelim.MatchString(scanner.Text()) {
		return frontMatter{}, raw, nil
	}

	var yamlLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if frontMatterDelim.MatchString(line) {
			closed = true
			break
		}
		yamlLines = append(yamlLines, line)
	}
	if !closed {
		return frontMatter{}, raw, apperr.New(apperr.Validation, "unterminated template front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &fm); err != nil {
		return frontMatter{}, "", apperr.Wrap(apperr.Validation, "invalid template front matter", err)
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	return fm, strings.TrimSpace(strings.Join(bodyLines, "\n")), nil
}

func slugify(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// compositeText builds the string the embedder sees for a template:
// name, description, keywords, domain, methodology, and a truncated
// body prefix.
func compositeText(fm frontMatter, body string) string {
	prefix := body
	if len(prefix) > 500 {
		prefix = prefix[:500]
	}
	parts := []string{fm.Name, fm.Description, strings.Join(fm.Keywords, " "), fm.Domain, fm.Methodology, prefix}
	return strings.Join(parts, "\n")
}

// AddOne parses and indexes a single template file, replacing any prior
// entry with the same id.
func (s *Store) AddOne(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.NotFound, "read template file", err)
	}

	fm, body, err := parseDocument(string(raw))
	if err != nil {
		return "", err
	}
	if fm.Name == "" {
		return "", apperr.New(apperr.Validation, "template missing name in front matter: "+path)
	}

	id := slugify(fm.Name)
	vec, err := s.embedder.Embed(ctx, compositeText(fm, body))
	if err != nil {
		return "", err
	}

	e := &entry{
		id:          id,
		name:        fm.Name,
		domain:      fm.Domain,
		complexity:  fm.Complexity,
		methodology: fm.Methodology,
		keywords:    fm.Keywords,
		description: fm.Description,
		body:        body,
		path:        path,
		embedding:   vec,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; !exists {
		s.order = append(s.order, id)
	}
	s.byID[id] = e
	return id, nil
}

// Reindex scans directories for *.md template sources, upserting each
// one and replacing its prior embedding. Idempotent: repeating with
// unchanged inputs produces the same index. Returns the count indexed.
// A file whose front matter does not parse, or names no template, is
// skipped with a warning and not counted; any other failure (an
// unreadable file, a failed embedding) aborts the reindex.
func (s *Store) Reindex(ctx context.Context, directories []string) (int, error) {
	count := 0
	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".md") {
				return nil
			}
			if _, addErr := s.AddOne(ctx, path); addErr != nil {
				if apperr.KindOf(addErr) == apperr.Validation {
					logrus.WithError(addErr).WithField("path", path).Warn("templates: skipping unparsable template")
					return nil
				}
				return addErr
			}
			count++
			return nil
		})
		if err != nil {
			return count, apperr.Wrap(apperr.Internal, "reindex templates", err)
		}
	}
	return count, nil
}

// List returns every indexed template, in insertion order.
func (s *Store) List() []models.TemplateRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TemplateRef, 0, len(s.order))
	for _, id := range s.order {
		e := s.byID[id]
		out = append(out, toRef(e, 0))
	}
	return out
}

// RecordUse increments the usage counter for id. A no-op if id is
// unknown.
func (s *Store) RecordUse(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		e.uses++
	}
}

// Search embeds query and returns the k nearest templates by cosine
// similarity at or above the similarity floor. If none pass, it returns
// a single-element fallback list (or empty, if the fallback itself is
// absent from the index).
func (s *Store) Search(ctx context.Context, query string, k int) ([]models.TemplateRef, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		candidates = append(candidates, e)
	}
	fallback := s.byID[s.fallbackID]
	s.mu.RUnlock()

	type scored struct {
		e     *entry
		score float64
	}
	results := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		sim := cosineSimilarity(queryVec, e.embedding)
		if sim >= s.similarityFloor {
			results = append(results, scored{e, sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].e.id < results[j].e.id
	})

	if len(results) == 0 {
		if fallback == nil {
			return nil, nil
		}
		return []models.TemplateRef{toRef(fallback, 0.5)}, nil
	}

	if len(results) > k {
		results = results[:k]
	}
	out := make([]models.TemplateRef, 0, len(results))
	for _, r := range results {
		out = append(out, toRef(r.e, r.score))
	}
	return out, nil
}

func toRef(e *entry, score float64) models.TemplateRef {
	return models.TemplateRef{
		ID:          e.id,
		Name:        e.name,
		Score:       score,
		Description: e.description,
		Body:        e.body,
	}
}

// cosineSimilarity computes the dot-product-over-norms similarity
// between two float32 embeddings.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EnsureFallback guarantees the designated fallback template exists in
// the index, indexing fallbackBody under fallbackID if it's missing.
// Called once at startup so search's degraded path always has a target.
func (s *Store) EnsureFallback(ctx context.Context) error {
	s.mu.RLock()
	_, exists := s.byID[s.fallbackID]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	fm := frontMatter{Name: s.fallbackID, Description: "general-purpose fallback template"}
	vec, err := s.embedder.Embed(ctx, compositeText(fm, s.fallbackBody))
	if err != nil {
		return fmt.Errorf("embed fallback template: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[s.fallbackID]; exists {
		return nil
	}
	s.byID[s.fallbackID] = &entry{
		id:          s.fallbackID,
		name:        s.fallbackID,
		description: fm.Description,
		body:        s.fallbackBody,
		embedding:   vec,
	}
	s.order = append(s.order, s.fallbackID)
	return nil
}
