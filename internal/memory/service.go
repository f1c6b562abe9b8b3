// Package memory is the long-term fact store behind the agent loop's
// context fetch and the remember/recall tools.
package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/KafClaw/agentcore/internal/timeline"
	"github.com/KafClaw/agentcore/internal/tokens"
)

// Fact is a stored piece of memory with its relevance to the last query.
type Fact struct {
	ID        string
	Content   string
	Source    string
	Tags      string
	Score     float64
	CreatedAt time.Time
}

// FactStore is the persistence the service needs. *timeline.TimelineService
// satisfies it.
type FactStore interface {
	InsertFact(f *timeline.FactRecord) error
	SearchFacts(terms []string, limit int) ([]timeline.FactRecord, error)
	DeleteFact(id string) error
}

// Service provides Store/Search over the fact store. A nil store degrades to
// no-op Store and empty Search.
type Service struct {
	store FactStore
}

// NewService creates a new Service.
func NewService(store FactStore) *Service {
	return &Service{store: store}
}

// candidateFactor widens the SQL prefilter before scoring.
const candidateFactor = 4

// Store saves content and returns its id. Storing identical content from the
// same source twice yields the same id and one row.
func (s *Service) Store(ctx context.Context, content, source, tags string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty content")
	}
	if s == nil || s.store == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := chunkID(source, content)
	err := s.store.InsertFact(&timeline.FactRecord{
		ID:      id,
		Content: content,
		Source:  source,
		Tags:    tags,
	})
	if err != nil {
		return "", fmt.Errorf("insert fact: %w", err)
	}
	return id, nil
}

// Search returns up to limit facts ranked by keyword overlap with query.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Fact, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	terms := Keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}
	records, err := s.store.SearchFacts(terms, limit*candidateFactor)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}

	facts := make([]Fact, 0, len(records))
	for _, r := range records {
		score := overlap(terms, r.Content+" "+r.Tags)
		if score == 0 {
			continue
		}
		facts = append(facts, Fact{
			ID:        r.ID,
			Content:   r.Content,
			Source:    r.Source,
			Tags:      r.Tags,
			Score:     score,
			CreatedAt: r.CreatedAt,
		})
	}
	sort.SliceStable(facts, func(i, j int) bool { return facts[i].Score > facts[j].Score })
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// Forget deletes a fact by id.
func (s *Service) Forget(ctx context.Context, id string) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.DeleteFact(id)
}

// FetchContext renders the facts relevant to query as a bullet list that
// fits within tokenBudget tokens. An empty string means nothing relevant.
func (s *Service) FetchContext(ctx context.Context, query string, tokenBudget int) (string, error) {
	if tokenBudget <= 0 {
		return "", nil
	}
	facts, err := s.Search(ctx, query, 10)
	if err != nil || len(facts) == 0 {
		return "", err
	}

	var sb strings.Builder
	used := 0
	for _, f := range facts {
		line := "- " + f.Content + "\n"
		n := tokens.Count(line)
		if used+n > tokenBudget {
			break
		}
		sb.WriteString(line)
		used += n
	}
	return sb.String(), nil
}

// StoreFact records text produced by a run. Failures are logged only.
func (s *Service) StoreFact(ctx context.Context, text string) {
	if shouldSkip(text) {
		return
	}
	if _, err := s.Store(ctx, text, "agent", ""); err != nil {
		slog.Warn("Memory store failed", "error", err)
	}
}

// chunkID generates a deterministic ID from source and content.
func chunkID(source, content string) string {
	h := sha256.Sum256([]byte(source + ":" + content))
	return fmt.Sprintf("%x", h[:8])
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "what": true,
	"with": true, "this": true, "that": true, "from": true, "have": true, "you": true,
	"your": true, "how": true, "who": true, "when": true, "where": true, "which": true,
	"about": true, "into": true, "can": true, "does": true, "please": true,
}

// Keywords lowercases query and returns its distinct significant words.
func Keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// overlap is the fraction of terms found in text.
func overlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// shouldSkip returns true for content that is not worth keeping.
func shouldSkip(content string) bool {
	lower := strings.ToLower(strings.TrimSpace(content))
	if lower == "" {
		return true
	}

	greetings := []string{"hi", "hello", "hey", "ok", "yes", "no", "thanks", "thank you", "done"}
	for _, g := range greetings {
		if lower == g {
			return true
		}
	}

	// raw tool-call JSON
	if strings.HasPrefix(lower, "{\"type\":\"tool_call") || strings.HasPrefix(lower, "[{\"id\"") {
		return true
	}

	if strings.HasPrefix(lower, "error:") && len(lower) < 200 {
		return true
	}
	return false
}
