package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/KafClaw/agentcore/internal/timeline"
)

type fakeFactStore struct {
	mu        sync.Mutex
	facts     map[string]timeline.FactRecord
	order     []string
	insertErr error
	searchErr error
}

func newFakeFactStore() *fakeFactStore {
	return &fakeFactStore{facts: map[string]timeline.FactRecord{}}
}

func (f *fakeFactStore) InsertFact(r *timeline.FactRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.facts[r.ID]; ok {
		return nil
	}
	f.facts[r.ID] = *r
	f.order = append(f.order, r.ID)
	return nil
}

func (f *fakeFactStore) SearchFacts(terms []string, limit int) ([]timeline.FactRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []timeline.FactRecord
	for i := len(f.order) - 1; i >= 0; i-- {
		r := f.facts[f.order[i]]
		for _, t := range terms {
			if strings.Contains(strings.ToLower(r.Content+" "+r.Tags), t) {
				out = append(out, r)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFactStore) DeleteFact(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.facts, id)
	return nil
}

func (f *fakeFactStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.facts)
}

func TestService_StoreAndSearch(t *testing.T) {
	store := newFakeFactStore()
	svc := NewService(store)
	ctx := context.Background()

	id1, err := svc.Store(ctx, "The staging cluster runs in eu-west-1", "user", "infra")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected id")
	}
	if _, err := svc.Store(ctx, "Deploys to the staging cluster happen on Fridays", "user", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := svc.Store(ctx, "Alice likes green tea", "user", ""); err != nil {
		t.Fatalf("store: %v", err)
	}

	facts, err := svc.Search(ctx, "When are deploys to the staging cluster?", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d: %+v", len(facts), facts)
	}
	if !strings.Contains(facts[0].Content, "Fridays") {
		t.Fatalf("expected best match first, got %q", facts[0].Content)
	}
	if facts[0].Score <= facts[1].Score {
		t.Fatalf("expected descending scores, got %v then %v", facts[0].Score, facts[1].Score)
	}
}

func TestService_StoreIsIdempotent(t *testing.T) {
	store := newFakeFactStore()
	svc := NewService(store)
	ctx := context.Background()

	a, _ := svc.Store(ctx, "same fact", "user", "")
	b, _ := svc.Store(ctx, "same fact", "user", "")
	if a != b {
		t.Fatalf("expected same id, got %q and %q", a, b)
	}
	if store.count() != 1 {
		t.Fatalf("expected one row, got %d", store.count())
	}
}

func TestService_StoreErrors(t *testing.T) {
	svc := NewService(newFakeFactStore())
	if _, err := svc.Store(context.Background(), "   ", "user", ""); err == nil {
		t.Fatal("expected error for empty content")
	}

	store := newFakeFactStore()
	store.insertErr = errors.New("disk full")
	svc = NewService(store)
	if _, err := svc.Store(context.Background(), "something", "user", ""); err == nil {
		t.Fatal("expected insert error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewService(newFakeFactStore()).Store(ctx, "x", "user", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestService_NilStoreDegrades(t *testing.T) {
	svc := NewService(nil)
	id, err := svc.Store(context.Background(), "anything", "user", "")
	if err != nil || id != "" {
		t.Fatalf("expected no-op store, got %q %v", id, err)
	}
	facts, err := svc.Search(context.Background(), "anything", 5)
	if err != nil || len(facts) != 0 {
		t.Fatalf("expected empty search, got %v %v", facts, err)
	}
}

func TestService_SearchError(t *testing.T) {
	store := newFakeFactStore()
	store.searchErr = errors.New("locked")
	if _, err := NewService(store).Search(context.Background(), "staging cluster", 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestService_FetchContextRespectsBudget(t *testing.T) {
	svc := NewService(newFakeFactStore())
	ctx := context.Background()
	for _, c := range []string{
		"The billing service owns the invoices table",
		"The billing service is written in Go",
		"The billing service deploys hourly",
	} {
		if _, err := svc.Store(ctx, c, "user", ""); err != nil {
			t.Fatal(err)
		}
	}

	full, err := svc.FetchContext(ctx, "billing service", 1000)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if strings.Count(full, "\n") != 3 {
		t.Fatalf("expected 3 lines, got %q", full)
	}

	small, _ := svc.FetchContext(ctx, "billing service", 12)
	if strings.Count(small, "\n") >= 3 {
		t.Fatalf("expected budget to trim output, got %q", small)
	}

	none, _ := svc.FetchContext(ctx, "billing service", 0)
	if none != "" {
		t.Fatalf("expected empty output for zero budget, got %q", none)
	}
}

func TestService_StoreFactSkipsNoise(t *testing.T) {
	store := newFakeFactStore()
	svc := NewService(store)
	svc.StoreFact(context.Background(), "ok")
	svc.StoreFact(context.Background(), "error: boom")
	if store.count() != 0 {
		t.Fatalf("expected noise to be skipped, got %d", store.count())
	}
	svc.StoreFact(context.Background(), "The release train leaves every second Tuesday")
	if store.count() != 1 {
		t.Fatalf("expected one fact, got %d", store.count())
	}
}

func TestService_WithTimeline(t *testing.T) {
	tl, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer tl.Close()

	svc := NewService(tl)
	ctx := context.Background()
	id, err := svc.Store(ctx, "The on-call rotation changes on Mondays", "user", "oncall")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := svc.Store(ctx, "The on-call rotation changes on Mondays", "user", "oncall"); err != nil {
		t.Fatalf("duplicate store: %v", err)
	}

	facts, err := svc.Search(ctx, "rotation", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(facts) != 1 || facts[0].ID != id {
		t.Fatalf("unexpected facts: %+v", facts)
	}

	if err := svc.Forget(ctx, id); err != nil {
		t.Fatalf("forget: %v", err)
	}
	facts, _ = svc.Search(ctx, "rotation", 5)
	if len(facts) != 0 {
		t.Fatalf("expected fact to be gone, got %+v", facts)
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("What is the Deploy window, and the deploy TARGET?")
	want := []string{"deploy", "window", "target"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Keywords = %v, want %v", got, want)
	}
	if len(Keywords("a an it")) != 0 {
		t.Fatal("expected no keywords")
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	a := chunkID("user", "hello world")
	if a != chunkID("user", "hello world") {
		t.Fatal("expected deterministic id")
	}
	if a == chunkID("agent", "hello world") {
		t.Fatal("expected source to change the id")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}
