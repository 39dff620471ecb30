package interview

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/jobkit/cache"
	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/llm"
	"github.com/vinayprograms/jobkit/ratelimit"
	"github.com/vinayprograms/jobkit/tasks"
)

type recordingReducer struct {
	mu        sync.Mutex
	resources []string
}

func (r *recordingReducer) AnnounceReduced(resource, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, resource)
}

func testPair() *ratelimit.Pair {
	coll := ratelimit.NewCollection(ratelimit.LimitsFunc(func(string) (ratelimit.Limits, bool) {
		return ratelimit.Limits{RPM: 600, TPM: 60000}, true
	}))
	return coll.Get("svc/model")
}

var questions = []Question{
	{Name: "color", Text: "What is your favourite color?"},
	{Text: "Why?"},
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("abcd", "efghijkl"); got != 3 {
		t.Errorf("EstimateTokens = %v, want 3", got)
	}
	if got := EstimateTokens("", "ab"); got != 0.5 {
		t.Errorf("EstimateTokens = %v, want 0.5", got)
	}
}

func TestConduct_AsksInOrder(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1].Content
		return &llm.ChatResponse{Content: "answer to " + last, InputTokens: 4, OutputTokens: 2}, nil
	}

	iv := New("svc/model", mock, questions, WithID("iv"), WithSystem("be brief"))
	payload, err := iv.Conduct(context.Background(), testPair())
	if err != nil {
		t.Fatalf("Conduct: %v", err)
	}

	answers := payload.(*Answers)
	if answers.InterviewID != "iv" || len(answers.Items) != 2 {
		t.Fatalf("answers = %+v", answers)
	}
	if got, _ := answers.Get("color"); got != "answer to What is your favourite color?" {
		t.Errorf("color = %q", got)
	}
	if _, ok := answers.Get("q1"); !ok {
		t.Error("unnamed question should be named q1")
	}
	if answers.Usage.New.Prompt != 8 || answers.Usage.Cached.Prompt != 0 {
		t.Errorf("usage = %+v", answers.Usage)
	}

	req := mock.LastRequest()
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
		t.Errorf("system prompt not sent: %+v", req.Messages)
	}
}

func TestConduct_AcquiresEstimate(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetResponse("ok")
	pair := testPair()

	iv := New("svc/model", mock, []Question{{Text: strings.Repeat("x", 4000)}})
	if _, err := iv.Conduct(context.Background(), pair); err != nil {
		t.Fatalf("Conduct: %v", err)
	}

	// 1000 estimated tokens were taken; refill during the test is tiny.
	if lvl := pair.Tokens.Level(); lvl > 59010 {
		t.Errorf("tokens level = %v, estimate not acquired", lvl)
	}
	if lvl := pair.Requests.Level(); lvl > 599.5 {
		t.Errorf("requests level = %v", lvl)
	}
}

func TestConduct_CacheHitReturnsTokens(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetResponse("fresh")
	mock.SetTokenCounts(10, 5)
	c := cache.NewMemoryCache()
	q := []Question{{Name: "q", Text: strings.Repeat("y", 400)}}

	first := New("svc/model", mock, q, WithCache(c))
	if _, err := first.Conduct(context.Background(), testPair()); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("cache has %d entries", c.Len())
	}

	pair := testPair()
	second := New("svc/model", mock, q, WithCache(c))
	payload, err := second.Conduct(context.Background(), pair)
	if err != nil {
		t.Fatal(err)
	}

	answers := payload.(*Answers)
	if mock.CallCount() != 1 {
		t.Errorf("provider called %d times, want 1", mock.CallCount())
	}
	if answers.CacheHits() != 1 || answers.Items[0].Text != "fresh" {
		t.Errorf("answers = %+v", answers.Items)
	}
	if answers.Usage.Cached.Prompt != 10 {
		t.Errorf("usage = %+v", answers.Usage)
	}
	if lvl := pair.Tokens.Level(); lvl < 60000-1 {
		t.Errorf("cache hit should return the tokens, level %v", lvl)
	}
	if lvl := pair.Requests.Level(); lvl < 600-0.01 {
		t.Errorf("cache hit should return the request, level %v", lvl)
	}
}

func TestConduct_IterationsMissCache(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetResponse("ok")
	c := cache.NewMemoryCache()

	iv := New("svc/model", mock, []Question{{Text: "same"}})
	expanded, err := tasks.Expand([]tasks.Task{iv}, 3, c)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range expanded {
		if _, err := task.Conduct(context.Background(), testPair()); err != nil {
			t.Fatal(err)
		}
	}
	if mock.CallCount() != 3 || c.Len() != 3 {
		t.Errorf("calls=%d entries=%d; each iteration needs its own answer", mock.CallCount(), c.Len())
	}
}

func TestConduct_RateLimitReported(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetError(errors.RateLimited("429 from endpoint"))
	reducer := &recordingReducer{}

	iv := New("svc/model", mock, questions, WithID("iv"), WithReducer(reducer))
	_, err := iv.Conduct(context.Background(), testPair())

	if !errors.Is(err, errors.ErrCodeTaskFailed) || !errors.Is(err, errors.ErrCodeRateLimit) {
		t.Fatalf("expected TASK_FAILED wrapping RATE_LIMITED, got %v", err)
	}
	if je := errors.AsJobError(err); je == nil || je.(*errors.Error).TaskID() != "iv" || je.Metadata()["question"] != "color" {
		t.Errorf("error context lost: %v", err)
	}
	if len(reducer.resources) != 1 || reducer.resources[0] != "svc/model" {
		t.Errorf("reducer calls = %v", reducer.resources)
	}
	if mock.CallCount() != 1 {
		t.Errorf("interview should stop at the first failure, calls=%d", mock.CallCount())
	}
}

func TestConduct_Timeout(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx := tasks.WithCallTimeout(context.Background(), 20*time.Millisecond)
	_, err := New("svc/model", mock, questions).Conduct(ctx, testPair())
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestConduct_NoProvider(t *testing.T) {
	_, err := New("svc/model", nil, questions).Conduct(context.Background(), nil)
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestConduct_NilBucketsUnlimited(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetResponse("ok")
	if _, err := New("svc/model", mock, questions).Conduct(context.Background(), nil); err != nil {
		t.Errorf("Conduct without buckets: %v", err)
	}
}

func TestDuplicate(t *testing.T) {
	c1 := cache.NewMemoryCache()
	c2 := cache.NewMemoryCache()
	iv := New("svc/model", llm.NewMockProvider(), questions,
		WithID("base"), WithCache(c1), WithParameters(map[string]any{"temperature": 0.5}))

	dup := iv.Duplicate(2, c2).(*Interview)
	if dup.ID() != "base#2" || dup.Iteration() != 2 || dup.cache != c2 {
		t.Errorf("dup = id %s iteration %d", dup.ID(), dup.Iteration())
	}
	dup.questions[0].Text = "changed"
	if iv.Questions()[0].Text == "changed" {
		t.Error("duplicate shares question storage")
	}

	dup.parameters["temperature"] = 1.0
	if iv.parameters["temperature"] != 0.5 {
		t.Error("duplicate shares parameters")
	}

	uncached := iv.Duplicate(1, nil).(*Interview)
	if uncached.cache != nil {
		t.Error("duplicate with a nil cache kept the receiver's cache")
	}
	if iv.cache != c1 {
		t.Error("Duplicate changed the receiver's cache")
	}
}
