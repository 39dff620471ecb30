package interview

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/vinayprograms/jobkit/cache"
	"github.com/vinayprograms/jobkit/errors"
	"github.com/vinayprograms/jobkit/llm"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/ratelimit"
	"github.com/vinayprograms/jobkit/tasks"
)

// Question is one prompt of an interview.
type Question struct {
	// Name identifies the answer in Answers.
	Name string `json:"name"`

	// Text is the user prompt.
	Text string `json:"text"`
}

// Reducer is told when an endpoint rejects a call with a rate limit.
// ratelimit.Coordinator implements it.
type Reducer interface {
	AnnounceReduced(resource, reason string)
}

// EstimateTokens approximates the tokens a prompt consumes: one per four
// characters of combined prompt text.
func EstimateTokens(system, user string) float64 {
	return float64(len(system)+len(user)) / 4.0
}

// Interview asks a fixed list of questions of one model. It is a tasks.Task.
type Interview struct {
	baseID     string
	resource   string
	system     string
	questions  []Question
	parameters map[string]any
	maxTokens  int
	iteration  int

	provider llm.Provider
	cache    cache.Cache
	reducer  Reducer
	logger   *logging.Logger
}

// Option configures an Interview.
type Option func(*Interview)

// WithID sets the identity instead of a random one.
func WithID(id string) Option {
	return func(i *Interview) { i.baseID = id }
}

// WithSystem sets the system prompt sent with every question.
func WithSystem(system string) Option {
	return func(i *Interview) { i.system = system }
}

// WithParameters sets model parameters. They are part of the cache key;
// "temperature" is also sent to the provider.
func WithParameters(params map[string]any) Option {
	return func(i *Interview) { i.parameters = params }
}

// WithMaxTokens caps each answer.
func WithMaxTokens(n int) Option {
	return func(i *Interview) { i.maxTokens = n }
}

// WithCache sets the response cache. Expand replaces it.
func WithCache(c cache.Cache) Option {
	return func(i *Interview) { i.cache = c }
}

// WithReducer sets who to tell about rate limit rejections.
func WithReducer(r Reducer) Option {
	return func(i *Interview) { i.reducer = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(i *Interview) { i.logger = l }
}

// New creates an interview asking questions of resource ("service/model")
// through provider.
func New(resource string, provider llm.Provider, questions []Question, opts ...Option) *Interview {
	i := &Interview{
		baseID:    uuid.NewString(),
		resource:  resource,
		questions: append([]Question(nil), questions...),
		provider:  provider,
	}
	for _, opt := range opts {
		opt(i)
	}
	for n := range i.questions {
		if i.questions[n].Name == "" {
			i.questions[n].Name = fmt.Sprintf("q%d", n)
		}
	}
	return i
}

// ID implements tasks.Task. Duplicates carry a "#<iteration>" suffix.
func (i *Interview) ID() string {
	if i.iteration == 0 {
		return i.baseID
	}
	return fmt.Sprintf("%s#%d", i.baseID, i.iteration)
}

// Resource implements tasks.Task.
func (i *Interview) Resource() string {
	return i.resource
}

// Iteration returns the iteration this copy runs.
func (i *Interview) Iteration() int {
	return i.iteration
}

// Questions returns the questions in order.
func (i *Interview) Questions() []Question {
	return append([]Question(nil), i.questions...)
}

// SetCache implements tasks.CacheSetter.
func (i *Interview) SetCache(c cache.Cache) {
	i.cache = c
}

// Duplicate implements tasks.Task. The copy uses c as its cache, so a nil
// c leaves it uncached. Questions and parameters are copied.
func (i *Interview) Duplicate(iteration int, c cache.Cache) tasks.Task {
	dup := *i
	dup.questions = append([]Question(nil), i.questions...)
	dup.parameters = maps.Clone(i.parameters)
	dup.iteration = iteration
	dup.cache = c
	return &dup
}

// Conduct implements tasks.Task. Questions are asked in order; the first
// failure ends the interview with TASK_FAILED wrapping the cause.
func (i *Interview) Conduct(ctx context.Context, buckets *ratelimit.Pair) (any, error) {
	if i.provider == nil {
		return nil, errors.InvalidInput("interview has no provider", errors.WithTaskID(i.ID()))
	}
	if buckets == nil {
		buckets = ratelimit.InfinityPair()
	}

	answers := &Answers{
		InterviewID: i.ID(),
		Resource:    i.resource,
		Iteration:   i.iteration,
		Items:       make([]Answer, 0, len(i.questions)),
	}
	for n, q := range i.questions {
		a, err := i.ask(ctx, buckets, q)
		if err != nil {
			return nil, errors.TaskFailed(i.ID(), err,
				errors.WithResource(i.resource),
				errors.WithMetadata("question", q.Name),
				errors.WithMetadata("question_index", fmt.Sprint(n)))
		}
		answers.add(a)
	}
	return answers, nil
}

// ask answers one question, from the cache when possible.
func (i *Interview) ask(ctx context.Context, buckets *ratelimit.Pair, q Question) (Answer, error) {
	estimate := EstimateTokens(i.system, q.Text)
	if err := buckets.Acquire(ctx, 1, estimate, true); err != nil {
		return Answer{}, err
	}

	key := cache.Key(cache.KeyParams{
		Model:      i.resource,
		Parameters: i.parameters,
		System:     i.system,
		User:       q.Text,
		Iteration:  i.iteration,
	})

	if i.cache != nil {
		data, ok, err := i.cache.Fetch(ctx, key)
		if err != nil {
			i.logger.Warn("cache fetch failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
		if ok {
			var a Answer
			if err := json.Unmarshal(data, &a); err == nil {
				// No call was made, so the admission goes back.
				buckets.Release(1, estimate)
				a.Question = q.Name
				a.Cached = true
				return a, nil
			}
			i.logger.Warn("discarding unreadable cache entry", map[string]interface{}{"key": key})
		}
	}

	req := llm.ChatRequest{MaxTokens: i.maxTokens}
	if i.system != "" {
		req.Messages = append(req.Messages, llm.Message{Role: "system", Content: i.system})
	}
	req.Messages = append(req.Messages, llm.Message{Role: "user", Content: q.Text})
	if t, ok := i.parameters["temperature"].(float64); ok {
		req.Temperature = &t
	}

	resp, err := tasks.Call(ctx, func(ctx context.Context) (*llm.ChatResponse, error) {
		return i.provider.Chat(ctx, req)
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeRateLimit) && i.reducer != nil {
			i.reducer.AnnounceReduced(i.resource, "rate limited: "+err.Error())
		}
		return Answer{}, err
	}

	a := Answer{
		Question:     q.Name,
		Text:         resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if i.cache != nil {
		data, mErr := json.Marshal(a)
		if mErr == nil {
			mErr = i.cache.Store(ctx, key, data)
		}
		if mErr != nil {
			i.logger.Warn("cache store failed", map[string]interface{}{"key": key, "error": mErr.Error()})
		}
	}
	return a, nil
}

var (
	_ tasks.Task        = (*Interview)(nil)
	_ tasks.CacheSetter = (*Interview)(nil)
)
