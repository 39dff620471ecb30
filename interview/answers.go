package interview

import "github.com/vinayprograms/jobkit/llm"

// Answer is the reply to one question.
type Answer struct {
	Question     string `json:"question"`
	Text         string `json:"text"`
	Cached       bool   `json:"cached"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// TokenUsage counts prompt and completion tokens.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Cost prices the tokens with p.
func (u TokenUsage) Cost(p llm.Pricing) float64 {
	return p.Cost(u.Prompt, u.Completion)
}

// Add returns the sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Prompt: u.Prompt + o.Prompt, Completion: u.Completion + o.Completion}
}

// Usage separates tokens spent on fresh calls from tokens replayed from the
// cache.
type Usage struct {
	New    TokenUsage `json:"new"`
	Cached TokenUsage `json:"cached"`
}

// Add returns the sum of u and o, keeping new and cached tokens apart.
func (u Usage) Add(o Usage) Usage {
	return Usage{New: u.New.Add(o.New), Cached: u.Cached.Add(o.Cached)}
}

// Cost prices the usage with p. Cached tokens were not billed again, so
// their price is reported as Saved rather than added to Spent.
func (u Usage) Cost(p llm.Pricing) Cost {
	return Cost{Spent: u.New.Cost(p), Saved: u.Cached.Cost(p)}
}

// Cost is the price of a Usage in US dollars.
type Cost struct {
	Spent float64 `json:"spent"`
	Saved float64 `json:"saved"`
}

// Add returns the sum of c and o.
func (c Cost) Add(o Cost) Cost {
	return Cost{Spent: c.Spent + o.Spent, Saved: c.Saved + o.Saved}
}

// Answers is the payload of a conducted interview.
type Answers struct {
	InterviewID string   `json:"interview_id"`
	Resource    string   `json:"resource"`
	Iteration   int      `json:"iteration"`
	Items       []Answer `json:"items"`
	Usage       Usage    `json:"usage"`
}

func (a *Answers) add(ans Answer) {
	a.Items = append(a.Items, ans)
	u := &a.Usage.New
	if ans.Cached {
		u = &a.Usage.Cached
	}
	u.Prompt += ans.InputTokens
	u.Completion += ans.OutputTokens
}

// Get returns the answer text of the named question.
func (a *Answers) Get(name string) (string, bool) {
	for _, item := range a.Items {
		if item.Question == name {
			return item.Text, true
		}
	}
	return "", false
}

// CacheHits returns how many answers came from the cache.
func (a *Answers) CacheHits() int {
	n := 0
	for _, item := range a.Items {
		if item.Cached {
			n++
		}
	}
	return n
}
