// Package interview implements the task that asks a list of questions of
// one model.
//
// Each question first takes one request and an estimate of its prompt
// tokens from the model's bucket pair. Answers are cached per iteration;
// a cache hit hands the admission back to the buckets:
//
//	iv := interview.New("openai/gpt-4o", provider, []interview.Question{
//	    {Name: "mood", Text: "How are you feeling today?"},
//	}, interview.WithSystem("Answer in one word."), interview.WithReducer(coord))
//
// A rate limit rejection from the endpoint is reported to the Reducer,
// which shrinks the local buckets and tells peer processes.
package interview
