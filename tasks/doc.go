// Package tasks defines the unit of work a run executes.
//
// A Task has a stable identity, names the rate-limited resource it calls,
// and can duplicate itself for repeated iterations:
//
//	t := tasks.NewFunc("openai/gpt-4o", func(ctx context.Context, iteration int) (any, error) {
//	    return callModel(ctx)
//	}, tasks.WithCost(1, 500))
//
//	expanded, err := tasks.Expand([]tasks.Task{t}, 3, cache.NewMemoryCache())
//	// t, t#1, t#2
//
// External calls inside Conduct go through Call so the per-call timeout
// carried by the context applies:
//
//	ctx = tasks.WithCallTimeout(ctx, 60*time.Second)
//	resp, err := tasks.Call(ctx, func(ctx context.Context) (*llm.ChatResponse, error) {
//	    return provider.Chat(ctx, req)
//	})
package tasks
