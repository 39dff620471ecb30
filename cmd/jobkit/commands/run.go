package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/vinayprograms/jobkit/config"
	"github.com/vinayprograms/jobkit/interview"
	"github.com/vinayprograms/jobkit/llm"
	"github.com/vinayprograms/jobkit/logging"
	"github.com/vinayprograms/jobkit/results"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Interview one or more models and print the results as JSON",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "questions",
				Aliases:  []string{"q"},
				Usage:    "File with one question per line",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "model",
				Aliases:  []string{"m"},
				Usage:    "Model to interview as service/model (repeatable)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "system",
				Usage: "System prompt sent with every question",
			},
			&cli.IntFlag{
				Name:  "iterations",
				Usage: "Times to repeat each interview",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum interviews in flight",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout of each model call",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Stop at the first failed interview",
			},
			&cli.BoolFlag{
				Name:  "turbo",
				Usage: "Ignore rate limits",
			},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	questions, err := readQuestions(cmd.String("questions"))
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}()
	if cmd.Bool("turbo") {
		a.collection.TurboOn()
	}

	interviews, err := a.interviews(cmd.StringSlice("model"), questions, cmd.String("system"))
	if err != nil {
		return err
	}

	settings := cfg.RunnerSettings()
	settings.Cache = a.cache
	settings.Progress = a.progressSink()
	settings.Logger = logger
	settings.Tracer = a.tracer

	exec, err := a.start(ctx, interviews, settings)
	if err != nil {
		return err
	}

	res, err := exec.Wait()
	if err != nil {
		return err
	}
	return report(stdout(cmd), stderr(cmd), res, a.registry.Pricing)
}

// loadConfig reads --config and applies --log-level.
func loadConfig(cmd *cli.Command) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New()
	logger.SetOutput(stderr(cmd))
	logger.SetLevel(level)
	return cfg, logger, nil
}

func applyRunFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("iterations") {
		cfg.Runner.Iterations = cmd.Int("iterations")
	}
	if cmd.IsSet("concurrency") {
		cfg.Runner.MaxConcurrent = cmd.Int("concurrency")
	}
	if cmd.IsSet("timeout") {
		cfg.Runner.TaskTimeout = config.Duration(cmd.Duration("timeout"))
	}
	if cmd.IsSet("fail-fast") {
		cfg.Runner.StopOnError = cmd.Bool("fail-fast")
	}
}

// readQuestions reads one question per line. Blank lines and lines
// starting with # are skipped.
func readQuestions(path string) ([]interview.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open questions: %w", err)
	}
	defer f.Close()

	var questions []interview.Question
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		questions = append(questions, interview.Question{Text: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions in %s", path)
	}
	return questions, nil
}

// report writes the results as JSON, the cost of the run and a failure
// summary. A run with failures returns an error so the process exits non-zero.
func report(out, errOut io.Writer, res *results.Results, prices pricer) error {
	if err := res.WriteJSON(out); err != nil {
		return err
	}
	if c := runCost(res, prices); c.Spent > 0 || c.Saved > 0 {
		fmt.Fprintf(errOut, "cost: $%.4f spent, $%.4f saved by cache\n", c.Spent, c.Saved)
	}
	if res.Cancelled {
		fmt.Fprintf(errOut, "run cancelled: %d of %d finished\n", res.Len(), res.Total)
	}
	if len(res.Failures) == 0 {
		return nil
	}
	for _, idx := range res.Failures.Indexes() {
		fmt.Fprintf(errOut, "task %d: %v\n", idx, res.Failures[idx])
	}
	return fmt.Errorf("%d of %d tasks failed", len(res.Failures), res.Total)
}

// pricer looks up the pricing of a resource id.
type pricer func(resource string) (llm.Pricing, bool)

// runCost totals the cost of every interview in res. Resources without
// pricing are skipped.
func runCost(res *results.Results, prices pricer) interview.Cost {
	var total interview.Cost
	if prices == nil {
		return total
	}
	for _, item := range res.Items {
		ans, ok := item.Payload.(*interview.Answers)
		if !ok {
			continue
		}
		if p, ok := prices(ans.Resource); ok {
			total = total.Add(ans.Usage.Cost(p))
		}
	}
	return total
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
