// Package fixloop drives generate, execute and classify rounds until the
// generated code runs or the attempt budget is spent.
package fixloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"codegen-autofix/internal/generator"
	"codegen-autofix/internal/monitor"
	"codegen-autofix/internal/sandbox"
)

const (
	MinAttempts = 1
	MaxAttempts = 10
)

// State is the phase of a run.
type State string

const (
	StateGenerating  State = "GENERATING"
	StateExecuting   State = "EXECUTING"
	StateClassifying State = "CLASSIFYING"
	StateDone        State = "DONE"
)

// Executor runs one snippet. sandbox.Executor satisfies it.
type Executor interface {
	Run(ctx context.Context, code string) sandbox.ExecutionResult
}

// AttemptRecord is one generate/execute round. Records are appended in
// index order and never modified.
type AttemptRecord struct {
	Index       int                     `json:"index"`
	Code        string                  `json:"code"`
	Raw         string                  `json:"raw_response"`
	Result      sandbox.ExecutionResult `json:"result"`
	Class       FailureClass            `json:"class"`
	Temperature float64                 `json:"temperature"`
	Duration    time.Duration           `json:"duration"`
}

// FixResult is the outcome handed back to the caller.
type FixResult struct {
	RunID        string          `json:"run_id"`
	FinalAnswer  string          `json:"final_answer"`
	Iterations   int             `json:"iterations"`
	CleanCode    string          `json:"clean_code"`
	RawResponse  string          `json:"raw_response"`
	FixesApplied []string        `json:"fixes_applied"`
	Succeeded    bool            `json:"success"`
	Prompt       string          `json:"-"`
	MaxAttempts  int             `json:"-"`
	Attempts     []AttemptRecord `json:"-"`
	StartedAt    time.Time       `json:"-"`
	Duration     time.Duration   `json:"-"`
}

// Observer receives progress of a run. Calls are made synchronously from
// the run's goroutine.
type Observer interface {
	StateChanged(runID string, attempt int, s State)
	AttemptFinished(runID string, rec AttemptRecord)
}

type Config struct {
	DefaultAttempts  int
	AttemptCeiling   int // lowers the per-run bound below MaxAttempts
	MaxTokens        int
	Temperature      float64
	RetryTemperature float64
	SystemPrompt     string
	Rules            []Rule

	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
}

// Orchestrator is safe for concurrent runs: nothing in it changes after New.
type Orchestrator struct {
	gen        generator.Generator
	exec       Executor
	classifier *Classifier
	cfg        Config
}

func New(gen generator.Generator, exec Executor, cfg Config) *Orchestrator {
	if cfg.DefaultAttempts == 0 {
		cfg.DefaultAttempts = 3
	}
	if cfg.AttemptCeiling == 0 {
		cfg.AttemptCeiling = MaxAttempts
	}
	cfg.AttemptCeiling = ClampAttempts(cfg.AttemptCeiling)
	cfg.DefaultAttempts = min(ClampAttempts(cfg.DefaultAttempts), cfg.AttemptCeiling)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = generator.DefaultSystemPrompt
	}
	return &Orchestrator{
		gen:        gen,
		exec:       exec,
		classifier: NewClassifier(cfg.Rules),
		cfg:        cfg,
	}
}

// ClampAttempts bounds n to [MinAttempts, MaxAttempts].
func ClampAttempts(n int) int {
	if n < MinAttempts {
		return MinAttempts
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// RunOptions tunes a single run. Zero values fall back to the config.
type RunOptions struct {
	RunID       string
	MaxAttempts int
	MaxTokens   int
	Observer    Observer
}

// Run is RunWithOptions with only an attempt budget; 0 means the default.
func (o *Orchestrator) Run(ctx context.Context, prompt string, maxAttempts int) (*FixResult, error) {
	return o.RunWithOptions(ctx, prompt, RunOptions{MaxAttempts: maxAttempts})
}

// RunWithOptions returns a FixResult for success or exhaustion. The error
// is non-nil only when the generation backend fails (a *generator.BackendError
// in the chain) or ctx is cancelled.
func (o *Orchestrator) RunWithOptions(ctx context.Context, prompt string, opts RunOptions) (*FixResult, error) {
	attempts := o.cfg.DefaultAttempts
	if opts.MaxAttempts != 0 {
		attempts = min(ClampAttempts(opts.MaxAttempts), o.cfg.AttemptCeiling)
	}
	maxTokens := o.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	res := &FixResult{
		RunID:       runID,
		Prompt:      prompt,
		MaxAttempts: attempts,
		StartedAt:   time.Now(),
		Attempts:    make([]AttemptRecord, 0, attempts),
	}

	logger := log.With().Str("run_id", res.RunID).Int("max_attempts", attempts).Logger()
	logger.Info().Msg("fix run started")

	ctx, span := o.cfg.Tracer.StartSpan(ctx, "fixloop.run", monitor.AttrRunID.String(res.RunID))
	defer span.End()

	notify := func(attempt int, s State) {
		if opts.Observer != nil {
			opts.Observer.StateChanged(res.RunID, attempt, s)
		}
	}

	current := prompt
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, o.abort(res, "cancelled", err)
		}

		rec, err := o.attempt(ctx, res.RunID, i, current, maxTokens, notify)
		if err != nil {
			if ctx.Err() != nil {
				return nil, o.abort(res, "cancelled", ctx.Err())
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation backend failure")
			return nil, o.abort(res, "backend_error", fmt.Errorf("attempt %d: %w", i+1, err))
		}

		res.Attempts = append(res.Attempts, rec)
		if opts.Observer != nil {
			opts.Observer.AttemptFinished(res.RunID, rec)
		}
		o.cfg.Metrics.RecordAttempt(string(rec.Class))

		logger.Info().
			Int("attempt", i+1).
			Str("class", string(rec.Class)).
			Int("exit_code", rec.Result.ExitCode).
			Str("code_hash", rec.Result.CodeHash).
			Msg("attempt classified")

		if rec.Class == ClassSuccess {
			notify(i, StateDone)
			res.Succeeded = true
			res.FinalAnswer = strings.TrimSpace(rec.Result.Stdout)
			res.Iterations = i + 1
			res.CleanCode = rec.Code
			res.RawResponse = rec.Raw
			res.FixesApplied = successTrail(res.Attempts)
			return o.finish(res, "success"), nil
		}

		current = FixPrompt(rec.Result.Stderr, prompt, rec.Code, rec.Class)
	}

	notify(attempts-1, StateDone)
	last := res.Attempts[len(res.Attempts)-1]
	res.FinalAnswer = ExhaustedAnswer
	res.Iterations = attempts
	res.CleanCode = last.Code
	res.RawResponse = last.Raw
	res.FixesApplied = make([]string, 0, len(res.Attempts))
	for _, rec := range res.Attempts {
		res.FixesApplied = append(res.FixesApplied, rec.Result.Stderr)
	}
	return o.finish(res, "exhausted"), nil
}

func (o *Orchestrator) attempt(ctx context.Context, runID string, i int, prompt string, maxTokens int, notify func(int, State)) (AttemptRecord, error) {
	ctx, span := o.cfg.Tracer.StartSpan(ctx, "fixloop.attempt",
		monitor.AttrRunID.String(runID),
		monitor.AttrAttempt.Int(i+1),
	)
	defer span.End()

	start := time.Now()
	temperature := o.cfg.Temperature
	if i > 0 {
		temperature = o.cfg.RetryTemperature
	}

	notify(i, StateGenerating)
	resp, err := o.gen.Generate(ctx, generator.Request{
		Messages:    generator.Prompt(o.cfg.SystemPrompt, prompt),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return AttemptRecord{}, err
	}
	code := CleanCode(resp.Text)

	notify(i, StateExecuting)
	result := o.exec.Run(ctx, code)
	if err := ctx.Err(); err != nil {
		return AttemptRecord{}, err
	}

	notify(i, StateClassifying)
	class := o.classifier.Classify(result)
	span.SetAttributes(monitor.AttrClass.String(string(class)))

	return AttemptRecord{
		Index:       i,
		Code:        code,
		Raw:         resp.Text,
		Result:      result,
		Class:       class,
		Temperature: temperature,
		Duration:    time.Since(start),
	}, nil
}

func (o *Orchestrator) finish(res *FixResult, outcome string) *FixResult {
	res.Duration = time.Since(res.StartedAt)
	o.cfg.Metrics.RecordRun(outcome, len(res.Attempts))
	log.Info().
		Str("run_id", res.RunID).
		Str("outcome", outcome).
		Int("iterations", res.Iterations).
		Dur("duration", res.Duration).
		Msg("fix run finished")
	return res
}

func (o *Orchestrator) abort(res *FixResult, outcome string, err error) error {
	o.cfg.Metrics.RecordRun(outcome, len(res.Attempts))
	log.Warn().
		Err(err).
		Str("run_id", res.RunID).
		Str("outcome", outcome).
		Int("completed_attempts", len(res.Attempts)).
		Msg("fix run aborted")
	return err
}

// successTrail records "succeeded at attempt k" for every attempt up to
// and including the successful one. Failure classes of the earlier
// attempts travel in Attempts, not here.
func successTrail(recs []AttemptRecord) []string {
	trail := make([]string, 0, len(recs))
	for _, rec := range recs {
		trail = append(trail, fmt.Sprintf("succeeded at attempt %d", rec.Index+1))
	}
	return trail
}
