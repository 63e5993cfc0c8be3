package generator

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/config"
	"codegen-autofix/internal/monitor"
)

// OpenAI is a Generator backed by any OpenAI-compatible chat completions
// endpoint. It is constructed once at startup and shared by all runs.
type OpenAI struct {
	client  openai.Client
	model   string
	ready   bool
	closed  atomic.Bool
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// NewOpenAI builds the client from the generator config section. Extra
// options are applied last, which lets tests point it at a local server.
func NewOpenAI(cfg config.GeneratorConfig, metrics *monitor.Metrics, tracer *monitor.Tracer, extra ...option.RequestOption) *OpenAI {
	opts := []option.RequestOption{
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}
	opts = append(opts, extra...)

	ready := cfg.APIKey != "" || cfg.BaseURL != ""
	if !ready {
		log.Warn().Msg("generator has neither base URL nor API key; generation requests will fail")
	}

	return &OpenAI{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		ready:   ready,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (g *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	if !g.ready || g.closed.Load() {
		g.metrics.RecordGeneration("not_ready", 0)
		return nil, newBackendError(KindNotReady, "generator is not configured", nil)
	}

	ctx, span := g.tracer.StartSpan(ctx, "generator.generate", monitor.AttrModel.String(g.model))
	defer span.End()

	params := openai.ChatCompletionNewParams{
		Model:       g.model,
		Messages:    toParams(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		mapped := mapError(err)
		status := "error"
		if be, ok := AsBackendError(mapped); ok {
			status = string(be.Kind)
		}
		g.metrics.RecordGeneration(status, elapsed.Seconds())
		span.RecordError(mapped)
		return nil, mapped
	}

	if completion == nil || len(completion.Choices) == 0 {
		g.metrics.RecordGeneration(string(KindMalformed), elapsed.Seconds())
		return nil, newBackendError(KindMalformed, "response has no choices", nil)
	}
	choice := completion.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" && choice.Message.Refusal != "" {
		g.metrics.RecordGeneration(string(KindMalformed), elapsed.Seconds())
		return nil, newBackendError(KindMalformed, "model refused: "+choice.Message.Refusal, nil)
	}

	g.metrics.RecordGeneration("ok", elapsed.Seconds())
	log.Debug().
		Str("model", completion.Model).
		Int64("prompt_tokens", completion.Usage.PromptTokens).
		Int64("completion_tokens", completion.Usage.CompletionTokens).
		Dur("duration", elapsed).
		Msg("generation completed")

	return &Response{
		Text:             text,
		Model:            completion.Model,
		FinishReason:     choice.FinishReason,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}

// Close marks the client as torn down; later calls fail with KindNotReady.
func (g *OpenAI) Close() error {
	g.closed.Store(true)
	return nil
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
