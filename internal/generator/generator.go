// Package generator produces instruction/response datasets from a base
// model with few-shot completion prompts.
package generator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"basecai/internal/dataset"
	"basecai/internal/loader"
	"basecai/internal/metrics"
	"basecai/pkg/types"
)

// Config wires a Generator.
type Config struct {
	Format Format
	Params types.SamplingParams
	// Retries after a GenerationError. 0 means one retry; negative
	// disables retrying.
	Retries   int
	RetryWait time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	NewID     func() string
}

// Generator turns instructions into dataset records through one handle.
type Generator struct {
	h   Completer
	cfg Config
}

func New(h Completer, cfg Config) *Generator {
	if len(cfg.Format.Shots) == 0 && cfg.Format.Delimiter == "" {
		cfg.Format = DefaultFormat()
	}
	if cfg.Params.Delimiter == "" {
		cfg.Params.Delimiter = cfg.Format.Delim()
	}
	cfg.Retries = RetryCount(cfg.Retries)
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Generator{h: h, cfg: cfg}
}

// Summary reports the outcome of a run.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Empty     int           `json:"empty"`
	Retried   int           `json:"retried"`
	Duration  time.Duration `json:"duration_ns"`
}

// Run generates one response per instruction and writes a
// GeneratedExample or a FailedExample for each. Generation errors are
// retried and then recorded; contamination and load errors stop the run.
func (g *Generator) Run(ctx context.Context, instructions []Instruction, w *dataset.Writer) (Summary, error) {
	start := time.Now()
	prov := g.h.Provenance()
	log := g.cfg.Logger.With().Str("model", prov.ModelName).Logger()
	var sum Summary

	for i, ins := range instructions {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if ins.Type == "" {
			ins.Type = Classify(ins.Text)
		}
		p := g.cfg.Params.Normalized()
		if !p.Deterministic {
			p.Seed += int64(i)
		}
		sum.Total++

		gen, attempts, err := g.complete(ctx, g.cfg.Format.Response(ins.Text), p)
		if attempts > 1 {
			sum.Retried++
			g.cfg.Metrics.ObserveGeneration(prov.ModelID, "retried", 0)
		}
		switch {
		case err == nil && gen.Text != "":
			rec := dataset.GeneratedExample{
				ID:               g.cfg.NewID(),
				Instruction:      ins.Text,
				Response:         gen.Text,
				Type:             ins.Type,
				Seed:             p.Seed,
				PromptTokens:     gen.PromptTokens,
				CompletionTokens: gen.CompletionTokens,
				Provenance:       prov,
			}
			if err := w.Write(rec); err != nil {
				return sum, err
			}
			sum.Succeeded++
		case err == nil:
			log.Warn().Str("event", "empty_response").Str("instruction", ins.Text).Msg("generator")
			g.cfg.Metrics.ObserveGeneration(prov.ModelID, "empty", 0)
			if err := w.Write(g.failed(ins, p.Seed, "empty", nil, attempts, prov)); err != nil {
				return sum, err
			}
			sum.Empty++
			sum.Failed++
		case loader.IsGeneration(err):
			log.Warn().Err(err).Str("event", "generation_failed").Str("instruction", ins.Text).Int("attempts", attempts).Msg("generator")
			g.cfg.Metrics.ObserveGeneration(prov.ModelID, "failed", 0)
			if err := w.Write(g.failed(ins, p.Seed, "error", err, attempts, prov)); err != nil {
				return sum, err
			}
			sum.Failed++
		default:
			log.Error().Err(err).Str("event", "generation_aborted").Str("instruction", ins.Text).Msg("generator")
			return sum, err
		}
	}
	sum.Duration = time.Since(start)
	log.Info().Str("event", "generation_done").Int("total", sum.Total).Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).Int("retried", sum.Retried).Dur("took", sum.Duration).Msg("generator")
	return sum, nil
}

func (g *Generator) complete(ctx context.Context, prompt string, p types.SamplingParams) (loader.Generation, int, error) {
	return CompleteRetry(ctx, g.h, prompt, p, g.cfg.Retries, g.cfg.RetryWait)
}

// RetryCount maps a configured retry count to the number of retries: 0
// means one retry, negative means none.
func RetryCount(n int) int {
	switch {
	case n == 0:
		return 1
	case n < 0:
		return 0
	}
	return n
}

// CompleteRetry calls h.Complete and retries GenerationErrors up to
// retries times, waiting wait between attempts. Other errors are returned
// at once. The number of attempts made is returned with the result.
func CompleteRetry(ctx context.Context, h Completer, prompt string, p types.SamplingParams, retries int, wait time.Duration) (loader.Generation, int, error) {
	var (
		gen      loader.Generation
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		gen, err = h.Complete(ctx, prompt, p)
		if err == nil || loader.IsGeneration(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(retries)), ctx)
	err := backoff.Retry(op, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return gen, attempts, err
}

// FailedExample builds the failure record for an instruction. reason is
// "empty" or "error".
func FailedExample(id string, ins Instruction, seed int64, reason string, err error, attempts int, prov types.Provenance) dataset.FailedExample {
	f := dataset.FailedExample{
		ID:          id,
		Instruction: ins.Text,
		Type:        ins.Type,
		Reason:      reason,
		Attempts:    attempts,
		Seed:        seed,
		Provenance:  prov,
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

func (g *Generator) failed(ins Instruction, seed int64, reason string, err error, attempts int, prov types.Provenance) dataset.FailedExample {
	return FailedExample(g.cfg.NewID(), ins, seed, reason, err, attempts, prov)
}
