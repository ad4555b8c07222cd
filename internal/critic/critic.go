package critic

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"basecai/internal/dataset"
	"basecai/internal/generator"
	"basecai/internal/loader"
	"basecai/internal/metrics"
	"basecai/pkg/types"
)

// Config wires a Critic.
type Config struct {
	Format generator.Format
	Params types.SamplingParams
	// K responses are sampled per instruction.
	K         int
	MinMargin float64
	Scorer    Scorer
	// Retries after a GenerationError per sample. 0 means one retry;
	// negative disables retrying.
	Retries   int
	RetryWait time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	NewID     func() string
}

// Critic samples, scores and pairs responses from one handle.
type Critic struct {
	h   generator.Completer
	cfg Config
}

func New(h generator.Completer, cfg Config) *Critic {
	if len(cfg.Format.Shots) == 0 && cfg.Format.Delimiter == "" {
		cfg.Format = generator.DefaultFormat()
	}
	if cfg.Params.Delimiter == "" {
		cfg.Params.Delimiter = cfg.Format.Delim()
	}
	if cfg.K < 2 {
		cfg.K = 4
	}
	if cfg.Scorer == nil {
		cfg.Scorer = HeuristicScorer{Delimiter: cfg.Params.Delimiter}
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	cfg.Retries = generator.RetryCount(cfg.Retries)
	// k identical greedy samples cannot form a pair
	cfg.Params.Deterministic = false
	if cfg.Params.Temperature <= 0 {
		cfg.Params.Temperature = 0.9
	}
	return &Critic{h: h, cfg: cfg}
}

// Sampled holds the outcome of sampling one instruction.
type Sampled struct {
	Candidates []Candidate
	// Failures are samples that stayed empty or failed after retrying.
	Failures []dataset.FailedExample
	Retried  int
}

// Sample draws K responses for one instruction. Generation errors are
// retried and then reported in Failures along with empty responses;
// other errors are returned.
func (c *Critic) Sample(ctx context.Context, ins generator.Instruction, index int) (Sampled, error) {
	prompt := c.cfg.Format.Response(ins.Text)
	prov := c.h.Provenance()
	var out Sampled
	for j := 0; j < c.cfg.K; j++ {
		p := c.cfg.Params
		p.Seed = c.cfg.Params.Seed + int64(index*c.cfg.K+j)
		p.Logprobs = c.cfg.Scorer.NeedsLogprobs()
		g, attempts, err := generator.CompleteRetry(ctx, c.h, prompt, p, c.cfg.Retries, c.cfg.RetryWait)
		if attempts > 1 {
			out.Retried++
		}
		switch {
		case err != nil && loader.IsGeneration(err):
			c.cfg.Logger.Warn().Err(err).Str("event", "sample_failed").Str("instruction", ins.Text).
				Int("sample", j).Int("attempts", attempts).Msg("critic")
			out.Failures = append(out.Failures, generator.FailedExample(c.cfg.NewID(), ins, p.Seed, "error", err, attempts, prov))
			continue
		case err != nil:
			return out, err
		case g.Text == "":
			out.Failures = append(out.Failures, generator.FailedExample(c.cfg.NewID(), ins, p.Seed, "empty", nil, attempts, prov))
			continue
		}
		out.Candidates = append(out.Candidates, Candidate{
			Instruction:   ins.Text,
			Type:          ins.Type,
			Prompt:        prompt,
			Response:      g.Text,
			Seed:          p.Seed,
			TokenLogprobs: g.TokenLogprobs,
			Provenance:    prov,
		})
	}
	return out, nil
}

// ScoreAll scores candidates in place order. Candidates the scorer
// rejects are dropped.
func ScoreAll(s Scorer, cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		score, reasons, err := s.Score(c)
		if err != nil {
			continue
		}
		c.Score, c.Scorer, c.Reasons = score, s.Name(), reasons
		out = append(out, c)
	}
	return out
}

// PairStats counts pairing outcomes per instruction.
type PairStats struct {
	Instructions int `json:"instructions"`
	Kept         int `json:"kept"`
	LowMargin    int `json:"low_margin"`
	TooFew       int `json:"too_few"`
}

// BuildPairs groups scored candidates by instruction and pairs the best
// with the worst response when their score margin is positive and at
// least minMargin. Duplicate responses count once.
func BuildPairs(cands []Candidate, minMargin float64, newID func() string) ([]dataset.PreferencePair, PairStats) {
	if newID == nil {
		newID = uuid.NewString
	}
	var order []string
	groups := map[string][]Candidate{}
	for _, c := range cands {
		if _, ok := groups[c.Instruction]; !ok {
			order = append(order, c.Instruction)
		}
		groups[c.Instruction] = append(groups[c.Instruction], c)
	}
	var (
		pairs []dataset.PreferencePair
		st    PairStats
	)
	for _, instr := range order {
		st.Instructions++
		g := uniqueResponses(groups[instr])
		if len(g) < 2 {
			st.TooFew++
			continue
		}
		sort.SliceStable(g, func(i, j int) bool { return g[i].Score > g[j].Score })
		best, worst := g[0], g[len(g)-1]
		margin := best.Score - worst.Score
		if margin <= 0 || margin < minMargin {
			st.LowMargin++
			continue
		}
		pairs = append(pairs, dataset.PreferencePair{
			ID:            newID(),
			Instruction:   instr,
			Prompt:        best.Prompt,
			Chosen:        best.Response,
			Rejected:      worst.Response,
			ChosenScore:   best.Score,
			RejectedScore: worst.Score,
			Scorer:        best.Scorer,
			Type:          best.Type,
			Provenance:    best.Provenance,
		})
		st.Kept++
	}
	return pairs, st
}

func uniqueResponses(cands []Candidate) []Candidate {
	seen := map[string]bool{}
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		k := strings.TrimSpace(c.Response)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}

// Summary reports a critique run.
type Summary struct {
	PairStats
	Samples int `json:"samples"`
	Scored  int `json:"scored"`
	// Failed counts samples without a response, Empty the subset that
	// came back empty. Both are written to the failure stream.
	Failed   int           `json:"failed"`
	Empty    int           `json:"empty"`
	Retried  int           `json:"retried"`
	Duration time.Duration `json:"duration_ns"`
}

// Run samples, scores and pairs every instruction and writes the kept
// pairs to w. Contamination and load errors stop the run.
func (c *Critic) Run(ctx context.Context, instructions []generator.Instruction, w *dataset.Writer) (Summary, error) {
	start := time.Now()
	var sum Summary
	for i, ins := range instructions {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if ins.Type == "" {
			ins.Type = generator.Classify(ins.Text)
		}
		sampled, err := c.Sample(ctx, ins, i)
		sum.Samples += len(sampled.Candidates)
		sum.Retried += sampled.Retried
		if err != nil {
			return sum, err
		}
		for _, f := range sampled.Failures {
			if err := w.Write(f); err != nil {
				return sum, err
			}
			sum.Failed++
			if f.Reason == "empty" {
				sum.Empty++
			}
		}
		scored := ScoreAll(c.cfg.Scorer, sampled.Candidates)
		sum.Scored += len(scored)
		pairs, st := BuildPairs(scored, c.cfg.MinMargin, c.cfg.NewID)
		if st.Instructions == 0 {
			// nothing usable came back
			st.Instructions, st.TooFew = 1, 1
		}
		sum.Instructions += st.Instructions
		sum.Kept += st.Kept
		sum.LowMargin += st.LowMargin
		sum.TooFew += st.TooFew
		switch {
		case st.Kept > 0:
			c.cfg.Metrics.ObservePair("kept")
		case st.LowMargin > 0:
			c.cfg.Metrics.ObservePair("low_margin")
		default:
			c.cfg.Metrics.ObservePair("too_few")
		}
		for _, p := range pairs {
			if err := w.Write(p); err != nil {
				return sum, err
			}
		}
	}
	sum.Duration = time.Since(start)
	c.cfg.Logger.Info().Str("event", "critique_done").Int("instructions", sum.Instructions).Int("pairs", sum.Kept).
		Int("low_margin", sum.LowMargin).Int("too_few", sum.TooFew).Int("failed", sum.Failed).Str("scorer", c.cfg.Scorer.Name()).Msg("critic")
	return sum, nil
}
