// Package evaluator runs held-out instructions through model variants one
// at a time and compares their success rates.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"basecai/internal/generator"
	"basecai/internal/loader"
	"basecai/internal/memory"
	"basecai/internal/metrics"
	"basecai/internal/stats"
	"basecai/pkg/types"
)

// Variant names one model under evaluation.
type Variant struct {
	Name  string
	Model string
	Quant types.Quantization
}

// ModelLoader is the part of loader.Loader the evaluator needs.
type ModelLoader interface {
	Load(ctx context.Context, name string, q types.Quantization) (*loader.Handle, types.Provenance, error)
	Accountant() *memory.Accountant
}

// Config wires an Evaluator.
type Config struct {
	Format generator.Format
	Params types.SamplingParams
	// Confidence of the Wilson intervals; Alpha the significance level.
	Confidence float64
	Alpha      float64
	Correction string
	// EvalSet and Manifest are recorded in the report metadata.
	EvalSet  string
	Manifest string
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	NewID    func() string
}

// Evaluator compares variants on a fixed item set.
type Evaluator struct {
	l   ModelLoader
	cfg Config
}

func New(l ModelLoader, cfg Config) *Evaluator {
	if len(cfg.Format.Shots) == 0 && cfg.Format.Delimiter == "" {
		cfg.Format = generator.DefaultFormat()
	}
	if cfg.Params.Delimiter == "" {
		cfg.Params.Delimiter = cfg.Format.Delim()
	}
	cfg.Params.Deterministic = true
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = 0.95
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.05
	}
	if cfg.Correction == "" {
		cfg.Correction = "bh"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Evaluator{l: l, cfg: cfg}
}

// Run evaluates variants in order. Each variant's handle is closed before
// the next one is loaded. Per-item generation failures count as failures;
// any other error aborts the run.
func (e *Evaluator) Run(ctx context.Context, variants []Variant, items []Item) (*types.Report, error) {
	if len(variants) == 0 {
		return nil, errors.New("no variants to evaluate")
	}
	seen := map[string]bool{}
	for _, v := range variants {
		if v.Name == "" || v.Model == "" {
			return nil, fmt.Errorf("variant %q: name and model are required", v.Name)
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
	}
	if _, err := stats.Adjust(e.cfg.Correction, nil); err != nil {
		return nil, err
	}

	p := e.cfg.Params.Normalized()
	rep := &types.Report{
		Metadata: types.ReportMetadata{
			RunID:     e.cfg.NewID(),
			CreatedAt: e.cfg.Now().UTC(),
			EvalSet:   e.cfg.EvalSet,
			Items:     len(items),
			Params:    p,
			Manifest:  e.cfg.Manifest,
		},
		Results: []types.ResultRecord{},
	}
	for _, v := range variants {
		meta, results, err := e.runVariant(ctx, v, items, p)
		if err != nil {
			return nil, err
		}
		rep.Metadata.Variants = append(rep.Metadata.Variants, meta)
		rep.Results = append(rep.Results, results...)
	}
	rep.Metadata.PeakMemoryBytes = e.l.Accountant().Peak()

	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	var err error
	rep.Summary, rep.Statistics, err = Analyze(names, rep.Results, e.cfg.Confidence, e.cfg.Alpha, e.cfg.Correction)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (e *Evaluator) runVariant(ctx context.Context, v Variant, items []Item, p types.SamplingParams) (types.VariantMeta, []types.ResultRecord, error) {
	log := e.cfg.Logger.With().Str("variant", v.Name).Str("model", v.Model).Logger()
	h, prov, err := e.l.Load(ctx, v.Model, v.Quant)
	if err != nil {
		return types.VariantMeta{}, nil, fmt.Errorf("variant %s: %w", v.Name, err)
	}
	meta := types.VariantMeta{
		Name:          v.Name,
		Model:         v.Model,
		Provenance:    prov,
		ReservedBytes: e.l.Accountant().InUse(),
	}
	log.Info().Str("event", "eval_variant_start").Int("items", len(items)).Msg("evaluator")

	results := make([]types.ResultRecord, 0, len(items))
	var ok int
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			_ = h.Close()
			return meta, nil, err
		}
		r := types.ResultRecord{
			Variant:        v.Name,
			ItemID:         it.ID,
			Instruction:    it.Instruction,
			Type:           it.Type,
			ModelName:      prov.ModelName,
			Quantization:   prov.Quantization,
			LoaderRevision: prov.LoaderRevision,
		}
		start := time.Now()
		gen, err := h.Complete(ctx, e.cfg.Format.Response(it.Instruction), p)
		r.LatencyMS = time.Since(start).Milliseconds()
		switch {
		case err == nil:
			r.Response = gen.Text
			r.Success, r.Reasons = Judge(it, gen.Text, e.cfg.Format.Delim())
		case loader.IsGeneration(err):
			r.Error = err.Error()
			r.Reasons = []string{"generation_error"}
		default:
			_ = h.Close()
			return meta, nil, fmt.Errorf("variant %s item %s: %w", v.Name, it.ID, err)
		}
		if r.Success {
			ok++
		}
		e.cfg.Metrics.ObserveEval(v.Name, r.Success)
		results = append(results, r)
	}

	if err := h.Close(); err != nil {
		log.Warn().Err(err).Str("event", "eval_variant_close").Msg("evaluator")
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	meta.HeapAfterCloseBytes = ms.HeapInuse
	if held := e.l.Accountant().Resident(); held != "" {
		return meta, nil, fmt.Errorf("variant %s: model %s still resident after close", v.Name, held)
	}
	log.Info().Str("event", "eval_variant_done").Int("successes", ok).Int("items", len(items)).Msg("evaluator")
	return meta, results, nil
}

// Analyze summarises results per variant and runs paired McNemar tests for
// every pair of variants, in the order given.
func Analyze(variants []string, results []types.ResultRecord, confidence, alpha float64, correction string) (map[string]types.VariantSummary, types.Statistics, error) {
	outcome := make(map[string]map[string]bool, len(variants))
	summary := make(map[string]types.VariantSummary, len(variants))
	for _, v := range variants {
		outcome[v] = map[string]bool{}
	}
	for _, r := range results {
		m, ok := outcome[r.Variant]
		if !ok {
			continue
		}
		m[r.ItemID] = r.Success
		s := summary[r.Variant]
		s.N++
		if r.Success {
			s.Successes++
		}
		if r.Error != "" {
			s.Errors++
		}
		summary[r.Variant] = s
	}
	for _, v := range variants {
		s := summary[v]
		if s.N > 0 {
			s.Rate = float64(s.Successes) / float64(s.N)
		}
		s.CILow, s.CIHigh = stats.Wilson(s.Successes, s.N, confidence)
		summary[v] = s
	}

	st := types.Statistics{Confidence: confidence, Alpha: alpha, Correction: correction, Comparisons: []types.Comparison{}}
	var ps []float64
	for i := 0; i < len(variants); i++ {
		for j := i + 1; j < len(variants); j++ {
			a, b := variants[i], variants[j]
			c := types.Comparison{A: a, B: b}
			for id, okA := range outcome[a] {
				okB, paired := outcome[b][id]
				if !paired {
					continue
				}
				switch {
				case okA && okB:
					c.Both++
				case okA:
					c.OnlyA++
				case okB:
					c.OnlyB++
				default:
					c.Neither++
				}
			}
			mc := stats.McNemar(c.OnlyA, c.OnlyB)
			c.Method, c.Statistic, c.PValue = mc.Method, mc.Statistic, mc.PValue
			st.Comparisons = append(st.Comparisons, c)
			ps = append(ps, mc.PValue)
		}
	}
	adj, err := stats.Adjust(correction, ps)
	if err != nil {
		return nil, types.Statistics{}, err
	}
	for i := range st.Comparisons {
		st.Comparisons[i].PAdjusted = adj[i]
		st.Comparisons[i].Significant = adj[i] < alpha
	}
	return summary, st, nil
}
