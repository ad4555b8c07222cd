package critic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"basecai/internal/dataset"
	"basecai/internal/generator"
	"basecai/internal/loader"
	"basecai/pkg/types"
)

func testProv() types.Provenance {
	return types.Provenance{
		LoaderRevision:   "rev-1",
		ModelName:        "base-7b",
		Quantization:     types.Quant4Bit,
		TemplateDisabled: true,
		SentinelVersion:  "sentinel-v2",
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// seededCompleter answers with respond(seed) and records params.
type seededCompleter struct {
	respond func(seed int64) (loader.Generation, error)
	params  []types.SamplingParams
}

func (s *seededCompleter) Complete(_ context.Context, _ string, p types.SamplingParams) (loader.Generation, error) {
	s.params = append(s.params, p)
	return s.respond(p.Seed)
}

func (s *seededCompleter) Provenance() types.Provenance { return testProv() }

func TestHeuristicScorer(t *testing.T) {
	s := HeuristicScorer{}
	cases := []struct {
		name   string
		c      Candidate
		max    float64
		reason string
	}{
		{"clean", Candidate{Instruction: "Name a fruit.", Response: "An apple is a common fruit."}, 1, ""},
		{"empty", Candidate{Response: "  "}, 0, "empty"},
		{"leak", Candidate{Instruction: "Say hi", Response: "Hi there.\nInstruction: say bye"}, 0.5, "delimiter_leak"},
		{"delimiter", Candidate{Instruction: "Say hi", Response: "Hi there. ###END###"}, 0.5, "delimiter_leak"},
		{"refusal", Candidate{Instruction: "Say hi", Response: "I'm sorry, I cannot do that for you."}, 0.6, "refusal"},
		{"echo", Candidate{Instruction: "List three colors", Response: "List three colors"}, 0.7, "instruction_echo"},
		{"repetition", Candidate{Instruction: "Say hi", Response: strings.Repeat("hello there friend ", 8)}, 0.71, "repetition"},
		{"short", Candidate{Instruction: "Say hi", Response: "Hi"}, 0.8, "too_short"},
		{"not a list", Candidate{Instruction: "List three colors", Type: generator.TypeList, Response: "Colors are nice to look at."}, 0.9, "not_a_list"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reasons, err := s.Score(tc.c)
			require.NoError(t, err)
			require.LessOrEqual(t, got, tc.max+1e-9)
			require.GreaterOrEqual(t, got, 0.0)
			if tc.reason == "" {
				require.Empty(t, reasons)
				require.InDelta(t, 1.0, got, 1e-9)
				return
			}
			found := false
			for _, r := range reasons {
				if strings.HasPrefix(r, tc.reason) {
					found = true
				}
			}
			require.Truef(t, found, "reasons %v missing %s", reasons, tc.reason)
		})
	}
}

func TestHeuristicAcceptsList(t *testing.T) {
	got, reasons, _ := HeuristicScorer{}.Score(Candidate{Instruction: "List three colors", Type: generator.TypeList, Response: "1. Red\n2. Blue\n3. Green"})
	require.Empty(t, reasons)
	require.InDelta(t, 1.0, got, 1e-9)
}

func TestLogprobScorer(t *testing.T) {
	got, _, err := LogprobScorer{}.Score(Candidate{TokenLogprobs: []float64{-1, -2, -3}})
	require.NoError(t, err)
	require.InDelta(t, -2.0, got, 1e-12)
	_, _, err = LogprobScorer{}.Score(Candidate{})
	require.True(t, errors.Is(err, ErrNoLogprobs))

	comb := CombinedScorer{Weight: 2}
	got, _, err = comb.Score(Candidate{Instruction: "x", Response: "A fine answer here.", TokenLogprobs: []float64{-0.5, -0.5}})
	require.NoError(t, err)
	require.InDelta(t, 1+2*math.Exp(-0.5), got, 1e-12)
}

func TestNewScorer(t *testing.T) {
	for name, want := range map[string]string{"": "heuristic", "heuristic": "heuristic", "logprob": "logprob", "combined": "combined"} {
		s, err := NewScorer(name, "")
		require.NoError(t, err)
		require.Equal(t, want, s.Name())
	}
	_, err := NewScorer("vibes", "")
	require.Error(t, err)
}

func TestBuildPairs(t *testing.T) {
	prov := testProv()
	cands := []Candidate{
		{Instruction: "A", Prompt: "pa", Response: "good", Score: 0.9, Scorer: "heuristic", Provenance: prov},
		{Instruction: "B", Prompt: "pb", Response: "only one", Score: 0.5, Provenance: prov},
		{Instruction: "A", Prompt: "pa", Response: "bad", Score: 0.2, Scorer: "heuristic", Provenance: prov},
		{Instruction: "A", Prompt: "pa", Response: "meh", Score: 0.5, Provenance: prov},
		{Instruction: "B", Prompt: "pb", Response: "only one ", Score: 0.1, Provenance: prov},
		{Instruction: "C", Prompt: "pc", Response: "x", Score: 0.50, Provenance: prov},
		{Instruction: "C", Prompt: "pc", Response: "y", Score: 0.45, Provenance: prov},
	}
	n := 0
	pairs, st := BuildPairs(cands, 0.1, func() string { n++; return fmt.Sprintf("p%d", n) })
	require.Equal(t, PairStats{Instructions: 3, Kept: 1, LowMargin: 1, TooFew: 1}, st)
	require.Len(t, pairs, 1)
	p := pairs[0]
	require.Equal(t, "A", p.Instruction)
	require.Equal(t, "good", p.Chosen)
	require.Equal(t, "bad", p.Rejected)
	require.Equal(t, "p1", p.ID)
	require.NoError(t, dataset.Validate(p))

	_, st = BuildPairs(cands[5:], 0, nil)
	require.Equal(t, 1, st.Kept)
	_, st = BuildPairs([]Candidate{{Instruction: "D", Response: "a", Score: 1}, {Instruction: "D", Response: "b", Score: 1}}, 0, nil)
	require.Equal(t, 1, st.LowMargin)
}

func TestRunWritesPairs(t *testing.T) {
	c := &seededCompleter{respond: func(seed int64) (loader.Generation, error) {
		switch seed % 4 {
		case 0:
			return loader.Generation{Text: "Paris is the capital of France."}, nil
		case 1:
			return loader.Generation{Text: "France\nInstruction: what else"}, nil
		case 2:
			return loader.Generation{}, &loader.GenerationError{Err: errors.New("flaky")}
		default:
			return loader.Generation{Text: ""}, nil
		}
	}}
	cr := New(c, Config{K: 4, MinMargin: 0.2, Params: types.SamplingParams{Seed: 0, Deterministic: true}, Logger: zerolog.Nop()})
	w, err := dataset.Create(filepath.Join(t.TempDir(), "pairs.jsonl"))
	require.NoError(t, err)
	sum, err := cr.Run(context.Background(), []generator.Instruction{{Text: "What is the capital of France?"}, {Text: "Name a river."}}, w)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, 2, sum.Kept)
	require.Equal(t, 4, sum.Samples)
	require.Equal(t, 4, sum.Failed)
	require.Equal(t, 2, sum.Empty)
	require.Equal(t, 2, sum.Retried)
	// 8 samples plus one retry of each failing one, with the same seed
	require.Len(t, c.params, 10)
	seeds := map[int64]int{}
	for _, p := range c.params {
		require.False(t, p.Deterministic)
		require.Greater(t, p.Temperature, 0.0)
		seeds[p.Seed]++
	}
	for seed := int64(0); seed < 8; seed++ {
		want := 1
		if seed%4 == 2 {
			want = 2
		}
		require.Equal(t, want, seeds[seed], "seed %d", seed)
	}
	recs, err := dataset.ReadFile(w.Path())
	require.NoError(t, err)
	failed, err := dataset.ReadFile(w.FailurePath())
	require.NoError(t, err)
	require.Len(t, failed, 4)
	pairs := dataset.Pairs(recs)
	require.Len(t, pairs, 2)
	require.Equal(t, "Paris is the capital of France.", pairs[0].Chosen)
	require.Equal(t, generator.TypeQA, pairs[0].Type)
	require.Equal(t, "heuristic", pairs[0].Scorer)
	require.Equal(t, "base-7b", pairs[0].Provenance.ModelName)
}

func TestRunLogprobRequestsLogprobs(t *testing.T) {
	c := &seededCompleter{respond: func(seed int64) (loader.Generation, error) {
		return loader.Generation{Text: fmt.Sprintf("Answer %d is here.", seed), TokenLogprobs: []float64{-float64(seed) - 0.1}}, nil
	}}
	cr := New(c, Config{K: 3, Scorer: LogprobScorer{}, Logger: zerolog.Nop()})
	w, err := dataset.Create(filepath.Join(t.TempDir(), "pairs.jsonl"))
	require.NoError(t, err)
	defer w.Close()
	_, err = cr.Run(context.Background(), []generator.Instruction{{Text: "Say something."}}, w)
	require.NoError(t, err)
	for _, p := range c.params {
		require.True(t, p.Logprobs)
	}
}

func TestRunAbortsOnContamination(t *testing.T) {
	c := &seededCompleter{respond: func(int64) (loader.Generation, error) {
		return loader.Generation{}, &loader.ContaminationError{Probe: "x", With: 3, Without: 1}
	}}
	cr := New(c, Config{Logger: zerolog.Nop()})
	w, err := dataset.Create(filepath.Join(t.TempDir(), "pairs.jsonl"))
	require.NoError(t, err)
	defer w.Close()
	_, err = cr.Run(context.Background(), []generator.Instruction{{Text: "Say something."}}, w)
	require.True(t, loader.IsContamination(err))
}

func TestRunCountsInstructionWhenEverySampleFails(t *testing.T) {
	c := &seededCompleter{respond: func(int64) (loader.Generation, error) {
		return loader.Generation{}, &loader.GenerationError{Err: errors.New("backend down")}
	}}
	cr := New(c, Config{K: 4, Logger: zerolog.Nop()})
	w, err := dataset.Create(filepath.Join(t.TempDir(), "pairs.jsonl"))
	require.NoError(t, err)
	sum, err := cr.Run(context.Background(), []generator.Instruction{{Text: "Name a river."}}, w)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, c.params, 8)
	require.Equal(t, 1, sum.Instructions)
	require.Equal(t, 1, sum.TooFew)
	require.Equal(t, 0, sum.Kept)
	require.Equal(t, 4, sum.Failed)
	require.Equal(t, 4, sum.Retried)
	require.True(t, w.HasFailures())

	recs, err := dataset.ReadFile(w.FailurePath())
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, r := range recs {
		f, ok := r.(dataset.FailedExample)
		require.True(t, ok)
		require.Equal(t, "error", f.Reason)
		require.Equal(t, 2, f.Attempts)
		require.Contains(t, f.Error, "backend down")
	}
}

func TestRunNoRetryWhenDisabled(t *testing.T) {
	c := &seededCompleter{respond: func(int64) (loader.Generation, error) {
		return loader.Generation{}, &loader.GenerationError{Err: errors.New("flaky")}
	}}
	cr := New(c, Config{K: 2, Retries: -1, Logger: zerolog.Nop()})
	w, err := dataset.Create(filepath.Join(t.TempDir(), "pairs.jsonl"))
	require.NoError(t, err)
	defer w.Close()
	sum, err := cr.Run(context.Background(), []generator.Instruction{{Text: "Say something."}}, w)
	require.NoError(t, err)
	require.Len(t, c.params, 2)
	require.Equal(t, 2, sum.Failed)
	require.Equal(t, 0, sum.Retried)
}
