// Package critic scores sampled responses and turns them into preference
// pairs.
package critic

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"basecai/internal/generator"
	"basecai/pkg/types"
)

// Candidate is one sampled response to an instruction.
type Candidate struct {
	Instruction string
	Type        string
	Prompt      string
	Response    string
	Seed        int64
	// TokenLogprobs of the response tokens, when the backend reported them.
	TokenLogprobs []float64
	Provenance    types.Provenance

	Score   float64
	Scorer  string
	Reasons []string
}

// Scorer rates a candidate; higher is better.
type Scorer interface {
	Name() string
	Score(c Candidate) (float64, []string, error)
	// NeedsLogprobs reports whether sampling must request logprobs.
	NeedsLogprobs() bool
}

// ErrNoLogprobs is returned by LogprobScorer for candidates without
// token log-probabilities.
var ErrNoLogprobs = errors.New("candidate has no token logprobs")

// Heuristic penalties.
const (
	penaltyLeak       = 0.5
	penaltyRefusal    = 0.4
	penaltyEcho       = 0.3
	penaltyRepetition = 0.3
	penaltyLength     = 0.2
	penaltyShape      = 0.1
)

var (
	refusalRE  = regexp.MustCompile(`(?i)\b(as an ai|i'?m sorry|i cannot|i can'?t help|i am unable|i'?m unable)\b`)
	leakRE     = regexp.MustCompile(`(?m)^\s*(Instruction|Response)\s*:`)
	listItemRE = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+\S`)
)

// HeuristicScorer scores surface quality in [0, 1] without the model.
type HeuristicScorer struct {
	Delimiter string
	MinWords  int
	MaxWords  int
}

func (HeuristicScorer) Name() string        { return "heuristic" }
func (HeuristicScorer) NeedsLogprobs() bool { return false }

func (s HeuristicScorer) Score(c Candidate) (float64, []string, error) {
	delim := s.Delimiter
	if delim == "" {
		delim = generator.Delimiter
	}
	minW, maxW := s.MinWords, s.MaxWords
	if minW <= 0 {
		minW = 2
	}
	if maxW <= 0 {
		maxW = 250
	}
	resp := strings.TrimSpace(c.Response)
	if resp == "" {
		return 0, []string{"empty"}, nil
	}
	score := 1.0
	var reasons []string
	penalize := func(p float64, reason string) {
		score -= p
		reasons = append(reasons, reason)
	}
	if strings.Contains(resp, delim) || leakRE.MatchString(resp) {
		penalize(penaltyLeak, "delimiter_leak")
	}
	if refusalRE.MatchString(resp) {
		penalize(penaltyRefusal, "refusal")
	}
	if echoes(c.Instruction, resp) {
		penalize(penaltyEcho, "instruction_echo")
	}
	if r := repetition(resp); r > 0.3 {
		penalize(penaltyRepetition*math.Min(1, r/0.6), fmt.Sprintf("repetition=%.2f", r))
	}
	words := len(strings.Fields(resp))
	if words < minW {
		penalize(penaltyLength, "too_short")
	} else if words > maxW {
		penalize(penaltyLength, "too_long")
	}
	if c.Type == generator.TypeList && len(listItemRE.FindAllString(resp, -1)) < 2 && strings.Count(resp, ",") < 2 {
		penalize(penaltyShape, "not_a_list")
	}
	return math.Max(0, score), reasons, nil
}

// echoes reports whether the response mostly repeats the instruction.
func echoes(instruction, resp string) bool {
	in := strings.ToLower(strings.Join(strings.Fields(instruction), " "))
	out := strings.ToLower(strings.Join(strings.Fields(resp), " "))
	if in == "" {
		return false
	}
	return strings.HasPrefix(out, in) && len(out) < 2*len(in)+20
}

// repetition is the share of word trigrams that already occurred.
func repetition(s string) float64 {
	w := strings.Fields(strings.ToLower(s))
	if len(w) < 6 {
		return 0
	}
	seen := map[string]bool{}
	dup := 0
	n := 0
	for i := 0; i+3 <= len(w); i++ {
		k := strings.Join(w[i:i+3], " ")
		if seen[k] {
			dup++
		}
		seen[k] = true
		n++
	}
	return float64(dup) / float64(n)
}

// LogprobScorer scores a response by the mean log-probability of its
// tokens under the model that produced it.
type LogprobScorer struct{}

func (LogprobScorer) Name() string        { return "logprob" }
func (LogprobScorer) NeedsLogprobs() bool { return true }

func (LogprobScorer) Score(c Candidate) (float64, []string, error) {
	if len(c.TokenLogprobs) == 0 {
		return 0, nil, ErrNoLogprobs
	}
	sum := 0.0
	for _, lp := range c.TokenLogprobs {
		sum += lp
	}
	return sum / float64(len(c.TokenLogprobs)), nil, nil
}

// CombinedScorer adds the heuristic score and the per-token probability
// (exp of the mean logprob) scaled by Weight.
type CombinedScorer struct {
	Heuristic HeuristicScorer
	Weight    float64
}

func (CombinedScorer) Name() string        { return "combined" }
func (CombinedScorer) NeedsLogprobs() bool { return true }

func (s CombinedScorer) Score(c Candidate) (float64, []string, error) {
	h, reasons, err := s.Heuristic.Score(c)
	if err != nil {
		return 0, nil, err
	}
	lp, _, err := LogprobScorer{}.Score(c)
	if err != nil {
		return 0, nil, err
	}
	w := s.Weight
	if w == 0 {
		w = 1
	}
	return h + w*math.Exp(lp), reasons, nil
}

// NewScorer maps a config name to a scorer.
func NewScorer(name, delimiter string) (Scorer, error) {
	h := HeuristicScorer{Delimiter: delimiter}
	switch name {
	case "heuristic", "":
		return h, nil
	case "logprob":
		return LogprobScorer{}, nil
	case "combined":
		return CombinedScorer{Heuristic: h, Weight: 1}, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", name)
	}
}
