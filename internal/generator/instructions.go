package generator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"basecai/internal/loader"
	"basecai/pkg/types"
)

// Instruction is one input to the generator.
type Instruction struct {
	ID   string `json:"id,omitempty" yaml:"id"`
	Text string `json:"instruction" yaml:"instruction"`
	Type string `json:"type,omitempty" yaml:"type"`
}

// Instruction types.
const (
	TypeQA        = "qa"
	TypeList      = "list"
	TypeTranslate = "translate"
	TypeRewrite   = "rewrite"
	TypeReasoning = "reasoning"
	TypeOpen      = "open"
)

var (
	listRE      = regexp.MustCompile(`(?i)^(list|name|give|enumerate)\b.*\b(two|three|four|five|six|seven|eight|nine|ten|\d+|several|some)\b`)
	translateRE = regexp.MustCompile(`(?i)\btranslate\b|\bin (french|spanish|german|italian|japanese|chinese|portuguese)\b`)
	rewriteRE   = regexp.MustCompile(`(?i)^(rewrite|rephrase|paraphrase|summari[sz]e|shorten|simplify|correct|fix)\b`)
	reasonRE    = regexp.MustCompile(`(?i)\b(why|explain|how many|how much|how far|if .+ then|calculate|compute|solve|step by step)\b|\d+\s*[-+*/x]\s*\d+`)
	qaRE        = regexp.MustCompile(`(?i)^(what|who|when|where|which|is|are|does|do|can|name the)\b|\?\s*$`)
)

// Classify assigns one of the instruction types from surface cues.
func Classify(text string) string {
	t := strings.TrimSpace(text)
	switch {
	case translateRE.MatchString(t):
		return TypeTranslate
	case listRE.MatchString(t):
		return TypeList
	case rewriteRE.MatchString(t):
		return TypeRewrite
	case reasonRE.MatchString(t):
		return TypeReasoning
	case qaRE.MatchString(t):
		return TypeQA
	default:
		return TypeOpen
	}
}

func normKey(s string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}), " "))
}

// Dedup drops empty and repeated instructions (case and punctuation
// insensitive), fills missing IDs and types, and keeps order.
func Dedup(in []Instruction) []Instruction {
	seen := make(map[string]bool, len(in))
	out := make([]Instruction, 0, len(in))
	for _, ins := range in {
		ins.Text = strings.TrimSpace(ins.Text)
		k := normKey(ins.Text)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		if ins.Type == "" {
			ins.Type = Classify(ins.Text)
		}
		if ins.ID == "" {
			ins.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(k)).String()
		}
		out = append(out, ins)
	}
	return out
}

// LoadInstructions reads .jsonl, .yaml/.yml or plain text (one instruction
// per line, '#' comments) and returns the deduplicated list.
func LoadInstructions(path string) ([]Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Instruction
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			b := strings.TrimSpace(sc.Text())
			if b == "" {
				continue
			}
			var ins Instruction
			if err := json.Unmarshal([]byte(b), &ins); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			out = append(out, ins)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(f).Decode(&out); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			s := strings.TrimSpace(sc.Text())
			if s == "" || strings.HasPrefix(s, "#") {
				continue
			}
			out = append(out, Instruction{Text: s})
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	return Dedup(out), nil
}

// Completer is the part of a loader handle the generator needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, p types.SamplingParams) (loader.Generation, error)
	Provenance() types.Provenance
}

// SelfInstructConfig controls instruction self-generation.
type SelfInstructConfig struct {
	Format Format
	Params types.SamplingParams
	// Seeds shown per prompt; defaults to 6.
	PerPrompt int
	// MaxAttempts bounds completions; defaults to 4*n.
	MaxAttempts int
	MinWords    int
	MaxWords    int
}

// Instructions asks the model for n new instructions in the style of
// seeds. Candidates that are too short or long, that contain the
// delimiter, or that repeat a seed or each other are discarded. Fewer than
// n may be returned when attempts run out.
func Instructions(ctx context.Context, h Completer, seeds []string, n int, cfg SelfInstructConfig) ([]Instruction, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("self-instruct needs at least one seed instruction")
	}
	if cfg.PerPrompt <= 0 {
		cfg.PerPrompt = 6
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4 * n
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 3
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 60
	}
	delim := cfg.Format.Delim()
	seen := map[string]bool{}
	for _, s := range seeds {
		seen[normKey(s)] = true
	}
	var out []Instruction
	for attempt := 0; attempt < cfg.MaxAttempts && len(out) < n; attempt++ {
		shown := rotate(seeds, attempt, cfg.PerPrompt)
		p := cfg.Params
		p.Delimiter = delim
		p.Stop = append(append([]string(nil), cfg.Params.Stop...), "\n")
		if !p.Deterministic {
			p.Seed = cfg.Params.Seed + int64(attempt)
		}
		g, err := h.Complete(ctx, cfg.Format.Instruction(shown), p)
		if err != nil {
			if loader.IsGeneration(err) {
				continue
			}
			return out, err
		}
		text := strings.TrimSpace(g.Text)
		words := len(strings.Fields(text))
		k := normKey(text)
		if words < cfg.MinWords || words > cfg.MaxWords || strings.Contains(text, delim) || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, Instruction{Text: text})
	}
	return Dedup(out), nil
}

func rotate(seeds []string, offset, n int) []string {
	if n > len(seeds) {
		n = len(seeds)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = seeds[(offset+i)%len(seeds)]
	}
	return out
}
