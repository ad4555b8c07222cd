package generator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"basecai/internal/loader"
	"basecai/pkg/types"
)

func TestResponsePromptLayout(t *testing.T) {
	f := Format{Shots: []Shot{{Instruction: "Say hi", Response: "Hi."}}}
	got := f.Response("Translate to French:\n hello")
	want := "Instruction: Say hi\nResponse: Hi.\n###END###\n\nInstruction: Translate to French: hello\nResponse:"
	if got != want {
		t.Fatalf("prompt:\n%q\nwant:\n%q", got, want)
	}
}

func TestInstructionPromptLayout(t *testing.T) {
	got := Format{Delimiter: "<END>"}.Instruction([]string{"A b c", "D e f"})
	want := "Instruction: A b c\n<END>\n\nInstruction: D e f\n<END>\n\nInstruction:"
	if got != want {
		t.Fatalf("prompt:\n%q\nwant:\n%q", got, want)
	}
}

func TestLoadShots(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "shots.yaml")
	_ = os.WriteFile(p, []byte("- instruction: Name a fruit.\n  response: Apple.\n"), 0o644)
	shots, err := LoadShots(p)
	if err != nil || len(shots) != 1 || shots[0].Response != "Apple." {
		t.Fatalf("shots: %v %+v", err, shots)
	}
	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("- instruction: Only half\n"), 0o644)
	if _, err := LoadShots(bad); err == nil {
		t.Fatalf("expected error for incomplete shot")
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"Translate to French: hello":          TypeTranslate,
		"List three colors":                   TypeList,
		"Rewrite this sentence formally.":     TypeRewrite,
		"Explain why the sky is blue.":        TypeReasoning,
		"Answer this: What is 2+2?":           TypeReasoning,
		"What is the capital of France?":      TypeQA,
		"Name the capital of Japan.":          TypeQA,
		"Write a short poem about the ocean.": TypeOpen,
	}
	for in, want := range cases {
		if got := Classify(in); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDedup(t *testing.T) {
	in := []Instruction{{Text: "List three colors"}, {Text: "list three colors!"}, {Text: "  "}, {Text: "Say hi", Type: "open"}}
	out := Dedup(in)
	if len(out) != 2 {
		t.Fatalf("dedup: %+v", out)
	}
	if out[0].Type != TypeList || out[0].ID == "" || out[1].Type != "open" {
		t.Fatalf("fill: %+v", out)
	}
	if again := Dedup([]Instruction{{Text: "List three colors"}}); again[0].ID != out[0].ID {
		t.Fatalf("IDs are not stable: %s vs %s", again[0].ID, out[0].ID)
	}
}

func TestLoadInstructions(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "in.txt")
	_ = os.WriteFile(txt, []byte("# held out\nList three colors\n\nList three colors\nSay hi\n"), 0o644)
	got, err := LoadInstructions(txt)
	if err != nil || len(got) != 2 {
		t.Fatalf("txt: %v %+v", err, got)
	}
	jl := filepath.Join(dir, "in.jsonl")
	_ = os.WriteFile(jl, []byte(`{"id":"a","instruction":"Say hi","extra":1}`+"\n"+`{"instruction":"Translate to German: cat"}`+"\n"), 0o644)
	got, err = LoadInstructions(jl)
	if err != nil || len(got) != 2 || got[0].ID != "a" || got[1].Type != TypeTranslate {
		t.Fatalf("jsonl: %v %+v", err, got)
	}
	y := filepath.Join(dir, "in.yaml")
	_ = os.WriteFile(y, []byte("- instruction: Say hi\n  type: open\n"), 0o644)
	got, err = LoadInstructions(y)
	if err != nil || len(got) != 1 || got[0].Type != "open" {
		t.Fatalf("yaml: %v %+v", err, got)
	}
}

type scriptedCompleter struct {
	outs    []string
	prompts []string
	params  []types.SamplingParams
}

func (s *scriptedCompleter) Complete(_ context.Context, prompt string, p types.SamplingParams) (loader.Generation, error) {
	s.prompts = append(s.prompts, prompt)
	s.params = append(s.params, p)
	if len(s.outs) == 0 {
		return loader.Generation{}, &loader.GenerationError{Prompt: prompt, Err: context.DeadlineExceeded}
	}
	out := s.outs[0]
	s.outs = s.outs[1:]
	return loader.Generation{Text: out}, nil
}

func (s *scriptedCompleter) Provenance() types.Provenance { return types.Provenance{} }

func TestSelfInstructFilters(t *testing.T) {
	c := &scriptedCompleter{outs: []string{
		"Describe a sunset over the sea.",
		"Too short",
		"List three colors",
		"describe a sunset over the sea",
		"Give me a ###END### broken one please",
		"Explain how rain forms in clouds.",
	}}
	seeds := []string{"List three colors", "Say hello politely to me"}
	got, err := Instructions(context.Background(), c, seeds, 2, SelfInstructConfig{Params: types.SamplingParams{Seed: 5, Temperature: 1}})
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if len(got) != 2 || got[0].Text != "Describe a sunset over the sea." || got[1].Text != "Explain how rain forms in clouds." {
		t.Fatalf("got %+v", got)
	}
	if got[1].Type != TypeReasoning {
		t.Fatalf("type not filled: %+v", got[1])
	}
	if !strings.HasSuffix(c.prompts[0], "Instruction:") || c.params[0].Seed != 5 || c.params[1].Seed != 6 {
		t.Fatalf("prompt/seed: %q %+v", c.prompts[0], c.params[:2])
	}
	last := c.params[0].Stop
	if len(last) == 0 || last[len(last)-1] != "\n" {
		t.Fatalf("newline stop missing: %v", last)
	}
}

func TestSelfInstructStopsWhenAttemptsRunOut(t *testing.T) {
	c := &scriptedCompleter{}
	got, err := Instructions(context.Background(), c, []string{"Seed instruction here"}, 3, SelfInstructConfig{})
	if err != nil || len(got) != 0 || len(c.prompts) != 12 {
		t.Fatalf("got %v %+v after %d prompts", err, got, len(c.prompts))
	}
}
