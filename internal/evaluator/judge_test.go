package evaluator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"basecai/internal/generator"
)

func TestJudge(t *testing.T) {
	cases := []struct {
		name   string
		item   Item
		resp   string
		ok     bool
		reason string
	}{
		{"baseline ok", Item{Instruction: "Say hi"}, "Hello there.", true, ""},
		{"empty", Item{Instruction: "Say hi"}, "   ", false, "empty"},
		{"echo", Item{Instruction: "Say hi"}, "say hi.", false, "echo"},
		{"leak", Item{Instruction: "Say hi"}, "Hi ###END###", false, "delimiter_leak"},
		{"contains", Item{Instruction: "Capital of France?", Check: Check{Contains: []string{"Paris"}}}, "It is paris.", true, ""},
		{"missing", Item{Instruction: "Capital of France?", Check: Check{Contains: []string{"Paris"}}}, "It is Lyon.", false, "missing"},
		{"not contains", Item{Instruction: "Be polite", Check: Check{NotContains: []string{"idiot"}}}, "You idiot.", false, "contains"},
		{"regex", Item{Instruction: "Give a year", Check: Check{Regex: `\b\d{4}\b`}}, "It was 1969.", true, ""},
		{"regex miss", Item{Instruction: "Give a year", Check: Check{Regex: `\b\d{4}\b`}}, "Long ago.", false, "regex"},
		{"max words", Item{Instruction: "One word", Check: Check{MaxWords: 1}}, "two words", false, "max_words"},
		{"min words", Item{Instruction: "Explain", Check: Check{MinWords: 5}}, "No.", false, "min_words"},
		{"numbered list", Item{Instruction: "List three colors", Check: Check{ListItems: 3}}, "1. Red\n2. Blue\n3. Green", true, ""},
		{"inline list", Item{Instruction: "List three colors", Check: Check{ListItems: 3}}, "Red, blue and green.", true, ""},
		{"short list", Item{Instruction: "List three colors", Check: Check{ListItems: 3}}, "- Red\n- Blue", false, "list_items"},
		{"french", Item{Instruction: "Translate to French: hello, thank you", Check: Check{Language: "fr"}}, "Bonjour, merci.", true, ""},
		{"not french", Item{Instruction: "Translate to French: hello, thank you", Check: Check{Language: "fr"}}, "Hello and thank you.", false, "language_hint"},
		{"bad language", Item{Instruction: "x", Check: Check{Language: "tlh"}}, "Qapla'", false, "unknown language_hint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reasons := Judge(tc.item, tc.resp, generator.Delimiter)
			if ok != tc.ok {
				t.Fatalf("ok=%v reasons=%v", ok, reasons)
			}
			if tc.reason == "" {
				if len(reasons) != 0 {
					t.Fatalf("unexpected reasons %v", reasons)
				}
				return
			}
			found := false
			for _, r := range reasons {
				if strings.HasPrefix(r, tc.reason) {
					found = true
				}
			}
			if !found {
				t.Fatalf("reasons %v missing %s", reasons, tc.reason)
			}
		})
	}
}

func TestLoadItems(t *testing.T) {
	dir := t.TempDir()
	jl := filepath.Join(dir, "heldout.jsonl")
	body := `{"id":"a","instruction":"List three colors","check":{"list_items":3}}

{"instruction":"Translate to French: hello","check":{"language_hint":"fr"}}
`
	if err := os.WriteFile(jl, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadItems(jl)
	if err != nil {
		t.Fatalf("LoadItems: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "item-2" {
		t.Fatalf("items: %+v", got)
	}
	if got[0].Type != generator.TypeList || got[1].Type != generator.TypeTranslate || got[1].Check.Language != "fr" {
		t.Fatalf("types: %+v", got)
	}

	y := filepath.Join(dir, "heldout.yaml")
	yb := "- id: q1\n  instruction: What is 2+2?\n  check:\n    contains: [\"4\"]\n    max_words: 10\n"
	if err := os.WriteFile(y, []byte(yb), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = LoadItems(y)
	if err != nil {
		t.Fatalf("LoadItems yaml: %v", err)
	}
	if len(got) != 1 || got[0].Check.MaxWords != 10 || got[0].Check.Contains[0] != "4" {
		t.Fatalf("yaml items: %+v", got)
	}
}

func TestLoadItemsErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cases := map[string]string{
		"dup":     write("dup.jsonl", `{"id":"x","instruction":"a"}`+"\n"+`{"id":"x","instruction":"b"}`),
		"empty":   write("empty.jsonl", `{"id":"x","instruction":" "}`),
		"regex":   write("re.jsonl", `{"instruction":"a","check":{"regex":"("}}`),
		"garbage": write("bad.jsonl", "{nope"),
		"ext":     write("items.csv", "a,b"),
	}
	for name, p := range cases {
		if _, err := LoadItems(p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadItems(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
