package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"basecai/pkg/types"
)

func testProv() types.Provenance {
	return types.Provenance{
		LoaderRevision:   "rev-1",
		ModelName:        "base-7b",
		Quantization:     types.Quant4Bit,
		TemplateDisabled: true,
		SentinelVersion:  "sentinel-v2",
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Tokenizer:        types.TokenizerSnapshot{BOSID: 1, EOSID: 2, ChatTokenIDs: []int{3, 4}, TemplateCleared: true},
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterSegregatesFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen", "data.jsonl")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ok := GeneratedExample{ID: "a", Instruction: "List three colors", Response: "Red, green, blue.", Type: "list", Provenance: testProv()}
	if err := w.Write(ok); err != nil {
		t.Fatalf("write ok: %v", err)
	}
	if w.HasFailures() {
		t.Fatalf("failure stream opened before any failure")
	}
	bad := FailedExample{ID: "b", Instruction: "Say hi", Reason: "error", Error: "boom", Attempts: 2, Provenance: testProv()}
	if err := w.Write(bad); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	primary := readLines(t, path)
	if len(primary) != 1 || primary[0]["kind"] != "generated" || primary[0]["instruction"] != "List three colors" {
		t.Fatalf("primary stream: %v", primary)
	}
	prov, _ := primary[0]["provenance"].(map[string]any)
	if prov["model_name"] != "base-7b" || prov["loader_revision"] != "rev-1" || prov["template_disabled"] != true {
		t.Fatalf("provenance block: %v", prov)
	}
	failed := readLines(t, FailurePath(path))
	if len(failed) != 1 || failed[0]["kind"] != "failed" || failed[0]["reason"] != "error" {
		t.Fatalf("failure stream: %v", failed)
	}
	if got := w.Counts(); got[KindGenerated] != 1 || got[KindFailed] != 1 {
		t.Fatalf("counts: %v", got)
	}
}

func TestWriterDiscardRemovesBothStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write(GeneratedExample{ID: "a", Instruction: "Say hi", Response: "Hi.", Type: "open", Provenance: testProv()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(FailedExample{ID: "b", Instruction: "Say bye", Reason: "empty", Attempts: 1, Provenance: testProv()}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := w.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	for _, p := range []string{path, FailurePath(path)} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still on disk: %v", p, err)
		}
	}
	if w.HasFailures() || len(w.Counts()) != 0 {
		t.Fatalf("discarded writer reports output: failures=%v counts=%v", w.HasFailures(), w.Counts())
	}
	if err := w.Write(GeneratedExample{ID: "c", Instruction: "i", Response: "r", Type: "open", Provenance: testProv()}); err == nil {
		t.Fatalf("write after discard accepted")
	}
}

func TestWriterRejectsMissingProvenance(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "d.jsonl"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer w.Close()
	err = w.Write(GeneratedExample{ID: "x", Instruction: "i", Response: "r", Type: "open"})
	if !errors.Is(err, ErrMissingProvenance) {
		t.Fatalf("want ErrMissingProvenance, got %v", err)
	}
	p := testProv()
	p.TemplateDisabled = false
	if err := w.Write(GeneratedExample{ID: "x", Instruction: "i", Response: "r", Type: "open", Provenance: p}); err == nil {
		t.Fatalf("expected rejection of provenance with template enabled")
	}
	p = testProv()
	p.LoaderRevision = ""
	if err := w.Write(GeneratedExample{ID: "x", Instruction: "i", Response: "r", Type: "open", Provenance: p}); err == nil {
		t.Fatalf("expected rejection of provenance without revision")
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.jsonl")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(path); err == nil {
		t.Fatalf("expected error for existing file")
	}
	b, _ := os.ReadFile(path)
	if string(b) != "old\n" {
		t.Fatalf("existing file modified: %q", b)
	}
}

func TestReadToleratesUnknownKeys(t *testing.T) {
	prov, _ := json.Marshal(testProv())
	lines := []string{
		`{"instruction":"What is 2+2?","response":"4","type":"qa","provenance":` + string(prov) + `,"future_field":{"x":1}}`,
		``,
		`{"kind":"preference","id":"p1","instruction":"Hi","prompt":"Instruction: Hi\nResponse:","chosen":"Hello.","rejected":"###END###","chosen_score":0.9,"rejected_score":0.1,"scorer":"heuristic","provenance":` + string(prov) + `}`,
	}
	path := filepath.Join(t.TempDir(), "in.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}
	ex := Examples(recs)
	if len(ex) != 1 || ex[0].Response != "4" {
		t.Fatalf("examples: %+v", ex)
	}
	if diff := cmp.Diff(testProv(), ex[0].Provenance); diff != "" {
		t.Fatalf("provenance mismatch (-want +got):\n%s", diff)
	}
	pairs := Pairs(recs)
	if len(pairs) != 1 || pairs[0].Chosen != "Hello." {
		t.Fatalf("pairs: %+v", pairs)
	}
}

func TestReadReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	content := `{"instruction":"a","response":"b","type":"qa"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadFile(path)
	var le *LineError
	if !errors.As(err, &le) || le.Line != 1 || !errors.Is(err, ErrMissingProvenance) {
		t.Fatalf("want line 1 missing provenance, got %v", err)
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"kind":"mystery"}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestPreferencePairValidation(t *testing.T) {
	p := PreferencePair{ID: "p", Instruction: "i", Prompt: "x", Chosen: "same", Rejected: "same", Scorer: "heuristic", Provenance: testProv()}
	if err := Validate(p); err == nil {
		t.Fatalf("expected identical chosen/rejected to fail")
	}
	p.Rejected = "other"
	p.ChosenScore, p.RejectedScore = 0.2, 0.5
	if err := Validate(p); err == nil {
		t.Fatalf("expected inverted scores to fail")
	}
	p.ChosenScore, p.RejectedScore = 0.5, 0.2
	if err := Validate(p); err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}
}
