package registry

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"basecai/pkg/types"
)

func TestGGUFScanner_ScanFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	// create files
	files := []string{
		"a.gguf",
		"b.GGUF", // case-insensitive
		"not-model.txt",
		"model.bin",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	s := NewGGUFScanner()
	models, err := s.Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	// ensure IDs are filenames
	ids := []string{models[0].ID, models[1].ID}
	for _, id := range ids {
		if !strings.HasSuffix(strings.ToLower(id), ".gguf") {
			t.Fatalf("id not gguf: %s", id)
		}
	}
}

func TestGGUFScanner_ExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	// create temporary directory under home
	hTmp, err := os.MkdirTemp(home, "basecai-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	// create a gguf file inside it
	if err := os.WriteFile(filepath.Join(hTmp, "x.gguf"), []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// build path with ~ prefix
	var tildePath string
	if runtime.GOOS == "windows" {
		// On Windows, home might contain drive; ExpandHome still handles ~/<rest>
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	s := NewGGUFScanner()
	models, err := s.Scan(tildePath)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDirWrapper(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m.gguf"), []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 1 || models[0].ID != "m.gguf" {
		t.Fatalf("unexpected: %+v", models)
	}
}

func TestParseFileName(t *testing.T) {
	cases := []struct {
		file, name, quant, family string
		q                         types.Quantization
	}{
		{"qwen2.5-7b-Q4_K_M.gguf", "qwen2.5-7b", "Q4_K_M", "qwen", types.Quant4Bit},
		{"Llama-3.1-8B.Q8_0.gguf", "Llama-3.1-8B", "Q8_0", "llama", types.Quant8Bit},
		{"mistral-7b-f16.GGUF", "mistral-7b", "F16", "mistral", types.QuantNone},
		{"phi-2.gguf", "phi-2", "", "phi", types.QuantUnset},
		{"gemma-2b-IQ4_XS.gguf", "gemma-2b", "IQ4_XS", "gemma", types.Quant4Bit},
	}
	for _, c := range cases {
		m := ParseFileName(c.file)
		if m.ID != c.file || m.Name != c.name || m.Quant != c.quant || m.Family != c.family || m.Quantization != c.q {
			t.Fatalf("%s: got %+v", c.file, m)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"base-7b-Q4_K_M.gguf", "base-7b-Q8_0.gguf", "sft-7b-Q4_K_M.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := New(models)

	m, err := r.Resolve("base-7b", types.Quant4Bit)
	if err != nil || m.ID != "base-7b-Q4_K_M.gguf" {
		t.Fatalf("resolve 4bit: %+v %v", m, err)
	}
	m, err = r.Resolve("base-7b", types.QuantUnset)
	if err != nil || m.Quantization != types.Quant8Bit {
		t.Fatalf("resolve default should prefer higher precision: %+v %v", m, err)
	}
	if m.SizeBytes != 1 || m.Path == "" {
		t.Fatalf("size/path not set: %+v", m)
	}
	m, err = r.Resolve("sft-7b-Q4_K_M.gguf", types.QuantUnset)
	if err != nil || m.Name != "sft-7b" {
		t.Fatalf("resolve by id: %+v %v", m, err)
	}
	if _, err := r.Resolve("sft-7b", types.Quant8Bit); !IsQuantNotAvailable(err) {
		t.Fatalf("expected quant not available, got %v", err)
	}
	if _, err := r.Resolve("sft-7b-Q4_K_M.gguf", types.QuantNone); !IsQuantNotAvailable(err) {
		t.Fatalf("expected quant not available for id, got %v", err)
	}
	if _, err := r.Resolve("dpo-7b", types.QuantUnset); !IsModelNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
