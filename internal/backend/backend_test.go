package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"basecai/internal/llamatest"
	"basecai/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Kind: KindServer}); err == nil {
		t.Fatalf("expected error for server without url")
	}
	if _, err := New(Config{Kind: KindOpenAI}); err == nil {
		t.Fatalf("expected error for openai without base url")
	}
	if _, err := New(Config{Kind: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	b, err := New(Config{Kind: KindServer, URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Kind() != KindServer {
		t.Fatalf("kind = %s", b.Kind())
	}
}

func TestServerBackend_TokenizeRoundTrip(t *testing.T) {
	srv := llamatest.New(llamatest.Options{AddBOS: true})
	defer srv.Close()
	b, err := New(Config{Kind: KindServer, URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := b.Open(testCtx(t), types.Model{ID: "m"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	with, err := sess.Encode(testCtx(t), "List three colors", true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	without, err := sess.Encode(testCtx(t), "List three colors", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(with) != len(without)+1 || with[0] != llamatest.BOSID {
		t.Fatalf("expected BOS prefix: with=%v without=%v", with, without)
	}
	text, err := sess.Decode(testCtx(t), without)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "List three colors" {
		t.Fatalf("Decode = %q", text)
	}
}

func TestServerBackend_SpecialTokensFromProps(t *testing.T) {
	srv := llamatest.New(llamatest.Options{ChatTemplate: llamatest.ChatMLTmpl})
	defer srv.Close()
	b, _ := New(Config{Kind: KindServer, URL: srv.URL})
	sess, err := b.Open(testCtx(t), types.Model{ID: "m"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sp, err := sess.SpecialTokens(testCtx(t))
	if err != nil {
		t.Fatalf("SpecialTokens: %v", err)
	}
	if sp.BOSID != llamatest.BOSID || sp.EOSID != llamatest.EOSID {
		t.Fatalf("ids: bos=%d eos=%d", sp.BOSID, sp.EOSID)
	}
	if !strings.Contains(sp.ChatTemplate, "<|im_start|>") {
		t.Fatalf("chat template not reported: %q", sp.ChatTemplate)
	}
}

func TestServerBackend_TokenizerConfigMerged(t *testing.T) {
	srv := llamatest.New(llamatest.Options{})
	defer srv.Close()
	path := filepath.Join(t.TempDir(), "tokenizer_config.json")
	if err := os.WriteFile(path, llamatest.TokenizerConfigJSON(llamatest.ChatMLTmpl), 0o644); err != nil {
		t.Fatal(err)
	}
	b, _ := New(Config{Kind: KindServer, URL: srv.URL, TokenizerConfig: path})
	sess, err := b.Open(testCtx(t), types.Model{ID: "m"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sp, err := sess.SpecialTokens(testCtx(t))
	if err != nil {
		t.Fatalf("SpecialTokens: %v", err)
	}
	if sp.Added[llamatest.ImStart] != llamatest.ImStartID {
		t.Fatalf("added tokens not merged: %v", sp.Added)
	}
	if sp.ChatTemplate == "" {
		t.Fatalf("expected chat template from tokenizer config")
	}
}

func TestServerBackend_Complete(t *testing.T) {
	srv := llamatest.New(llamatest.Options{Logprob: -0.5})
	defer srv.Close()
	b, _ := New(Config{Kind: KindServer, URL: srv.URL})
	sess, err := b.Open(testCtx(t), types.Model{ID: "m"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p := types.SamplingParams{Deterministic: true, Delimiter: "###END###", Logprobs: true}.Normalized()
	comp, err := sess.Complete(testCtx(t), "Instruction: say hi\nResponse:", p)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if strings.Contains(comp.Text, "###END###") {
		t.Fatalf("stop word not applied: %q", comp.Text)
	}
	if comp.FinishReason != "word" {
		t.Fatalf("finish reason = %q", comp.FinishReason)
	}
	if comp.CompletionTokens == 0 || len(comp.TokenLogprobs) != comp.CompletionTokens {
		t.Fatalf("tokens=%d logprobs=%d", comp.CompletionTokens, len(comp.TokenLogprobs))
	}
	if srv.Completions() != 1 {
		t.Fatalf("completions = %d", srv.Completions())
	}
}

func TestServerBackend_OpenUnhealthy(t *testing.T) {
	srv := llamatest.New(llamatest.Options{})
	url := srv.URL
	srv.Close()
	b, _ := New(Config{Kind: KindServer, URL: url, RequestTimeout: time.Second})
	if _, err := b.Open(testCtx(t), types.Model{ID: "m"}); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func TestInprocWithoutTag(t *testing.T) {
	b, err := New(Config{Kind: KindInproc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if llamaBuilt {
		t.Skip("built with llama tag")
	}
	_, err = b.Open(testCtx(t), types.Model{ID: "m", Path: "m.gguf"})
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}
