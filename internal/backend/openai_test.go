package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"basecai/pkg/types"
)

func TestOpenAIBackend_CompleteAndTokenize(t *testing.T) {
	var gotPrompt string
	var gotAddSpecial bool
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotPrompt, _ = req["prompt"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"text_completion","model":"base",
			"choices":[{"text":" Bonjour","index":0,"finish_reason":"stop",
			"logprobs":{"tokens":[" Bon","jour"],"token_logprobs":[-0.25,-0.5]}}],
			"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`))
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req vllmTokenizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotAddSpecial = req.AddSpecialTokens
		_, _ = w.Write([]byte(`{"tokens":[11,12,13],"count":3}`))
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt":"hello"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	b, err := New(Config{Kind: KindOpenAI, OpenAI: OpenAIConfig{BaseURL: ts.URL, Model: "base", RPS: 100}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := b.Open(testCtx(t), types.Model{Name: "ignored"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	comp, err := sess.Complete(testCtx(t), "Instruction: hello\nResponse:", types.SamplingParams{Deterministic: true, Logprobs: true}.Normalized())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Text != " Bonjour" || comp.CompletionTokens != 2 || len(comp.TokenLogprobs) != 2 {
		t.Fatalf("completion = %+v", comp)
	}
	if gotPrompt != "Instruction: hello\nResponse:" {
		t.Fatalf("prompt sent = %q", gotPrompt)
	}
	ids, err := sess.Encode(testCtx(t), "hello", true)
	if err != nil || len(ids) != 3 {
		t.Fatalf("Encode: %v %v", ids, err)
	}
	if !gotAddSpecial {
		t.Fatalf("add_special_tokens not forwarded")
	}
	text, err := sess.Decode(testCtx(t), ids)
	if err != nil || text != "hello" {
		t.Fatalf("Decode: %q %v", text, err)
	}
}
