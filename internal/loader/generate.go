package loader

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"basecai/internal/backend"
	"basecai/pkg/types"
)

// Generation is one completion made through a handle.
type Generation struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TokenLogprobs    []float64
	FinishReason     string
	Duration         time.Duration
}

// Generate runs a raw completion for prompt and returns only the new text,
// cut at params.Delimiter and trimmed. It returns "" without error when the
// model produced no tokens.
func (h *Handle) Generate(ctx context.Context, prompt string, p types.SamplingParams) (string, error) {
	g, err := h.Complete(ctx, prompt, p)
	return g.Text, err
}

// Complete is Generate with token accounting and log-probabilities.
func (h *Handle) Complete(ctx context.Context, prompt string, p types.SamplingParams) (Generation, error) {
	if h.isClosed() {
		return Generation{}, &GenerationError{Prompt: prompt, Err: errors.New("handle is closed")}
	}
	p = p.Normalized()

	ids, err := h.tok.Encode(ctx, prompt, false)
	if err != nil {
		return Generation{}, &GenerationError{Prompt: prompt, Err: err}
	}
	if h.strict {
		res, err := checkText(ctx, h.tok, prompt, h.chatIDs, h.tok.sp.BOSID, h.tolerateBOS)
		if err != nil {
			return Generation{}, &GenerationError{Prompt: prompt, Err: err}
		}
		if !res.Passed() {
			res.Prompt = excerpt(prompt, promptExcerpt)
			return Generation{}, contaminationFrom(res)
		}
	}

	start := time.Now()
	var comp backend.Completion
	if tc, ok := h.session.(backend.TokenCompleter); ok {
		comp, err = tc.CompleteTokens(ctx, ids, p)
	} else {
		comp, err = h.session.Complete(ctx, prompt, p)
	}
	dur := time.Since(start)
	if err != nil {
		h.metrics.ObserveGeneration(h.model.ID, "error", dur)
		return Generation{}, &GenerationError{Prompt: prompt, Err: err}
	}

	g := Generation{
		Text:             cutAtDelimiter(comp.Text, p.Delimiter),
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: comp.CompletionTokens,
		TokenLogprobs:    comp.TokenLogprobs,
		FinishReason:     comp.FinishReason,
		Duration:         dur,
	}
	if g.PromptTokens == 0 {
		g.PromptTokens = len(ids)
	}
	if comp.Text == "" || (comp.CompletionTokens == 0 && strings.TrimSpace(comp.Text) == "") {
		h.log.Warn().Str("event", "empty_generation").Str("prompt_tail", tail(prompt, 80)).Msg("loader")
		g.Text = ""
	}
	h.metrics.ObserveGeneration(h.model.ID, "ok", dur)
	return g, nil
}

// cutAtDelimiter drops everything from the first delimiter on and trims
// surrounding whitespace.
func cutAtDelimiter(text, delim string) string {
	if delim != "" {
		if i := strings.Index(text, delim); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

const promptExcerpt = 120

// excerpt shortens a production prompt for errors and logs to its last n
// bytes plus a digest of the whole prompt.
func excerpt(prompt string, n int) string {
	if len(prompt) <= n {
		return prompt
	}
	t := tail(prompt, n)
	for len(t) > 0 && !utf8.RuneStart(t[0]) {
		t = t[1:]
	}
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("...%s [sha256:%x, %d bytes]", t, sum[:6], len(prompt))
}
