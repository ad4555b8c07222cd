package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"basecai/pkg/types"
)

// openAIBackend serves completions from an OpenAI-compatible server using the
// legacy /v1/completions endpoint (raw prompt, no chat template). Tokenizer
// calls use the vLLM /tokenize and /detokenize extensions.
type openAIBackend struct {
	cfg     Config
	client  *openai.Client
	http    *llamaClient
	limiter *rate.Limiter
}

func newOpenAIBackend(cfg Config) *openAIBackend {
	base := strings.TrimRight(cfg.OpenAI.BaseURL, "/")
	oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
	oc.BaseURL = base + "/v1"
	oc.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	b := &openAIBackend{
		cfg:    cfg,
		client: openai.NewClientWithConfig(oc),
		http:   newLlamaClient(base, cfg.RequestTimeout),
	}
	if cfg.OpenAI.RPS > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.OpenAI.RPS), 1)
	}
	return b
}

func (b *openAIBackend) Kind() Kind { return KindOpenAI }

func (b *openAIBackend) Open(ctx context.Context, model types.Model) (Session, error) {
	name := b.cfg.OpenAI.Model
	if name == "" {
		name = model.Name
	}
	b.cfg.Publisher.Publish(Event{Name: "openai_open", ModelID: name, Fields: map[string]any{"base_url": b.cfg.OpenAI.BaseURL}})
	return &openAISession{b: b, model: name}, nil
}

type openAISession struct {
	b     *openAIBackend
	model string
}

func (s *openAISession) wait(ctx context.Context) error {
	if s.b.limiter == nil {
		return nil
	}
	return s.b.limiter.Wait(ctx)
}

type vllmTokenizeRequest struct {
	Model            string `json:"model"`
	Prompt           string `json:"prompt"`
	AddSpecialTokens bool   `json:"add_special_tokens"`
}

type vllmDetokenizeRequest struct {
	Model  string `json:"model"`
	Tokens []int  `json:"tokens"`
}

func (s *openAISession) Encode(ctx context.Context, text string, addSpecial bool) ([]int, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	var out tokenizeResponse
	err := s.b.http.do(ctx, http.MethodPost, "/tokenize", vllmTokenizeRequest{Model: s.model, Prompt: text, AddSpecialTokens: addSpecial}, &out)
	return out.Tokens, err
}

func (s *openAISession) Decode(ctx context.Context, ids []int) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	var out struct {
		Prompt string `json:"prompt"`
	}
	err := s.b.http.do(ctx, http.MethodPost, "/detokenize", vllmDetokenizeRequest{Model: s.model, Tokens: ids}, &out)
	return out.Prompt, err
}

// SpecialTokens comes from the configured tokenizer_config.json; the
// OpenAI API has no endpoint for it.
func (s *openAISession) SpecialTokens(ctx context.Context) (SpecialTokens, error) {
	sp := NoSpecialTokens()
	if s.b.cfg.TokenizerConfig == "" {
		return sp, nil
	}
	tc, err := LoadTokenizerConfig(s.b.cfg.TokenizerConfig)
	if err != nil {
		return sp, err
	}
	return tc.Merge(sp), nil
}

func (s *openAISession) Complete(ctx context.Context, prompt string, p types.SamplingParams) (Completion, error) {
	return s.complete(ctx, prompt, p)
}

// go-openai only accepts string prompts, so this session does not offer
// CompleteTokens.
func (s *openAISession) complete(ctx context.Context, prompt string, p types.SamplingParams) (Completion, error) {
	if err := s.wait(ctx); err != nil {
		return Completion{}, err
	}
	seed := int(p.Seed)
	req := openai.CompletionRequest{
		Model:       s.model,
		Prompt:      prompt,
		MaxTokens:   p.MaxNewTokens,
		Temperature: float32(p.Temperature),
		TopP:        float32(p.TopP),
		Stop:        p.Stop,
		Seed:        &seed,
	}
	if p.Logprobs {
		req.LogProbs = 1
	}
	resp, err := s.b.client.CreateCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai completion: no choices")
	}
	ch := resp.Choices[0]
	comp := Completion{
		Text:             ch.Text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		FinishReason:     ch.FinishReason,
	}
	for _, lp := range ch.LogProbs.TokenLogprobs {
		comp.TokenLogprobs = append(comp.TokenLogprobs, float64(lp))
	}
	return comp, nil
}

func (s *openAISession) Close() error { return nil }
