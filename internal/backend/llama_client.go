package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"basecai/pkg/types"
)

// llamaClient speaks llama-server's native endpoints. Only /completion is
// used for generation; the OpenAI-style chat endpoints apply the model's
// chat template and are never called.
type llamaClient struct {
	baseURL    string
	httpClient *http.Client
	reqTimeout time.Duration
}

func newLlamaClient(baseURL string, reqTimeout time.Duration) *llamaClient {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	// Timeout=0: every request carries a context deadline instead.
	return &llamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		reqTimeout: reqTimeout,
	}
}

func (c *llamaClient) do(ctx context.Context, method, path string, in, out any) error {
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llama-server %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llama-server %s: decode: %w", path, err)
	}
	return nil
}

func (c *llamaClient) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

func (c *llamaClient) tokenize(ctx context.Context, text string, addSpecial bool) ([]int, error) {
	var out tokenizeResponse
	if err := c.do(ctx, http.MethodPost, "/tokenize", tokenizeRequest{Content: text, AddSpecial: addSpecial}, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

type detokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

type detokenizeResponse struct {
	Content string `json:"content"`
}

func (c *llamaClient) detokenize(ctx context.Context, ids []int) (string, error) {
	var out detokenizeResponse
	if err := c.do(ctx, http.MethodPost, "/detokenize", detokenizeRequest{Tokens: ids}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

type propsResponse struct {
	ChatTemplate string `json:"chat_template"`
	BOSToken     string `json:"bos_token"`
	EOSToken     string `json:"eos_token"`
	ModelPath    string `json:"model_path"`
}

func (c *llamaClient) props(ctx context.Context) (propsResponse, error) {
	var out propsResponse
	err := c.do(ctx, http.MethodGet, "/props", nil, &out)
	return out, err
}

type completionRequest struct {
	// Prompt is a string or a token ID slice.
	Prompt      any      `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	NProbs      int      `json:"n_probs,omitempty"`
	CachePrompt bool     `json:"cache_prompt"`
	Stream      bool     `json:"stream"`
}

type completionProb struct {
	Content string   `json:"content"`
	Logprob *float64 `json:"logprob,omitempty"`
	// Older servers report probabilities of the top candidates instead.
	Probs []struct {
		TokStr string  `json:"tok_str"`
		Prob   float64 `json:"prob"`
	} `json:"probs,omitempty"`
}

type completionResponse struct {
	Content         string           `json:"content"`
	TokensPredicted int              `json:"tokens_predicted"`
	TokensEvaluated int              `json:"tokens_evaluated"`
	StopType        string           `json:"stop_type"`
	StoppedEOS      bool             `json:"stopped_eos"`
	StoppedWord     bool             `json:"stopped_word"`
	StoppedLimit    bool             `json:"stopped_limit"`
	Probabilities   []completionProb `json:"completion_probabilities"`
}

func (c *llamaClient) complete(ctx context.Context, prompt any, p types.SamplingParams) (Completion, error) {
	req := completionRequest{
		Prompt:      prompt,
		NPredict:    p.MaxNewTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		Seed:        p.Seed,
		Stop:        p.Stop,
		CachePrompt: false,
		Stream:      false,
	}
	if p.Logprobs {
		req.NProbs = 1
	}
	var out completionResponse
	if err := c.do(ctx, http.MethodPost, "/completion", req, &out); err != nil {
		return Completion{}, err
	}
	comp := Completion{
		Text:             out.Content,
		PromptTokens:     out.TokensEvaluated,
		CompletionTokens: out.TokensPredicted,
		FinishReason:     finishReason(out),
	}
	for _, pr := range out.Probabilities {
		switch {
		case pr.Logprob != nil:
			comp.TokenLogprobs = append(comp.TokenLogprobs, *pr.Logprob)
		case len(pr.Probs) > 0 && pr.Probs[0].Prob > 0:
			comp.TokenLogprobs = append(comp.TokenLogprobs, math.Log(pr.Probs[0].Prob))
		}
	}
	return comp, nil
}

func finishReason(r completionResponse) string {
	switch {
	case r.StopType != "":
		return r.StopType
	case r.StoppedWord:
		return "word"
	case r.StoppedEOS:
		return "eos"
	case r.StoppedLimit:
		return "limit"
	default:
		return "stop"
	}
}

// specialTokens assembles the special-token view from /props, resolving
// BOS/EOS IDs by tokenizing their text.
func (c *llamaClient) specialTokens(ctx context.Context) (SpecialTokens, error) {
	sp := NoSpecialTokens()
	pr, err := c.props(ctx)
	if err != nil {
		return sp, err
	}
	sp.ChatTemplate = pr.ChatTemplate
	sp.BOS = pr.BOSToken
	sp.EOS = pr.EOSToken
	if sp.BOS != "" {
		if ids, err := c.tokenize(ctx, sp.BOS, false); err == nil && len(ids) == 1 {
			sp.BOSID = ids[0]
		}
	}
	if sp.EOS != "" {
		if ids, err := c.tokenize(ctx, sp.EOS, false); err == nil && len(ids) == 1 {
			sp.EOSID = ids[0]
		}
	}
	return sp, nil
}

// llamaSession implements Session over a llamaClient. onClose runs once on
// Close (used by spawn mode to stop the subprocess).
type llamaSession struct {
	client    *llamaClient
	tokConfig string
	onClose   func() error
}

func (s *llamaSession) Encode(ctx context.Context, text string, addSpecial bool) ([]int, error) {
	return s.client.tokenize(ctx, text, addSpecial)
}

func (s *llamaSession) Decode(ctx context.Context, ids []int) (string, error) {
	return s.client.detokenize(ctx, ids)
}

func (s *llamaSession) SpecialTokens(ctx context.Context) (SpecialTokens, error) {
	sp, err := s.client.specialTokens(ctx)
	if err != nil {
		return sp, err
	}
	if s.tokConfig != "" {
		tc, err := LoadTokenizerConfig(s.tokConfig)
		if err != nil {
			return sp, err
		}
		sp = tc.Merge(sp)
	}
	return sp, nil
}

func (s *llamaSession) Complete(ctx context.Context, prompt string, p types.SamplingParams) (Completion, error) {
	return s.client.complete(ctx, prompt, p)
}

// CompleteTokens sends pre-tokenized input so the server does not add
// special tokens of its own.
func (s *llamaSession) CompleteTokens(ctx context.Context, ids []int, p types.SamplingParams) (Completion, error) {
	return s.client.complete(ctx, ids, p)
}

func (s *llamaSession) Close() error {
	if s.onClose == nil {
		return nil
	}
	fn := s.onClose
	s.onClose = nil
	return fn()
}
