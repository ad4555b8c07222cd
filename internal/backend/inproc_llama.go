//go:build llama

package backend

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"basecai/pkg/types"
)

// inprocBackend loads GGUF weights in-process through go-llama.cpp.
type inprocBackend struct {
	cfg Config
}

// llamaBuilt reports whether this binary has in-process llama support.
const llamaBuilt = true

func newInprocBackend(cfg Config) Backend { return &inprocBackend{cfg: cfg} }

func (b *inprocBackend) Kind() Kind { return KindInproc }

func (b *inprocBackend) Open(ctx context.Context, model types.Model) (Session, error) {
	if strings.TrimSpace(model.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{llama.SetContext(b.cfg.CtxSize)}
	if b.cfg.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(b.cfg.GPULayers))
	}
	m, err := llama.New(model.Path, mo...)
	if err != nil {
		return nil, err
	}
	b.cfg.Publisher.Publish(Event{Name: "inproc_load", ModelID: model.ID})
	s := &inprocSession{model: m, threads: b.cfg.Threads, sp: NoSpecialTokens()}
	if b.cfg.TokenizerConfig != "" {
		tc, err := LoadTokenizerConfig(b.cfg.TokenizerConfig)
		if err != nil {
			m.Free()
			return nil, err
		}
		s.sp = tc.Merge(s.sp)
	}
	return s, nil
}

// inprocSession owns the loaded model. The binding serializes calls.
type inprocSession struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	sp      SpecialTokens
}

// Encode tokenizes with the binding, which always inserts BOS. Without
// special tokens requested, a leading BOS matching the configured ID is
// removed.
func (s *inprocSession) Encode(ctx context.Context, text string, addSpecial bool) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	_, toks, err := s.model.TokenizeString(text, llama.SetThreads(max(1, s.threads)))
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = int(t)
	}
	if !addSpecial && len(ids) > 0 && s.sp.BOSID >= 0 && ids[0] == s.sp.BOSID {
		ids = ids[1:]
	}
	return ids, nil
}

func (s *inprocSession) Decode(ctx context.Context, ids []int) (string, error) {
	return "", unsupportedError{op: "detokenize"}
}

func (s *inprocSession) SpecialTokens(ctx context.Context) (SpecialTokens, error) {
	return s.sp, nil
}

func (s *inprocSession) Complete(ctx context.Context, prompt string, p types.SamplingParams) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return Completion{}, errors.New("llama model not initialized")
	}
	s.model.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	text, err := s.model.Predict(prompt, predictOptions(p, s.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, err
	}
	// The binding does not strip a matched stop word.
	for _, st := range p.Stop {
		if i := strings.Index(text, st); st != "" && i >= 0 {
			text = text[:i]
		}
	}
	return Completion{Text: text, FinishReason: "stop"}, nil
}

func (s *inprocSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func predictOptions(p types.SamplingParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxNewTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTemperature(float32(p.Temperature)),
		llama.SetTopP(zf(float32(p.TopP), llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(int(p.Seed)))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
