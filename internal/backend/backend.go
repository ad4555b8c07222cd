package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"basecai/pkg/types"
)

// Kind selects the model runtime.
type Kind string

const (
	// KindServer talks to an already running llama-server at a URL.
	KindServer Kind = "server"
	// KindSpawn starts one llama-server subprocess per opened model.
	KindSpawn Kind = "spawn"
	// KindInproc uses the go-llama.cpp binding (requires -tags=llama).
	KindInproc Kind = "inproc"
	// KindOpenAI uses an OpenAI-compatible completions server (vLLM style).
	KindOpenAI Kind = "openai"
)

// Tokenizer exposes the model's own tokenizer.
type Tokenizer interface {
	// Encode tokenizes text. addSpecial toggles BOS/EOS (and any template)
	// insertion by the tokenizer itself.
	Encode(ctx context.Context, text string, addSpecial bool) ([]int, error)
	Decode(ctx context.Context, ids []int) (string, error)
	// SpecialTokens returns the tokenizer's special-token configuration as
	// shipped, including any chat template.
	SpecialTokens(ctx context.Context) (SpecialTokens, error)
}

// Session is one opened model: tokenizer plus raw completion.
// Implementations never apply a chat template in Complete.
type Session interface {
	Tokenizer
	Complete(ctx context.Context, prompt string, p types.SamplingParams) (Completion, error)
	// Close releases the model weights held by the runtime.
	Close() error
}

// TokenCompleter is implemented by sessions that accept a pre-tokenized
// prompt. The loader prefers it so the prompt is never re-tokenized with
// special tokens by the runtime.
type TokenCompleter interface {
	CompleteTokens(ctx context.Context, ids []int, p types.SamplingParams) (Completion, error)
}

// Backend opens sessions for resolved models.
type Backend interface {
	Kind() Kind
	Open(ctx context.Context, model types.Model) (Session, error)
}

// Completion is the result of one raw completion call. Text holds only the
// newly generated span.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TokenLogprobs    []float64
	FinishReason     string
}

// SpecialTokens describes a tokenizer's special-token configuration.
// IDs are -1 when unknown.
type SpecialTokens struct {
	BOS   string
	EOS   string
	PAD   string
	BOSID int
	EOSID int
	PADID int
	// ChatTemplate and DefaultChatTemplate are the template attributes a
	// tokenizer may apply; a clean handle clears both.
	ChatTemplate        string
	DefaultChatTemplate string
	// Added maps special added-token content to its ID, when the tokenizer
	// configuration lists them.
	Added map[string]int
}

// NoSpecialTokens returns a SpecialTokens with all IDs unknown.
func NoSpecialTokens() SpecialTokens {
	return SpecialTokens{BOSID: -1, EOSID: -1, PADID: -1, Added: map[string]int{}}
}

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	// Model overrides the served model name sent in requests.
	Model string
	// RPS limits requests per second; 0 disables limiting.
	RPS float64
	// ServedQuantization is the precision the remote server runs with.
	ServedQuantization types.Quantization
}

// Config holds all tunables for backend construction.
type Config struct {
	Kind Kind
	// URL of a running llama-server (KindServer).
	URL string
	// llama-server subprocess settings (KindSpawn).
	LlamaBin       string
	LlamaHost      string
	LlamaPortStart int
	LlamaPortEnd   int
	LlamaExtraArgs []string
	// Runtime settings shared by spawn and inproc.
	CtxSize   int
	Threads   int
	GPULayers int
	// ReadyTimeout bounds subprocess start; RequestTimeout bounds each call.
	ReadyTimeout   time.Duration
	RequestTimeout time.Duration
	// TokenizerConfig optionally points at a HF tokenizer_config.json whose
	// special tokens and chat template complement what the runtime reports.
	TokenizerConfig string
	OpenAI          OpenAIConfig
	Logger          zerolog.Logger
	Publisher       EventPublisher
}

const (
	defaultReadyTimeout   = 30 * time.Second
	defaultRequestTimeout = 5 * time.Minute
)

// New constructs the backend selected by cfg.Kind.
func New(cfg Config) (Backend, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	switch cfg.Kind {
	case KindServer, "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("backend %q requires a url", KindServer)
		}
		return newServerBackend(cfg), nil
	case KindSpawn:
		if cfg.LlamaBin == "" {
			cfg.LlamaBin = discoverLlamaBin()
		}
		if cfg.LlamaBin == "" {
			return nil, ErrDependencyUnavailable("llama-server not found: set backend.llama_bin or install llama.cpp")
		}
		return newSpawnBackend(cfg), nil
	case KindInproc:
		return newInprocBackend(cfg), nil
	case KindOpenAI:
		if cfg.OpenAI.BaseURL == "" {
			return nil, fmt.Errorf("backend %q requires openai.base_url", KindOpenAI)
		}
		return newOpenAIBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
