package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"basecai/pkg/types"
)

// Config holds every tunable of a run. It is built once at startup
// (defaults, then file, then flags) and passed down explicitly.
type Config struct {
	ModelsDir  string           `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	OutDir     string           `json:"out_dir" yaml:"out_dir" toml:"out_dir" validate:"required"`
	Backend    BackendConfig    `json:"backend" yaml:"backend" toml:"backend"`
	Loader     LoaderConfig     `json:"loader" yaml:"loader" toml:"loader"`
	Generation GenerationConfig `json:"generation" yaml:"generation" toml:"generation"`
	Critic     CriticConfig     `json:"critic" yaml:"critic" toml:"critic"`
	Train      TrainConfig      `json:"train" yaml:"train" toml:"train"`
	Eval       EvalConfig       `json:"eval" yaml:"eval" toml:"eval"`
	Log        LogConfig        `json:"log" yaml:"log" toml:"log"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type BackendConfig struct {
	Kind            string       `json:"kind" yaml:"kind" toml:"kind" validate:"oneof=server spawn inproc openai"`
	URL             string       `json:"url" yaml:"url" toml:"url" validate:"omitempty,url"`
	LlamaBin        string       `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost       string       `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPortStart  int          `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start" validate:"gte=0,lte=65535"`
	LlamaPortEnd    int          `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end" validate:"gte=0,lte=65535"`
	LlamaExtraArgs  []string     `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`
	CtxSize         int          `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size" validate:"gte=0"`
	Threads         int          `json:"threads" yaml:"threads" toml:"threads" validate:"gte=0"`
	GPULayers       int          `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers" validate:"gte=0"`
	ReadyTimeoutSec int          `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec" validate:"gte=0"`
	RequestTimeout  int          `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec" validate:"gte=0"`
	TokenizerConfig string       `json:"tokenizer_config" yaml:"tokenizer_config" toml:"tokenizer_config"`
	OpenAI          OpenAIConfig `json:"openai" yaml:"openai" toml:"openai"`
}

type OpenAIConfig struct {
	BaseURL            string  `json:"base_url" yaml:"base_url" toml:"base_url" validate:"omitempty,url"`
	APIKey             string  `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model              string  `json:"model" yaml:"model" toml:"model"`
	RPS                float64 `json:"rps" yaml:"rps" toml:"rps" validate:"gte=0"`
	ServedQuantization string  `json:"served_quantization" yaml:"served_quantization" toml:"served_quantization" validate:"omitempty,oneof=none 8bit 4bit"`
}

type LoaderConfig struct {
	Strict         bool   `json:"strict" yaml:"strict" toml:"strict"`
	TolerateBOS    bool   `json:"tolerate_bos" yaml:"tolerate_bos" toml:"tolerate_bos"`
	MemoryBudgetMB int    `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb" validate:"gte=0"`
	SourceDir      string `json:"source_dir" yaml:"source_dir" toml:"source_dir"`
}

type GenerationConfig struct {
	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature" validate:"gte=0,lte=2"`
	TopP          float64 `json:"top_p" yaml:"top_p" toml:"top_p" validate:"gte=0,lte=1"`
	TopK          int     `json:"top_k" yaml:"top_k" toml:"top_k" validate:"gte=0"`
	MaxNewTokens  int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens" validate:"gt=0"`
	Seed          int64   `json:"seed" yaml:"seed" toml:"seed"`
	Deterministic bool    `json:"deterministic" yaml:"deterministic" toml:"deterministic"`
	Delimiter     string  `json:"delimiter" yaml:"delimiter" toml:"delimiter" validate:"required"`
	FewShotFile   string  `json:"few_shot_file" yaml:"few_shot_file" toml:"few_shot_file"`
	Retries       int     `json:"retries" yaml:"retries" toml:"retries" validate:"gte=0,lte=5"`
	Samples       int     `json:"samples" yaml:"samples" toml:"samples" validate:"gt=0"`
}

// Params converts the generation section to sampling parameters.
func (g GenerationConfig) Params() types.SamplingParams {
	return types.SamplingParams{
		Temperature:   g.Temperature,
		TopP:          g.TopP,
		TopK:          g.TopK,
		MaxNewTokens:  g.MaxNewTokens,
		Seed:          g.Seed,
		Deterministic: g.Deterministic,
		Delimiter:     g.Delimiter,
	}
}

type CriticConfig struct {
	Scorer      string  `json:"scorer" yaml:"scorer" toml:"scorer" validate:"oneof=heuristic logprob combined"`
	Candidates  int     `json:"candidates" yaml:"candidates" toml:"candidates" validate:"gte=2,lte=16"`
	MinMargin   float64 `json:"min_margin" yaml:"min_margin" toml:"min_margin" validate:"gte=0"`
	Temperature float64 `json:"temperature" yaml:"temperature" toml:"temperature" validate:"gt=0,lte=2"`
}

type LoRAConfig struct {
	R             int      `json:"r" yaml:"r" toml:"r" validate:"gt=0"`
	Alpha         int      `json:"alpha" yaml:"alpha" toml:"alpha" validate:"gt=0"`
	Dropout       float64  `json:"dropout" yaml:"dropout" toml:"dropout" validate:"gte=0,lt=1"`
	TargetModules []string `json:"target_modules" yaml:"target_modules" toml:"target_modules"`
}

type TrainConfig struct {
	// Command is the external trainer invoked with the job config path
	// appended, e.g. ["python", "train.py", "--config"].
	Command      []string   `json:"command" yaml:"command" toml:"command"`
	WorkDir      string     `json:"work_dir" yaml:"work_dir" toml:"work_dir"`
	BaseModel    string     `json:"base_model" yaml:"base_model" toml:"base_model"`
	LoRA         LoRAConfig `json:"lora" yaml:"lora" toml:"lora"`
	Epochs       int        `json:"epochs" yaml:"epochs" toml:"epochs" validate:"gt=0"`
	LearningRate float64    `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate" validate:"gt=0"`
	BatchSize    int        `json:"batch_size" yaml:"batch_size" toml:"batch_size" validate:"gt=0"`
	GradAccum    int        `json:"grad_accum" yaml:"grad_accum" toml:"grad_accum" validate:"gt=0"`
	MaxSeqLen    int        `json:"max_seq_len" yaml:"max_seq_len" toml:"max_seq_len" validate:"gt=0"`
	Beta         float64    `json:"beta" yaml:"beta" toml:"beta" validate:"gt=0"`
}

type EvalConfig struct {
	Confidence   float64 `json:"confidence" yaml:"confidence" toml:"confidence" validate:"gt=0,lt=1"`
	Alpha        float64 `json:"alpha" yaml:"alpha" toml:"alpha" validate:"gt=0,lt=1"`
	Correction   string  `json:"correction" yaml:"correction" toml:"correction" validate:"oneof=bh none"`
	MaxNewTokens int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens" validate:"gt=0"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format     string `json:"format" yaml:"format" toml:"format" validate:"oneof=console json"`
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days" validate:"gte=0"`
}

type MetricsConfig struct {
	Textfile string `json:"textfile" yaml:"textfile" toml:"textfile"`
	PushURL  string `json:"push_url" yaml:"push_url" toml:"push_url" validate:"omitempty,url"`
	Job      string `json:"job" yaml:"job" toml:"job"`
}

// Default returns a complete, valid configuration.
func Default() Config {
	return Config{
		ModelsDir: "~/models/llm",
		OutDir:    "out",
		Backend: BackendConfig{
			Kind:            "spawn",
			LlamaHost:       "127.0.0.1",
			CtxSize:         4096,
			ReadyTimeoutSec: 60,
			RequestTimeout:  300,
		},
		Generation: GenerationConfig{
			Temperature:  0.7,
			TopP:         0.9,
			TopK:         40,
			MaxNewTokens: 256,
			Seed:         42,
			Delimiter:    "###END###",
			Retries:      1,
			Samples:      100,
		},
		Critic: CriticConfig{Scorer: "heuristic", Candidates: 4, MinMargin: 0.1, Temperature: 0.9},
		Train: TrainConfig{
			LoRA:         LoRAConfig{R: 16, Alpha: 32, Dropout: 0.05, TargetModules: []string{"q_proj", "k_proj", "v_proj", "o_proj"}},
			Epochs:       3,
			LearningRate: 2e-4,
			BatchSize:    4,
			GradAccum:    4,
			MaxSeqLen:    1024,
			Beta:         0.1,
		},
		Eval:    EvalConfig{Confidence: 0.95, Alpha: 0.05, Correction: "bh", MaxNewTokens: 256},
		Log:     LogConfig{Level: "info", Format: "console", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28},
		Metrics: MetricsConfig{Job: "basecai"},
	}
}

// Load reads a configuration file over Default based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backend.Kind == "server" && c.Backend.URL == "" {
		return fmt.Errorf("invalid config: backend.url is required for kind server")
	}
	if c.Backend.Kind == "openai" && c.Backend.OpenAI.BaseURL == "" {
		return fmt.Errorf("invalid config: backend.openai.base_url is required for kind openai")
	}
	if c.Backend.LlamaPortEnd < c.Backend.LlamaPortStart {
		return fmt.Errorf("invalid config: llama_port_end < llama_port_start")
	}
	return nil
}
