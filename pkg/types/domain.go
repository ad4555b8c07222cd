package types

import (
	"fmt"
	"strings"
)

// Quantization is the weight precision a model is loaded with.
type Quantization string

const (
	QuantNone  Quantization = "none"
	Quant8Bit  Quantization = "8bit"
	Quant4Bit  Quantization = "4bit"
	QuantUnset Quantization = ""
)

// ParseQuantization accepts the CLI spellings of a quantization mode.
func ParseQuantization(s string) (Quantization, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return QuantUnset, nil
	case "none", "full", "fp16", "bf16", "f16", "f32":
		return QuantNone, nil
	case "8bit", "8-bit", "int8", "q8", "q8_0":
		return Quant8Bit, nil
	case "4bit", "4-bit", "nf4", "q4", "int4":
		return Quant4Bit, nil
	default:
		return QuantUnset, fmt.Errorf("unknown quantization %q (want none|8bit|4bit)", s)
	}
}

// QuantizationFromVariant maps a GGUF file variant (e.g. Q4_K_M) to a mode.
// Unknown variants map to QuantUnset.
func QuantizationFromVariant(variant string) Quantization {
	v := strings.ToUpper(variant)
	switch {
	case v == "":
		return QuantUnset
	case strings.HasPrefix(v, "Q4") || strings.HasPrefix(v, "IQ4"):
		return Quant4Bit
	case strings.HasPrefix(v, "Q8"):
		return Quant8Bit
	case v == "F16" || v == "BF16" || v == "F32":
		return QuantNone
	default:
		return QuantUnset
	}
}

// Model represents a discoverable or loadable LLM model.
type Model struct {
	// Stable identifier for the model (file name for local GGUF files).
	// example: qwen2.5-7b-Q4_K_M.gguf
	ID string `json:"id" example:"qwen2.5-7b-Q4_K_M.gguf"`
	// Name without the quantization suffix.
	// example: qwen2.5-7b
	Name string `json:"name" example:"qwen2.5-7b"`
	// Absolute path to the model file on disk. Empty for remote models.
	Path string `json:"path,omitempty"`
	// Raw GGUF variant string.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Quantization mode derived from Quant.
	Quantization Quantization `json:"quantization"`
	// Optional family (e.g., llama, qwen2, mistral).
	Family string `json:"family,omitempty" example:"qwen2"`
	// Size of the model file in bytes; 0 when unknown.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// SamplingParams controls one generation call.
type SamplingParams struct {
	Temperature  float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP         float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK         int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	MaxNewTokens int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens"`
	Seed         int64   `json:"seed" yaml:"seed" toml:"seed"`
	// Deterministic forces greedy decoding with a fixed seed.
	Deterministic bool     `json:"deterministic" yaml:"deterministic" toml:"deterministic"`
	Stop          []string `json:"stop,omitempty" yaml:"stop" toml:"stop"`
	// Delimiter marks the end of a response; generated text is cut there.
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter" toml:"delimiter"`
	// Logprobs asks the backend for per-token log-probabilities.
	Logprobs bool `json:"logprobs,omitempty" yaml:"logprobs" toml:"logprobs"`
}

// DeterministicSeed is used when deterministic decoding has no explicit seed.
const DeterministicSeed = 42

// Normalized returns params with deterministic decoding applied and the
// delimiter included in the stop list.
func (p SamplingParams) Normalized() SamplingParams {
	out := p
	out.Stop = append([]string(nil), p.Stop...)
	if out.Deterministic {
		out.Temperature = 0
		out.TopK = 1
		out.TopP = 1
		if out.Seed == 0 {
			out.Seed = DeterministicSeed
		}
	}
	if out.MaxNewTokens <= 0 {
		out.MaxNewTokens = 256
	}
	if out.Delimiter != "" {
		found := false
		for _, s := range out.Stop {
			if s == out.Delimiter {
				found = true
				break
			}
		}
		if !found {
			out.Stop = append(out.Stop, out.Delimiter)
		}
	}
	return out
}
