package loader

import (
	"errors"
	"fmt"

	"basecai/pkg/types"
)

// ContaminationError means the tokenizer injects template tokens. Fatal:
// nothing produced with the handle would be a base-model measurement.
type ContaminationError struct {
	Probe string
	// With and Without are the token counts with special tokens on and off.
	With    int
	Without int
	// ChatTokenIDs lists chat-template token IDs found in the encoding.
	ChatTokenIDs []int
	Reason       string
}

func (e *ContaminationError) Delta() int { return e.With - e.Without }

func (e *ContaminationError) Error() string {
	if e.Reason != "" {
		return "contamination: " + e.Reason
	}
	msg := fmt.Sprintf("contamination: probe %q", e.Probe)
	if e.Delta() != 0 {
		msg += fmt.Sprintf(" has %d tokens with special tokens and %d without (delta %+d)", e.With, e.Without, e.Delta())
	}
	if len(e.ChatTokenIDs) > 0 {
		if e.Delta() != 0 {
			msg += ";"
		}
		msg += fmt.Sprintf(" encodes chat-template token ids %v", e.ChatTokenIDs)
	}
	return msg
}

// IsContamination reports whether err is a ContaminationError.
func IsContamination(err error) bool {
	var e *ContaminationError
	return errors.As(err, &e)
}

// ModelLoadError means the model or tokenizer could not be fetched or opened.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string { return fmt.Sprintf("load model %s: %v", e.Model, e.Err) }
func (e *ModelLoadError) Unwrap() error { return e.Err }

func IsModelLoad(err error) bool {
	var e *ModelLoadError
	return errors.As(err, &e)
}

// QuantizationError means the requested precision cannot be served by the
// available files, backend or host.
type QuantizationError struct {
	Model  string
	Want   types.Quantization
	Reason string
	Err    error
}

func (e *QuantizationError) Error() string {
	msg := fmt.Sprintf("quantization %s for %s: %s", e.Want, e.Model, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QuantizationError) Unwrap() error { return e.Err }

func IsQuantization(err error) bool {
	var e *QuantizationError
	return errors.As(err, &e)
}

// GenerationError is a per-call backend failure. Callers log it and retry
// or skip the example.
type GenerationError struct {
	Prompt string
	Err    error
}

func (e *GenerationError) Error() string { return "generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

func IsGeneration(err error) bool {
	var e *GenerationError
	return errors.As(err, &e)
}

// IsFatal reports whether err must abort a whole run.
func IsFatal(err error) bool {
	return IsContamination(err) || IsModelLoad(err) || IsQuantization(err)
}
