package registry

import (
	"errors"
	"fmt"

	"basecai/pkg/types"
)

type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.name }

// ErrModelNotFound returns an error for a name absent from the registry.
func ErrModelNotFound(name string) error { return modelNotFoundError{name: name} }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// quantNotAvailableError: the model exists but not in the requested precision.
type quantNotAvailableError struct {
	name string
	want types.Quantization
	have []types.Quantization
}

func (e quantNotAvailableError) Error() string {
	return fmt.Sprintf("model %s has no %s variant (available: %v)", e.name, e.want, e.have)
}

func ErrQuantNotAvailable(name string, want types.Quantization, have []types.Quantization) error {
	return quantNotAvailableError{name: name, want: want, have: have}
}

// IsQuantNotAvailable reports whether err indicates a missing quantization variant.
func IsQuantNotAvailable(err error) bool {
	var e quantNotAvailableError
	return errors.As(err, &e)
}
