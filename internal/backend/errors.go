package backend

import "errors"

// dependencyUnavailableError signals a missing runtime dependency (e.g. the
// binary was built without the llama tag, or llama-server is not installed).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// unsupportedError is returned for operations a runtime cannot perform.
type unsupportedError struct{ op string }

func (e unsupportedError) Error() string { return "backend does not support " + e.op }

// IsUnsupported reports whether err indicates an unsupported operation.
func IsUnsupported(err error) bool {
	var u unsupportedError
	return errors.As(err, &u)
}
