// Command basecai bootstraps instruction following in a base model from
// self-generated data: verify, generate, critique, train, evaluate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"basecai/internal/backend"
	"basecai/internal/loader"
	"basecai/internal/registry"
	"basecai/pkg/types"
)

// Exit codes.
const (
	exitOK            = 0
	exitError         = 1
	exitContamination = 3
	exitLoad          = 4
	exitQuantization  = 5
)

func main() {
	os.Exit(Main(os.Args[1:], os.Stdout, os.Stderr))
}

// Main runs the CLI and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(stdout, stderr)
	root := buildRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if ferr := a.finish(ctx); err == nil && ferr != nil {
		err = ferr
	}
	if err == nil {
		return exitOK
	}
	code, class := classify(err)
	if a.jsonOut {
		_ = json.NewEncoder(stderr).Encode(types.ErrorResponse{Error: err.Error(), Class: class, Code: code})
	} else {
		fmt.Fprintf(stderr, "basecai: %v\n", err)
	}
	return code
}

// classify maps fatal error classes to exit codes.
func classify(err error) (int, string) {
	switch {
	case loader.IsContamination(err):
		return exitContamination, "contamination"
	case loader.IsQuantization(err), registry.IsQuantNotAvailable(err):
		return exitQuantization, "quantization"
	case loader.IsModelLoad(err), registry.IsModelNotFound(err):
		return exitLoad, "load"
	case backend.IsDependencyUnavailable(err):
		return exitLoad, "dependency"
	default:
		return exitError, "error"
	}
}
