package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basecai/internal/llamatest"
)

func main() {
	var model, host, port, ctxSize, ngl, threads string
	var inject, noTemplate bool
	// Accept the subset of llama-server flags the spawn backend passes.
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.StringVar(&ctxSize, "c", "", "context size")
	flag.StringVar(&ngl, "ngl", "", "gpu layers")
	flag.StringVar(&threads, "t", "", "threads")
	// Test-only switches, passed through backend.llama_extra_args.
	flag.BoolVar(&inject, "fake-inject", false, "wrap encodings in chat tokens when add_special is set")
	flag.BoolVar(&noTemplate, "fake-no-template", false, "report no chat template")
	flag.Parse()

	opts := llamatest.Options{ChatTemplate: llamatest.ChatMLTmpl, InjectTemplate: inject}
	if noTemplate {
		opts.ChatTemplate = ""
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	srv := &http.Server{Addr: addr, Handler: llamatest.Handler(opts)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
