// Command paygate runs the PayGate MCP payment gateway: it loads
// configuration, assembles the App, and serves until a shutdown signal
// drains in-flight tool calls and releases every resource in LIFO order.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/pkg/paygate"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, env vars and defaults apply regardless)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: load config: %v\n", err)
		os.Exit(1)
	}

	app, err := paygate.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: build app: %v\n", err)
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "paygate: start backends: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := app.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case sig := <-sigCh:
		shutdown(app, cfg, sig.String())
	case err := <-serveErrCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "paygate: server error: %v\n", err)
			_ = app.Shutdown(context.Background())
			os.Exit(1)
		}
	}
}

// shutdown drains /mcp (stop accepting new requests) for the configured
// deadline, then releases every registered resource in LIFO order.
func shutdown(app *paygate.App, cfg *config.Config, signal string) {
	deadline := cfg.Server.DrainTimeout.Duration
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "paygate: shutdown (signal %s): %v\n", signal, err)
		os.Exit(1)
	}
}
