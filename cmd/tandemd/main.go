package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/tandem/internal/config"
	"github.com/dyluth/tandem/internal/server"
)

// EnvConfigPath points at tandem.yml. Without it defaults apply, still
// subject to the TANDEM_INSTANCE_NAME, REDIS_URL and TANDEM_JWT_SECRET
// overrides.
const EnvConfigPath = "TANDEM_CONFIG"

func main() {
	// 1. Load configuration
	cfg, err := config.Load(os.Getenv(EnvConfigPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Connect and build components
	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Tandem starting for instance '%s' (gateway %s, health %s)\n",
		cfg.InstanceName, cfg.Gateway.Listen, cfg.Health.Listen)

	// 3. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 4. Serve in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(runCtx)
	}()

	// 5. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, draining...\n", sig)
		cancel()
		if err := <-errCh; err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
			os.Exit(1)
		}
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Tandem error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("Tandem stopped")
}
