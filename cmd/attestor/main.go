// Command attestor runs the confidential-computing attestation
// verifier described in spec.md: the task API (C10), the verification
// task worker pool (C3-C5, C7, C8) and the upstream sync engine (C9),
// selectable per process via -role so a deployment can split them
// across separate containers sharing one database and Redis instance.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dstack-verify/attestor/internal/app"
	"github.com/dstack-verify/attestor/internal/platform/config"
)

func main() {
	role := flag.String("role", "all", "which services to run: api, worker, sync, or all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rootCtx := context.Background()

	application, err := app.New(rootCtx, cfg)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Printf("close application: %v", err)
		}
	}()

	if err := application.Register(app.Role(*role)); err != nil {
		log.Fatalf("register role %s: %v", *role, err)
	}

	if err := application.Manager.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	application.Log.WithField("role", *role).Info("attestor started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
