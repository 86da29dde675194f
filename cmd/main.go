package main

import (
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/trunov/converthub/internal/app"
	"github.com/trunov/converthub/internal/config"
)

const configFile = "config.json"

// Stamped at build time via -ldflags "-X main.release=...".
var release = "converthub@dev"

func initSentry(cfg *config.SentryConfig) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     release,
	})
}

func main() {
	cfg := config.NewConfig()
	if err := cfg.Read(configFile); err != nil {
		log.Fatalf("read %s: %v", configFile, err)
	}

	if err := initSentry(&cfg.Sentry); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	if err := a.Run(); err != nil {
		log.Fatal(err)
	}
}
