package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/trunov/converthub/cmd/migrate"
	"github.com/trunov/converthub/internal/assetstore"
	"github.com/trunov/converthub/internal/bundle"
	"github.com/trunov/converthub/internal/cache"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/history"
	"github.com/trunov/converthub/internal/jobs"
	"github.com/trunov/converthub/internal/mirror"
	"github.com/trunov/converthub/internal/redisholder"
	"github.com/trunov/converthub/internal/repository/storage"
	"github.com/trunov/converthub/internal/transport/handler"
	"github.com/trunov/converthub/internal/transport/router"
	"github.com/trunov/converthub/internal/usage"
	use_case "github.com/trunov/converthub/internal/use-case"
)

type App struct {
	HttpServer *http.Server
}

func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations)
	if err != nil {
		return nil, err
	}

	repo, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	holder, err := redisholder.Build(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	rc := holder.Get()

	urlCache := cache.NewCache("converthub:urls", rc)
	tracker := usage.NewTracker(rc, cfg.Quota.DailyLimitBytes)

	store := assetstore.New(cfg.AssetStore, urlCache)

	// Mirroring is optional; a nil interface skips it entirely.
	var mir use_case.Mirror
	if cfg.Mirror.Enabled {
		m, err := mirror.NewStorage(&cfg.Mirror)
		if err != nil {
			return nil, err
		}
		mir = m
	}

	producer := history.Init(ctx, rc, cfg.History, repo)

	uc := use_case.New(store, mir, producer, cfg.Staging, cfg.Upload.BatchSize)
	go uc.SweepStaging(ctx)

	assembler := bundle.NewAssembler(store, cfg.Zip)

	jobLogger := log.New(os.Stdout, "", log.LstdFlags)
	jobManager := jobs.NewManager(assembler, cfg.Zip, jobLogger)
	jobManager.StartReaper(ctx)

	h := handler.New(uc, jobManager, assembler, tracker, repo, cfg)
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return &App{
		HttpServer: s,
	}, nil
}

func (a *App) Run() error {
	log.Printf("starting server")
	return a.HttpServer.ListenAndServe()
}
