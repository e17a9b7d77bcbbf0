package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/config"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/flow"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/quiz"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/sched"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/server"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/whatsapp"
)

// App wires the store, content catalog, scheduler, state machine and HTTP
// server together.
type App struct {
	cfg config.Config
	log *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *App {
	return &App{cfg: cfg, log: log}
}

// Run starts everything and blocks until a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info("starting banquea-bot",
		zap.String("http", a.cfg.HTTPAddr),
		zap.String("tz", a.cfg.Timezone),
	)

	clock, err := domain.NewTZClock(a.cfg.Timezone)
	if err != nil {
		return err
	}

	repo, err := store.OpenSQLite(ctx, a.cfg.DBPath)
	if err != nil {
		a.log.Error("open sqlite failed", zap.Error(err))
		return err
	}
	defer func() { _ = repo.Close() }()
	a.log.Info("sqlite ready", zap.String("path", a.cfg.DBPath))

	catalog := quiz.NewCatalog(a.cfg.ContentDir, a.log)
	if err := catalog.Reload(); err != nil {
		// Startup continues with an empty pool; the refresh loop and the
		// reload endpoint can recover once the corpus files appear.
		a.log.Error("initial corpus load failed", zap.Error(err))
	}
	go catalog.Run(ctx, time.Duration(a.cfg.RefreshHours)*time.Hour)

	client := whatsapp.NewClient(whatsapp.Options{
		APIURL:        a.cfg.GraphAPIURL,
		PhoneNumberID: a.cfg.PhoneNumberID,
		AccessToken:   a.cfg.AccessToken,
		VerifyToken:   a.cfg.VerifyToken,
		TemplateLang:  a.cfg.TemplateLang,
	}, a.log)

	grace := time.Duration(a.cfg.MisfireGraceSec) * time.Second
	scheduler := sched.New(repo, clock, grace, a.log)

	delivery := quiz.NewDelivery(repo, catalog, client, clock, a.log)
	grader := quiz.NewGrader(repo, clock, a.log)
	engine := flow.New(repo, client, delivery, grader, scheduler, clock, a.log)

	scheduler.SetHandler(engine)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	srv := server.New(a.cfg.HTTPAddr, client, engine, repo, catalog, scheduler, a.log)
	if err := srv.Run(ctx); err != nil {
		a.log.Error("http server error", zap.Error(err))
		return err
	}

	a.log.Info("shutdown complete")
	return nil
}
