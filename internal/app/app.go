package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"tickettriage/internal/analytics"
	"tickettriage/internal/classifier"
	"tickettriage/internal/config"
	"tickettriage/internal/digest"
	"tickettriage/internal/feedback"
	"tickettriage/internal/httpapi"
	"tickettriage/internal/httpx"
	"tickettriage/internal/integrations/llm"
	"tickettriage/internal/logger"
	"tickettriage/internal/notify"
	"tickettriage/internal/storage/sqlite"
	"tickettriage/internal/tagger"
	"tickettriage/internal/templates"
	"tickettriage/internal/ticketstore"
	"tickettriage/internal/triage"
	"tickettriage/internal/wizard"
)

func Main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("tickettriage", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to config.yaml (overrides CONFIG_PATH)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}

	cfg := config.LoadConfig()
	log := logger.New(cfg.Environment, cfg.LogLevel)
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.WithFields(logrus.Fields{
		"environment":  cfg.Environment,
		"llm_provider": cfg.LLMProvider,
		"llm_model":    cfg.LLMModel,
		"desk_base":    cfg.DeskBaseURL,
		"timezone":     cfg.Timezone,
		"http_timeout": appliedHTTPTimeout.String(),
		"slack":        cfg.SlackConfigured(),
	}).Info("Config loaded")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Ticket triage stopped")
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()
	log.WithField("path", cfg.DBPath).Info("Database initialized")
	store := sqlite.New(db)

	lib, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return err
	}
	catalog, err := wizard.LoadCatalog(cfg.WizardPath, lib)
	if err != nil {
		return fmt.Errorf("load wizard catalog: %w", err)
	}
	log.WithFields(logrus.Fields{"templates": len(lib.List()), "wizards": len(catalog.Intents())}).Info("Content loaded")

	mapping, err := ticketstore.NewFieldMapping(cfg.FieldMapping)
	if err != nil {
		return fmt.Errorf("field mapping: %w", err)
	}
	desk := ticketstore.NewDeskClient(ticketstore.DeskConfig{
		BaseURL:      cfg.DeskBaseURL,
		AccountsURL:  cfg.DeskAccountsURL,
		OrgID:        cfg.DeskOrgID,
		ClientID:     cfg.DeskClientID,
		ClientSecret: cfg.DeskClientSecret,
		RefreshToken: cfg.DeskRefreshToken,
	}, mapping, store, log.WithField("component", "desk"))

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackChannelID, nil, log.WithField("component", "slack"))

	tag := tagger.New(desk, store, notifier, tagger.Options{
		MaxRetries: cfg.FieldWriteMaxRetries,
		Log:        log.WithField("component", "tagger"),
	})
	corrections := feedback.New(store, log.WithField("component", "feedback"))

	raw, err := llm.New(llm.Settings{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		HTTPClient:      httpx.ExternalHTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	var glossary *classifier.Glossary
	if cfg.LLMGlossaryPath != "" {
		if glossary, err = classifier.LoadGlossary(cfg.LLMGlossaryPath); err != nil {
			return err
		}
	}
	adapter := classifier.New(raw, classifier.Options{
		Timeout:      time.Duration(cfg.ClassifyTimeoutSeconds) * time.Second,
		Expectations: catalog,
		Hints:        corrections,
		HintLimit:    cfg.LLMCorrectionExamples,
		Glossary:     glossary,
		Log:          log.WithField("component", "classifier"),
	})

	svc := triage.New(triage.Deps{
		Tickets:        desk,
		Classifier:     adapter,
		Tagger:         tag,
		Events:         store,
		Corrections:    corrections,
		Catalog:        catalog,
		Templates:      lib,
		ProcessingTime: cfg.ProcessingTime,
		Log:            log.WithField("component", "triage"),
	})
	dashboard := analytics.New(store, corrections, prices(cfg.LLMPrices))

	digestJob := &digest.Job{
		Sessions: dashboard,
		Pending:  store,
		Notifier: notifier,
		Log:      log.WithField("job", "digest"),
	}
	digestDone, err := digest.Start(ctx, "digest", cfg.DigestSchedule, cfg.Location, digestJob.Run, log)
	if err != nil {
		return err
	}
	reconciler := &digest.Reconciler{
		Store:       store,
		Tagger:      tag,
		Notifier:    notifier,
		MaxAttempts: cfg.ReconcileMaxAttempts,
		Log:         log.WithField("job", "reconcile"),
	}
	reconcileDone, err := digest.Start(ctx, "reconcile", cfg.ReconcileSchedule, cfg.Location, reconciler.Run, log)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(svc, dashboard, store, httpapi.Config{
		Host:          cfg.HTTPHost,
		Port:          cfg.HTTPPort,
		Key:           cfg.APIKey,
		WebhookSecret: cfg.WebhookSecret,
		CORSOrigins:   cfg.CORSOrigins,
	}, log)

	log.Info("Starting ticket triage service...")
	err = server.Start(ctx)
	stop()
	<-digestDone
	<-reconcileDone
	return err
}

func loadTemplates(dir string) (*templates.Library, error) {
	if dir == "" {
		return templates.Default()
	}
	lib, err := templates.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load templates from %s: %w", dir, err)
	}
	return lib, nil
}

func prices(overrides map[string]config.ModelPrice) analytics.PriceTable {
	table := analytics.DefaultPrices()
	for model, p := range overrides {
		table[model] = analytics.Price{InputPerMTok: p.Input, OutputPerMTok: p.Output}
	}
	return table
}
