package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/ConvoPipe/internal/actions"
	"github.com/BTreeMap/ConvoPipe/internal/api"
	"github.com/BTreeMap/ConvoPipe/internal/catalog"
	"github.com/BTreeMap/ConvoPipe/internal/config"
	"github.com/BTreeMap/ConvoPipe/internal/conversation"
	"github.com/BTreeMap/ConvoPipe/internal/decision"
	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/lock"
	"github.com/BTreeMap/ConvoPipe/internal/lockfile"
	"github.com/BTreeMap/ConvoPipe/internal/messaging"
	"github.com/BTreeMap/ConvoPipe/internal/recovery"
	"github.com/BTreeMap/ConvoPipe/internal/scheduler"
	"github.com/BTreeMap/ConvoPipe/internal/store"
	"github.com/BTreeMap/ConvoPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ConvoPipe/internal/util"
	"github.com/BTreeMap/ConvoPipe/internal/whatsapp"
	"github.com/BTreeMap/ConvoPipe/internal/workflow"
)

// catalogCacheTTL bounds how stale offerings shown to the model may be.
const catalogCacheTTL = time.Minute

// lockTTLMargin covers delivery and bookkeeping after the turn deadline.
const lockTTLMargin = 15 * time.Second

// run wires every component and serves until ctx is done. With an import
// flag set it imports the file and returns instead.
func run(ctx context.Context, cfg *config.Config, flags Flags) error {
	if cfg.UsesSQLite() {
		lk, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := lk.Release(); err != nil {
				slog.Warn("Failed to release lock file", "error", err)
			}
		}()
	}

	st, err := store.Open(cfg.Database.DSN,
		store.WithPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("Redis connected", "addr", cfg.Redis.Addr)
	}

	catalogSvc := catalog.NewService(st, catalog.WithCache(newCatalogCache(rdb, cfg.Redis.Prefix)))

	if done, err := runImports(ctx, st, catalogSvc, flags); done || err != nil {
		return err
	}

	router := newModelRouter(cfg.LLM)
	defer router.Close()
	var completer decision.Completer
	if modelAPIKey(cfg.LLM) != "" {
		completer = router
	} else {
		slog.Warn("No model API key configured; AI turns will escalate to staff", "provider", cfg.LLM.DefaultProvider)
	}
	engine := decision.NewEngine(completer, catalogSvc,
		decision.WithHistoryWindow(cfg.LLM.HistoryWindow),
		decision.WithTimeout(cfg.LLM.Timeout),
		decision.WithBusinessName(cfg.Business.Name))

	services, cleanup, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	gateway := messaging.NewGateway(services, messaging.WithInlineChannels(api.DefaultAPIChannel))

	notifier := actions.NewNotifier(st, actions.WithStaffContacts(gateway, staffContacts(cfg.Business.StaffContacts)...))
	dispatcher := actions.NewDispatcher(actions.WithTimeout(cfg.Jobs.HandlerTimeout))
	actions.RegisterDefaults(dispatcher, actions.Deps{
		Catalog:   catalogSvc,
		Bookings:  st,
		Customers: st,
		Payments: actions.NewPaymentLinker(actions.PaymentConfig{
			APIKey:       cfg.Payment.APIKey,
			BaseURL:      cfg.Payment.BaseURL,
			LinkTemplate: cfg.Payment.LinkTemplate,
		}),
		Notifier: notifier,
	})
	queue := actions.NewQueue(st, dispatcher, notifier)
	jobs := store.NewJobRunner(st, cfg.Jobs.PollInterval,
		store.WithHandlerTimeout(cfg.Jobs.HandlerTimeout),
		store.WithDeadLetter(queue.DeadLetter))
	queue.Register(jobs)
	outbox := store.NewOutboxSender(st, gateway.SendOutbox, cfg.Jobs.OutboxInterval,
		store.WithClaimLimit(cfg.Jobs.OutboxBatch))

	var actionRunner workflow.Dispatcher = dispatcher
	if cfg.Jobs.AsyncActions {
		actionRunner = queue
	}
	orch := conversation.NewOrchestrator(st, engine,
		conversation.WithActions(actionRunner),
		conversation.WithSender(gateway),
		conversation.WithOutbox(st),
		conversation.WithDedup(st),
		conversation.WithLocker(newLocker(rdb, cfg.Redis.Prefix, cfg.Conversation.TurnTimeout)),
		conversation.WithSessionTTL(cfg.Conversation.SessionTTL),
		conversation.WithTurnTimeout(cfg.Conversation.TurnTimeout),
		conversation.WithHistoryLimit(cfg.Conversation.HistoryLimit),
		conversation.WithDeferPolicy(conversation.DeferPolicy(cfg.Conversation.DeferPolicy)),
		conversation.WithCloseSessionOnComplete(cfg.Conversation.CloseOnComplete),
		conversation.WithLaneCapacity(cfg.Conversation.LaneCapacity))
	defer orch.Close()

	janitor := conversation.NewJanitor(st, cfg.Conversation.SweepInterval)
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := janitor.Schedule(sched); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	if err := newRecoveryManager(jobs, outbox, janitor).RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}
	var workers sync.WaitGroup
	workers.Add(2)
	go func() { defer workers.Done(); jobs.Run(ctx) }()
	go func() { defer workers.Done(); outbox.Run(ctx) }()
	defer workers.Wait()

	if err := gateway.Start(ctx, orch); err != nil {
		return fmt.Errorf("failed to start messaging: %w", err)
	}
	defer func() {
		if err := gateway.Stop(); err != nil {
			slog.Warn("Failed to stop messaging services", "error", err)
		}
	}()

	server := api.NewServer(orch, st, serverOptions(cfg, gateway, catalogSvc)...)
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newRecoveryManager requeues work claimed before a crash and expires
// sessions that went idle while the process was down.
func newRecoveryManager(jobs *store.JobRunner, outbox *store.OutboxSender, janitor *conversation.Janitor) *recovery.Manager {
	m := recovery.NewManager()
	m.Register("jobs", recovery.RecoverFunc(jobs.RecoverStaleJobs))
	m.Register("outbox", recovery.RecoverFunc(outbox.RecoverStaleMessages))
	m.Register("sessions", recovery.RecoverFunc(func(ctx context.Context) error {
		_, err := janitor.Sweep(ctx)
		return err
	}))
	return m
}

// runImports handles the one-shot import flags. done reports whether an
// import ran.
func runImports(ctx context.Context, st store.WorkflowStore, catalogSvc *catalog.Service, flags Flags) (done bool, err error) {
	if path := *flags.importCatalog; path != "" {
		n, err := catalogSvc.ImportFile(ctx, path)
		if err != nil {
			return true, fmt.Errorf("failed to import catalog: %w", err)
		}
		slog.Info("Catalog imported", "path", path, "offerings", n)
		done = true
	}
	if path := *flags.importWorkflow; path != "" {
		def, err := workflow.ImportFile(ctx, st, path, *flags.activate)
		if err != nil {
			return true, fmt.Errorf("failed to import workflow: %w", err)
		}
		slog.Info("Workflow imported", "path", path, "id", def.ID, "active", *flags.activate)
		done = true
	}
	return done, nil
}

func newCatalogCache(rdb *redis.Client, prefix string) catalog.Cache {
	if rdb != nil {
		return catalog.NewRedisCache(rdb, catalogCacheTTL, prefix)
	}
	return catalog.NewMemoryCache(catalogCacheTTL)
}

// newLocker returns a Redis lock when redis is configured. Its TTL outlives
// the turn deadline so a slow turn never loses the address to another
// instance.
func newLocker(rdb *redis.Client, prefix string, turnTimeout time.Duration) lock.Locker {
	if rdb != nil {
		if turnTimeout <= 0 {
			turnTimeout = conversation.DefaultTurnTimeout
		}
		return lock.NewRedisLocker(rdb, prefix, lock.WithTTL(turnTimeout+lockTTLMargin))
	}
	return lock.NewLocalLocker()
}

// newModelRouter registers both providers; the configured default answers
// decisions.
func newModelRouter(cfg config.LLMConfig) *genai.Router {
	creds := util.Credentials{APIKey: modelAPIKey(cfg)}
	if cfg.DefaultProvider == genai.ProviderOpenAI {
		creds.BaseURL = cfg.OpenAI.BaseURL
	}
	router := genai.NewRouter(cfg.DefaultProvider, creds)
	router.RegisterFactory(genai.ProviderOpenAI, genai.OpenAIFactory(
		genai.WithModel(cfg.OpenAI.Model),
		genai.WithTemperature(cfg.OpenAI.Temperature)))
	router.RegisterFactory(genai.ProviderGemini, genai.GeminiFactory(cfg.Gemini.Model, float32(cfg.Gemini.Temperature)))
	return router
}

func modelAPIKey(cfg config.LLMConfig) string {
	if cfg.DefaultProvider == genai.ProviderGemini {
		return cfg.Gemini.APIKey
	}
	return cfg.OpenAI.APIKey
}

// buildServices creates the enabled chat channels. cleanup disconnects
// clients that hold connections of their own.
func buildServices(cfg *config.Config) ([]messaging.Service, func(), error) {
	var (
		services []messaging.Service
		closers  []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Twilio.AccountSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Twilio.FromNumber))
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.Twilio.ValidateSignature {
			opts = append(opts, messaging.WithSignatureValidation(client, cfg.Server.PublicURL))
		}
		services = append(services, messaging.NewTwilioService(client, opts...))
		slog.Info("Twilio channel enabled", "signature_validation", cfg.Twilio.ValidateSignature)
	}

	if cfg.WhatsApp.Enabled {
		dsn := cfg.WhatsApp.DSN
		if dsn == "" {
			dsn = whatsAppDSN(cfg.StateDir)
		}
		opts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
		if cfg.WhatsApp.QRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QRPath))
		}
		if cfg.WhatsApp.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		closers = append(closers, client.Disconnect)
		services = append(services, messaging.NewWhatsAppService(client))
		slog.Info("WhatsApp channel enabled")
	}

	if cfg.WebChat.Enabled {
		services = append(services, messaging.NewWebChatService(cfg.Server.AllowedOrigins))
		slog.Info("Web chat channel enabled")
	}
	return services, cleanup, nil
}

// serverOptions exposes the channel endpoints the enabled services provide.
func serverOptions(cfg *config.Config, gateway *messaging.Gateway, catalogSvc *catalog.Service) []api.Option {
	opts := []api.Option{
		api.WithAddr(cfg.Server.Addr),
		api.WithCatalog(catalogSvc),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithRequestTimeout(cfg.Server.RequestTimeout),
	}
	if svc, ok := gateway.Service(messaging.TwilioChannel).(*messaging.TwilioService); ok {
		opts = append(opts, api.WithTwilioWebhook(svc.WebhookHandler))
	}
	if svc, ok := gateway.Service(messaging.WebChatChannel).(*messaging.WebChatService); ok {
		opts = append(opts, api.WithWebChat(svc))
	}
	return opts
}

// whatsAppDSN is the default whatsmeow database, kept apart from the
// application database.
func whatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, "whatsmeow.db") + "?_foreign_keys=on"
}

func staffContacts(entries []string) []actions.StaffContact {
	var contacts []actions.StaffContact
	for _, entry := range entries {
		if channel, address, ok := config.ParseStaffContact(entry); ok {
			contacts = append(contacts, actions.StaffContact{Channel: channel, Address: address})
		}
	}
	return contacts
}
