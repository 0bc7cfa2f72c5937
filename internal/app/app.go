// Package app assembles the dispatchwatch services from a config.Config and
// runs their loops side by side.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/audit"
	"github.com/ppiankov/dispatchwatch/internal/config"
	"github.com/ppiankov/dispatchwatch/internal/decision"
	"github.com/ppiankov/dispatchwatch/internal/dedup"
	"github.com/ppiankov/dispatchwatch/internal/dispatch"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/keylock"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/notify"
	"github.com/ppiankov/dispatchwatch/internal/opsapi"
	"github.com/ppiankov/dispatchwatch/internal/orchestrator"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/policydiff"
	"github.com/ppiankov/dispatchwatch/internal/routing"
	"github.com/ppiankov/dispatchwatch/internal/store"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

// App owns every long-lived service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store        store.Store
	Approvals    *approval.Store
	Gate         *policy.Gate
	Telemetry    *telemetry.Provider
	Alerts       *alert.Dispatcher
	Engine       *dispatch.Engine
	Monitor      *escalation.Monitor
	Orchestrator *orchestrator.Orchestrator

	mu         sync.Mutex
	policyHash string
	policyCfg  *policy.Config

	closers []func() error
}

// New builds the services. On error every resource opened so far is
// released.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = st

	if cfg.ApprovalsDir == "" {
		a.Approvals = approval.NewMemoryStore()
	} else {
		a.Approvals, err = approval.NewStore(cfg.ApprovalsDir)
		if err != nil {
			return fmt.Errorf("failed to create approval store: %w", err)
		}
	}

	sink, err := a.openAudit()
	if err != nil {
		return err
	}

	a.Telemetry, err = telemetry.NewProvider()
	if err != nil {
		return fmt.Errorf("failed to create telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.Telemetry.Shutdown(context.Background()) })
	metrics := a.Telemetry.Metrics

	policyCfg, hash, err := policy.LoadConfig(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	a.policyHash = hash
	a.policyCfg = policyCfg
	a.Gate, err = policy.NewGate(policyCfg, a.Approvals,
		policy.WithAudit(sink),
		policy.WithMetrics(metrics),
		policy.WithLogger(a.logger.With("component", "gate")),
	)
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}

	a.Alerts = alert.NewDispatcher(cfg.Alerts, a.logger.With("component", "alert"))
	a.closers = append(a.closers, func() error { a.Alerts.Wait(); return nil })

	notifier := a.newNotifier()
	router := a.newRouter(st)
	locks := keylock.New()

	cache, err := a.newDedup(ctx)
	if err != nil {
		return err
	}

	eligibility := model.Eligibility{RadiusKm: cfg.Dispatch.RadiusKm, MaxOrders: cfg.Dispatch.MaxOrders}
	dcfg := dispatch.DefaultConfig()
	dcfg.OfferTTL = cfg.Dispatch.OfferTTL.Std()
	dcfg.PollInterval = cfg.Dispatch.PollInterval.Std()
	dcfg.Interval = cfg.Dispatch.Interval.Std()
	dcfg.MaxOffers = cfg.Dispatch.MaxOffers
	dcfg.BatchSize = cfg.Dispatch.BatchSize
	dcfg.CriticalMinutes = cfg.Escalation.CriticalMinutes
	dcfg.Eligibility = eligibility
	a.Engine = dispatch.NewEngine(st, a.Gate,
		dispatch.WithConfig(dcfg),
		dispatch.WithNotifier(notifier),
		dispatch.WithRouter(router),
		dispatch.WithAlerts(a.Alerts),
		dispatch.WithDedup(cache),
		dispatch.WithLocks(locks),
		dispatch.WithAudit(sink),
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(a.logger.With("component", "dispatch")),
	)

	ecfg := escalation.DefaultConfig()
	ecfg.Interval = cfg.Escalation.Interval.Std()
	ecfg.Thresholds = escalation.Thresholds{
		CriticalMinutes: cfg.Escalation.CriticalMinutes,
		HighMinutes:     cfg.Escalation.HighMinutes,
		MediumMinutes:   cfg.Escalation.MediumMinutes,
	}
	ecfg.StallWindow = cfg.Escalation.StallWindow.Std()
	ecfg.UnresponsiveWindow = cfg.Escalation.UnresponsiveWindow.Std()
	ecfg.MinSavingMinutes = cfg.Escalation.MinSavingMinutes
	ecfg.Eligibility = eligibility
	deciders := a.newDeciders()
	a.Monitor = escalation.New(st, a.Gate, a.Engine,
		escalation.WithConfig(ecfg),
		escalation.WithDedup(cache),
		escalation.WithEmergencyDecider(deciders),
		escalation.WithRecoveryDecider(deciders),
		escalation.WithRouter(router),
		escalation.WithNotifier(notifier),
		escalation.WithAlerts(a.Alerts),
		escalation.WithTickets(a.Approvals),
		escalation.WithLocks(locks),
		escalation.WithAudit(sink),
		escalation.WithMetrics(metrics),
		escalation.WithLogger(a.logger.With("component", "escalation")),
	)

	ocfg := orchestrator.DefaultConfig()
	ocfg.Interval = cfg.Orchestrator.Interval.Std()
	ocfg.ConfidenceThreshold = cfg.Orchestrator.ConfidenceThreshold
	ocfg.Limits.MaxActions = cfg.Orchestrator.MaxActions
	ocfg.LearningWindow = cfg.Orchestrator.LearningWindow
	fleet := orchestrator.Fleet{
		Store:    st,
		Router:   router,
		Notifier: notifier,
		Alerts:   a.Alerts,
		Locks:    locks,
		Logger:   a.logger.With("component", "orchestrator"),
	}
	a.Orchestrator = orchestrator.New(
		orchestrator.StoreSources{Store: st, RiskMinutes: cfg.Escalation.CriticalMinutes},
		a.Gate,
		orchestrator.WithConfig(ocfg),
		orchestrator.WithHandlers(fleet.Handlers()),
		orchestrator.WithAlerts(a.Alerts),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(a.logger.With("component", "orchestrator")),
	)
	return nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	default:
		return store.NewMemory(nil), nil
	}
}

func (a *App) openAudit() (audit.Sink, error) {
	var sinks audit.Tee
	if p := a.cfg.Audit.Path; p != "" {
		l, err := audit.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sinks = append(sinks, l)
	}
	if p := a.cfg.Audit.SQLitePath; p != "" {
		s, err := audit.OpenSQLite(p)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return audit.Discard{}, nil
	}
	a.closers = append(a.closers, sinks.Close)
	return sinks, nil
}

func (a *App) newDedup(ctx context.Context) (dedup.Cache, error) {
	d := a.cfg.Dedup
	if d.Backend != "redis" {
		return dedup.NewMemory(d.Cooldown.Std(), d.Retention.Std()), nil
	}
	client := redis.NewClient(&redis.Options{Addr: d.RedisAddr})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", d.RedisAddr, err)
	}
	return dedup.NewRedis(client, d.Prefix, d.Cooldown.Std(), d.Retention.Std()), nil
}

func (a *App) newNotifier() notify.Notifier {
	n := a.cfg.Notify
	if n.WebhookURL == "" {
		return notify.Log{Logger: a.logger.With("component", "notify")}
	}
	return notify.NewWebhook(n.WebhookURL, n.PerSecond, n.Burst, n.Headers)
}

func (a *App) newRouter(loc routing.Locator) routing.Router {
	r := a.cfg.Routing
	if r.URL == "" {
		return routing.NewHaversine(loc, r.SpeedKmh)
	}
	return routing.NewClient(r.URL, loc, routing.WithLogger(a.logger.With("component", "routing")))
}

type decider interface {
	decision.EmergencyDecider
	decision.RecoveryDecider
}

func (a *App) newDeciders() decider {
	rules := decision.DefaultRules
	rules.MinSavingMinutes = a.cfg.Escalation.MinSavingMinutes
	rules.UnresponsiveMinutes = a.cfg.Escalation.UnresponsiveWindow.Std().Minutes()

	d := a.cfg.Decision
	if d.APIURL == "" {
		return rules
	}
	llm := decision.NewLLM(decision.LLMConfig{
		APIURL:  d.APIURL,
		APIKey:  os.Getenv(d.APIKeyEnv),
		Model:   d.Model,
		Timeout: d.Timeout.Std(),
	})
	return decision.Fallback{Primary: llm, Secondary: rules}
}

// PolicyHash is the SHA-256 of the policy file last loaded.
func (a *App) PolicyHash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policyHash
}

// ReloadPolicy rereads the policy file into the live gate. A bad file
// leaves the previous policy in force.
func (a *App) ReloadPolicy() error {
	cfg, hash, err := policy.LoadConfig(a.cfg.PolicyPath)
	if err != nil {
		return err
	}
	if err := a.Gate.Reload(cfg); err != nil {
		return err
	}
	a.mu.Lock()
	prev := a.policyCfg
	a.policyHash = hash
	a.policyCfg = cfg
	a.mu.Unlock()

	diff := policydiff.Diff(prev, cfg)
	a.logger.Info("policy reloaded", "path", a.cfg.PolicyPath, "hash", hash, "changes", diff.Summary())
	for _, tc := range diff.TierChanges {
		a.logger.Info("policy tier change", "action", tc.Action, "type", tc.Type, "from", tc.Old, "to", tc.New, "direction", tc.Comment)
	}
	return nil
}

// Handler is the ops API over the app's services.
func (a *App) Handler() http.Handler {
	return opsapi.NewRouter(opsapi.Deps{
		Store:        a.Store,
		Approvals:    a.Approvals,
		Gate:         a.Gate,
		Offers:       a.Engine,
		Escalations:  a.Monitor,
		Orchestrator: a.Orchestrator,
		Alerts:       a.Alerts,
		Metrics:      a.Telemetry,
		Logger:       a.logger.With("component", "opsapi"),
	})
}

// Run starts the dispatch, escalation and orchestration loops, the policy
// watcher and the ops API. The first loop to fail stops the rest; a
// cancelled ctx returns nil once every loop has exited.
func (a *App) Run(ctx context.Context) error {
	loops := map[string]func(context.Context) error{
		"dispatch":     a.Engine.Run,
		"escalation":   a.Monitor.Run,
		"orchestrator": a.Orchestrator.Run,
	}
	if w, err := config.NewWatcher([]string{a.cfg.PolicyPath}, a.ReloadPolicy, a.logger.With("component", "reload")); err != nil {
		a.logger.Warn("hot-reload disabled", "error", err)
	} else {
		loops["reload"] = w.Run
	}
	if addr := a.cfg.API.Listen; addr != "" {
		h := a.Handler()
		loops["api"] = func(ctx context.Context) error {
			return opsapi.Serve(ctx, addr, h, a.logger)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, run := range loops {
		g.Go(func() error {
			err := run(gctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			a.logger.Error("service stopped", "service", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		})
	}
	a.logger.Info("dispatchwatch running", "services", len(loops), "policy_hash", a.PolicyHash())
	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
