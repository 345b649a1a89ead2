// Package leadsystem wires the lead intake services from a config.Config.
//
// A System owns one transport shared by every service it runs. The gateway
// evaluates submitted leads through the evaluation operation and stores
// qualified ones through the storage operation; both operations go over the
// broker first and fall back to the evaluator and storage HTTP endpoints.
//
//	cfg, _ := config.LoadFile("leadsys.yaml")
//	sys, err := leadsystem.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer sys.Close()
//	return sys.Run(ctx, leadsystem.RoleGateway, leadsystem.RoleEvaluator, leadsystem.RoleStorage)
package leadsystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/health"
	"github.com/kiarashjv/SaaS-LeadSystem/httpapi"
	"github.com/kiarashjv/SaaS-LeadSystem/interceptors"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/config"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/rabbitmq"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/reliability"
	"github.com/kiarashjv/SaaS-LeadSystem/leads"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
	"github.com/kiarashjv/SaaS-LeadSystem/transports/memory"
	rabbitmqTransport "github.com/kiarashjv/SaaS-LeadSystem/transports/rabbitmq"
)

// Role is one of the services a process can run
type Role string

const (
	RoleGateway   Role = "gateway"
	RoleEvaluator Role = "evaluator"
	RoleStorage   Role = "storage"
)

// Thresholds of the pending request health checks
const (
	maxPendingRequests = 1000
	healthTimeout      = 5 * time.Second
)

// System holds the shared pieces of a lead system process
type System struct {
	cfg       *config.Config
	transport messaging.Transport
	logger    *slog.Logger

	stats  *interceptors.Stats
	chain  *interceptors.Chain
	health *health.Registry

	evaluator leads.Evaluator
	store     leads.Store
	closeFns  []func() error
	sleep     reliability.SleepFunc
}

// Option configures a System
type Option func(*System)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(s *System) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransport uses transport instead of building one from the config
func WithTransport(transport messaging.Transport) Option {
	return func(s *System) {
		s.transport = transport
	}
}

// WithEvaluator replaces the rule based evaluator
func WithEvaluator(evaluator leads.Evaluator) Option {
	return func(s *System) {
		s.evaluator = evaluator
	}
}

// WithStore replaces the in-memory lead store
func WithStore(store leads.Store) Option {
	return func(s *System) {
		s.store = store
	}
}

// WithFallbackSleep replaces the wait between fallback attempts
func WithFallbackSleep(sleep reliability.SleepFunc) Option {
	return func(s *System) {
		s.sleep = sleep
	}
}

// New validates cfg and connects the configured transport
func New(ctx context.Context, cfg *config.Config, options ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &System{
		cfg:    cfg,
		logger: slog.Default(),
		stats:  interceptors.NewStats(),
		health: health.NewRegistry(),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.transport == nil {
		transport, err := newTransport(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.transport = transport
	}
	if s.evaluator == nil {
		s.evaluator = leads.NewRuleEvaluator(
			leads.WithEvaluatorLogger(s.logger),
			leads.WithProcessingDelay(cfg.Evaluation.ProcessingDelay.Std()),
		)
	}
	if s.store == nil {
		store, err := s.openStore()
		if err != nil {
			s.transport.Close()
			return nil, err
		}
		s.store = store
	}

	s.chain = interceptors.NewDefaultChainBuilder(s.logger).
		WithRecovery().
		WithLogging().
		WithMetrics(s.stats).
		WithTimeout(cfg.Broker.HandlerTimeout.Std()).
		Build()

	s.registerHealth()
	return s, nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		logger.Warn("using in-process transport; queues are not shared between processes")
		return memory.New(
			memory.WithMaxDeliveries(cfg.Broker.MaxDeliveries),
			memory.WithLogger(logger),
		), nil
	default:
		transport, err := rabbitmqTransport.NewTransport(ctx, cfg.Broker.URL,
			rabbitmqTransport.WithExchange(cfg.Broker.Exchange),
			rabbitmqTransport.WithMaxDeliveries(cfg.Broker.MaxDeliveries),
			rabbitmqTransport.WithTransportLogger(logger),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay.Std()),
				rabbitmq.WithConnectionName("leadsys"),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return transport, nil
	}
}

func (s *System) openStore() (leads.Store, error) {
	if s.cfg.LeadStore.Path == "" {
		return leads.NewMemoryStore(s.logger), nil
	}

	store, err := leads.OpenSQLiteStore(s.cfg.LeadStore.Path, s.cfg.LeadStore.PoolSize, s.logger)
	if err != nil {
		return nil, err
	}
	s.closeFns = append(s.closeFns, store.Close)
	s.health.Register(health.NewCheckerFunc("lead_store", func(ctx context.Context) health.CheckResult {
		start := time.Now()
		result := health.CheckResult{Name: "lead_store", Timestamp: start}
		n, err := store.Len(ctx)
		result.Duration = time.Since(start)
		if err != nil {
			result.Status = health.StatusUnhealthy
			result.Message = "Lead store unavailable"
			result.Error = err.Error()
			return result
		}
		result.Status = health.StatusHealthy
		result.Message = "Lead store available"
		result.Details = map[string]any{"leads": n, "path": s.cfg.LeadStore.Path}
		return result
	}), string(RoleStorage))
	return store, nil
}

func (s *System) registerHealth() {
	if pinger, ok := s.transport.(messaging.Pinger); ok {
		s.health.Register(health.NewTransportChecker(pinger))
	}
	if inspector, ok := s.transport.(messaging.Inspector); ok {
		var queues []string
		for _, op := range leads.Operations() {
			queues = append(queues, op.Queues()...)
		}
		s.health.Register(health.NewDeadLetterChecker(inspector, queues...))
	}
	s.health.Register(health.NewDeliveryStatsChecker(s.stats))
	s.health.Register(health.NewRuntimeChecker(5000, 20000))
	s.health.SetMetadata("transport", s.cfg.Transport)
}

// Transport returns the shared transport
func (s *System) Transport() messaging.Transport {
	return s.transport
}

// Health returns the health registry. Each HTTP listener serves the checks
// of its own role.
func (s *System) Health() *health.Registry {
	return s.health
}

// Stats returns the delivery totals of every consumer
func (s *System) Stats() *interceptors.Stats {
	return s.stats
}

// Store returns the lead store served by the storage role
func (s *System) Store() leads.Store {
	return s.store
}

// FallbackPolicy builds the HTTP fallback retry policy from the config
func (s *System) FallbackPolicy() *reliability.ExponentialBackoff {
	r := s.cfg.Retry
	policy := reliability.NewExponentialBackoff(r.InitialInterval.Std(), r.MaxInterval.Std(), r.Multiplier, r.MaxRetries)
	policy.Jitter = false
	return policy
}

func (s *System) callerOptions(op messaging.Operation, timeout time.Duration) []messaging.CallerOption {
	logger := s.logger.With("operation", op.Name)
	options := []messaging.CallerOption{
		messaging.WithTimeout(timeout),
		messaging.WithRetryPolicy(s.FallbackPolicy()),
		messaging.WithResultMiddleware(s.chain.Middleware()),
		messaging.WithCallerLogger(logger),
		messaging.WithStateObserver(func(requestID string, from, to messaging.CallState) {
			logger.Debug("call state changed", "requestId", requestID, "from", from, "to", to)
		}),
	}
	if s.sleep != nil {
		options = append(options, messaging.WithSleep(s.sleep))
	}

	if s.cfg.Breaker.Enabled {
		breaker := reliability.NewCircuitBreaker(
			reliability.WithName(op.Name),
			reliability.WithFailureThreshold(s.cfg.Breaker.FailureThreshold),
			reliability.WithCooldown(s.cfg.Breaker.Cooldown.Std()),
			reliability.WithBreakerLogger(logger),
		)
		options = append(options, messaging.WithCircuitBreaker(breaker))
		s.health.Register(health.NewCheckerFunc("breaker_"+op.Name, func(context.Context) health.CheckResult {
			status := health.StatusHealthy
			if breaker.State() != reliability.StateClosed {
				status = health.StatusDegraded
			}
			return health.CheckResult{
				Name:      "breaker_" + op.Name,
				Status:    status,
				Message:   "Queue path circuit is " + breaker.State().String(),
				Timestamp: time.Now(),
			}
		}), string(RoleGateway))
	}
	return options
}

// NewEvaluationCaller builds the evaluation caller with its HTTP fallback.
// The caller must be started before use.
func (s *System) NewEvaluationCaller() *leads.EvaluationCaller {
	op := leads.EvaluationOperation
	client := httpapi.NewClient(s.cfg.Evaluation.FallbackURL, httpapi.WithClientLogger(s.logger))
	options := append(s.callerOptions(op, s.cfg.Evaluation.Timeout.Std()),
		messaging.WithFallback(client.EvaluateLead))

	caller := messaging.NewCaller[contracts.Lead, contracts.LeadEvaluation](s.transport, op, options...)
	s.health.Register(health.NewPendingChecker(op.Name, caller.Registry(), maxPendingRequests, 2*s.cfg.Evaluation.Timeout.Std()), string(RoleGateway))
	return caller
}

// NewStorageCaller builds the storage caller with its HTTP fallback.
// The caller must be started before use.
func (s *System) NewStorageCaller() *leads.StorageCaller {
	op := leads.StorageOperation
	client := httpapi.NewClient(s.cfg.Storage.FallbackURL, httpapi.WithClientLogger(s.logger))
	options := append(s.callerOptions(op, s.cfg.Storage.Timeout.Std()),
		messaging.WithFallback(client.StoreLead))

	caller := messaging.NewCaller[contracts.Lead, contracts.Lead](s.transport, op, options...)
	s.health.Register(health.NewPendingChecker(op.Name, caller.Registry(), maxPendingRequests, 2*s.cfg.Storage.Timeout.Std()), string(RoleGateway))
	return caller
}

// NewResponder builds a responder with the consumer interceptor chain
func (s *System) NewResponder() *messaging.Responder {
	return messaging.NewResponder(s.transport,
		messaging.WithResponderLogger(s.logger),
		messaging.WithRequestMiddleware(s.chain.Middleware()),
	)
}

// Run runs roles until ctx is cancelled or one of them fails
func (s *System) Run(ctx context.Context, roles ...Role) error {
	if len(roles) == 0 {
		return fmt.Errorf("no role to run")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		role := role
		g.Go(func() error {
			switch role {
			case RoleGateway:
				return s.RunGateway(ctx)
			case RoleEvaluator:
				return s.RunEvaluator(ctx)
			case RoleStorage:
				return s.RunStorage(ctx)
			default:
				return fmt.Errorf("unknown role %q", role)
			}
		})
	}
	return g.Wait()
}

// RunGateway serves the public intake endpoint
func (s *System) RunGateway(ctx context.Context) error {
	mux, err := s.GatewayHandler(ctx)
	if err != nil {
		return err
	}
	return s.serve(ctx, RoleGateway, s.cfg.HTTP.GatewayAddr, mux)
}

// GatewayHandler starts the gateway callers and returns its HTTP handler
func (s *System) GatewayHandler(ctx context.Context) (*http.ServeMux, error) {
	evaluation := s.NewEvaluationCaller()
	storage := s.NewStorageCaller()
	if err := evaluation.Start(ctx); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if err := storage.Start(ctx); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	mux := http.NewServeMux()
	httpapi.MountGateway(mux, leads.NewIntake(evaluation, storage, s.logger), s.logger)
	health.Mount(mux, s.health, string(RoleGateway), healthTimeout)
	return mux, nil
}

// RunEvaluator answers evaluation requests from the queue and over HTTP
func (s *System) RunEvaluator(ctx context.Context) error {
	responder := s.NewResponder()
	if err := leads.RegisterEvaluation(responder, s.evaluator); err != nil {
		return err
	}
	if err := responder.Start(ctx); err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}
	defer responder.Stop()

	mux := http.NewServeMux()
	httpapi.MountEvaluator(mux, s.evaluator, s.logger)
	health.Mount(mux, s.health, string(RoleEvaluator), healthTimeout)
	return s.serve(ctx, RoleEvaluator, s.cfg.HTTP.EvaluatorAddr, mux)
}

// RunStorage answers storage requests from the queue and over HTTP
func (s *System) RunStorage(ctx context.Context) error {
	responder := s.NewResponder()
	if err := leads.RegisterStorage(responder, s.store); err != nil {
		return err
	}
	if err := responder.Start(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer responder.Stop()

	mux := http.NewServeMux()
	httpapi.MountStorage(mux, s.store, s.logger)
	health.Mount(mux, s.health, string(RoleStorage), healthTimeout)
	return s.serve(ctx, RoleStorage, s.cfg.HTTP.StorageAddr, mux)
}

func (s *System) serve(ctx context.Context, role Role, addr string, handler http.Handler) error {
	srv := httpapi.NewServer(string(role), addr, handler,
		httpapi.WithServerLogger(s.logger),
		httpapi.WithRequestTimeout(s.cfg.HTTP.RequestTimeout.Std()),
	)
	return srv.Run(ctx)
}

// Inspect reports depth and consumers of every lead system queue
func (s *System) Inspect(ctx context.Context) ([]messaging.QueueStats, error) {
	inspector, ok := s.transport.(messaging.Inspector)
	if !ok {
		return nil, fmt.Errorf("transport %T cannot inspect queues", s.transport)
	}

	queues := leads.Queues()
	stats := make([]messaging.QueueStats, 0, len(queues))
	for _, q := range queues {
		st, err := inspector.Inspect(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", q, err)
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// Close closes the transport and the lead store
func (s *System) Close() error {
	errs := []error{s.transport.Close()}
	for _, fn := range s.closeFns {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
