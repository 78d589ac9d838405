package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fathomhq/fathom/internal/cache"
	"github.com/fathomhq/fathom/internal/circuitbreaker"
	"github.com/fathomhq/fathom/internal/citations"
	"github.com/fathomhq/fathom/internal/config"
	"github.com/fathomhq/fathom/internal/httpapi"
	"github.com/fathomhq/fathom/internal/identity"
	"github.com/fathomhq/fathom/internal/llm"
	"github.com/fathomhq/fathom/internal/pipeline"
	"github.com/fathomhq/fathom/internal/planner"
	"github.com/fathomhq/fathom/internal/retrieval"
	"github.com/fathomhq/fathom/internal/retry"
	"github.com/fathomhq/fathom/internal/search"
	"github.com/fathomhq/fathom/internal/sources"
	"github.com/fathomhq/fathom/internal/streaming"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("FATHOM_CONFIG"), "path to config YAML")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		// Logger is not up yet; stderr is all we have.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	provider, err := search.NewGroundingClient(search.Config{
		BaseURL:    cfg.Search.BaseURL,
		APIKey:     cfg.Search.APIKey,
		Timeout:    cfg.Search.Timeout,
		MaxResults: cfg.Search.MaxResults,
	}, logger)
	if err != nil {
		return err
	}

	var completer llm.Completer
	if cfg.LLM.BaseURL != "" {
		client, err := llm.NewClient(llm.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Timeout: cfg.LLM.Timeout,
		}, logger)
		if err != nil {
			return err
		}
		completer = client
	} else {
		logger.Warn("no LLM endpoint configured, planning and synthesis use deterministic fallbacks")
	}

	var store *cache.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err = cache.NewStore(rdb, cfg.Cache.LocalSize, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no Redis configured, retrieval cache disabled")
	}

	ruleWatcher, err := config.NewRuleTableWatcher(cfg.Citations.RuleTablePath, logger)
	if err != nil {
		return err
	}
	defer ruleWatcher.Close()

	breaker := circuitbreaker.New("search", circuitbreaker.Config{
		FailureThreshold:    uint32(cfg.Breaker.FailureThreshold),
		SuccessThreshold:    uint32(cfg.Breaker.SuccessThreshold),
		MaxHalfOpenRequests: circuitbreaker.DefaultConfig().MaxHalfOpenRequests,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		Interval:            circuitbreaker.DefaultConfig().Interval,
	}, logger)

	retryPolicy := retry.Policy{
		MaxAttempts:     cfg.Retrieval.Retry.MaxAttempts,
		InitialInterval: cfg.Retrieval.Retry.InitialInterval,
		MaxInterval:     cfg.Retrieval.Retry.MaxInterval,
		Multiplier:      2.0,
		AttemptTimeout:  cfg.Retrieval.Retry.AttemptTimeout,
	}

	pl := planner.New(completer, cfg.Planner.MaxSubQueries, logger)
	rt := retrieval.New(provider, store, breaker, retrieval.Options{
		Concurrency:   cfg.Retrieval.Concurrency,
		RatePerSecond: cfg.Retrieval.RatePerSecond,
		RateBurst:     cfg.Retrieval.RateBurst,
		CacheTTL:      cfg.Cache.TTL,
		Retry:         retryPolicy,
	}, logger)
	agg := sources.NewAggregator(sources.AggregateOptions{
		MaxRanked:    cfg.Pipeline.MaxRanked,
		MaxPerDomain: cfg.Pipeline.MaxPerDomain,
	}, logger)
	validator := identity.NewValidator(identity.DefaultThresholds(), logger)
	enforcer := citations.NewEnforcer(ruleWatcher.Current(), citations.Policy{
		StandardMinimum:  cfg.Citations.StandardMinimum,
		TechnicalMinimum: cfg.Citations.TechnicalMinimum,
		MaxCandidates:    citations.DefaultPolicy().MaxCandidates,
	}, logger)
	ruleWatcher.OnReload(enforcer.SetRules)

	mgr := streaming.NewManager(256)

	pipe := pipeline.New(pl, rt, agg, validator, enforcer, completer, store, mgr, pipeline.Options{
		Deadline:               cfg.Pipeline.Deadline,
		CacheTTL:               cfg.Cache.TTL,
		MaxReflexionIterations: cfg.Reflexion.MaxIterations,
		MinContentLength:       cfg.Reflexion.MinContentLength,
	}, logger)

	mux := http.NewServeMux()
	httpapi.NewHandler(pipe, mgr, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
