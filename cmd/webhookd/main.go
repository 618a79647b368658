package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aicodereviewer/webhookd/internal/cfg"
	"github.com/aicodereviewer/webhookd/internal/consumer"
	"github.com/aicodereviewer/webhookd/internal/dedup"
	"github.com/aicodereviewer/webhookd/internal/dispatch"
	"github.com/aicodereviewer/webhookd/internal/ingest"
	"github.com/aicodereviewer/webhookd/internal/logfields"
	"github.com/aicodereviewer/webhookd/internal/provider/github"
	"github.com/aicodereviewer/webhookd/internal/router"
)

const appName = "webhookd"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listen_addr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listen_addr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/webhookd/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the webhookd configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nReceive GitHub webhook events and dispatch them to the review engine.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustAssembleRouter(config *cfg.Config) *router.Router {
	var opts []router.Option

	if len(config.Router.ActionableActions) > 0 {
		opts = append(opts, router.WithActionableActions(config.Router.ActionableActions))
	}

	if config.Router.FilterQuery != "" {
		opt, err := router.WithFilterQuery(config.Router.FilterQuery)
		exitOnErr("could not parse router filter query", err)
		opts = append(opts, opt)
	}

	return router.New(opts...)
}

func mustAssembleQueue(config *cfg.Config) *dispatch.Queue {
	var opts []dispatch.Option

	if config.Queue.Capacity > 0 {
		opts = append(opts, dispatch.WithCapacity(config.Queue.Capacity))
	}

	if config.Queue.FullPolicy == "block" {
		enqueueTimeout, err := config.Queue.EnqueueTimeoutDuration()
		exitOnErr("could not parse queue enqueue timeout", err)

		opts = append(opts, dispatch.WithFullPolicy(dispatch.FullPolicyBlock, enqueueTimeout))
	}

	return dispatch.New(opts...)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.WebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.WebhookSecret)),
		zap.Bool("allow_unsigned_webhooks", config.AllowUnsignedWebhooks),
		zap.String("review_engine_url", config.ReviewEngine.URL),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintln(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	if config.WebhookSecret == "" && !config.AllowUnsignedWebhooks {
		logger.Warn(
			"no webhook secret is configured and unsigned webhooks are not allowed, all requests will be rejected",
			logfields.Event("webhook_secret_missing"),
		)
	}

	var verifierOpts []github.VerifierOption
	if config.AllowUnsignedWebhooks {
		verifierOpts = append(verifierOpts, github.WithAllowUnsigned())
	}

	retention, err := config.Dedup.RetentionDuration()
	exitOnErr("could not parse dedup retention window", err)

	dedupStore := dedup.New(retention, config.Dedup.MaxEntries)
	queue := mustAssembleQueue(config)

	service := ingest.NewService(
		github.NewVerifier(config.WebhookSecret, verifierOpts...),
		dedupStore,
		github.NewNormalizer(),
		mustAssembleRouter(config),
		queue,
	)

	handler := ingest.NewHTTPHandler(
		service,
		ingest.WithRateLimit(config.RateLimitPerMinute),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(config.WebhookEndpoint, handler.Handle)
	mux.Handle(config.MetricsEndpoint, promhttp.Handler())

	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.WebhookEndpoint),
	)

	if config.ReviewEngine.URL != "" {
		forwardTimeout, err := config.ReviewEngine.ForwardTimeoutDuration()
		exitOnErr("could not parse review engine forward timeout", err)

		cons := consumer.New(
			queue,
			consumer.NewForwarder(config.ReviewEngine.URL, forwardTimeout),
			consumer.WithWorkers(config.ReviewEngine.Workers),
		)
		cons.Start()

		goodbye.Register(func(context.Context, os.Signal) {
			logger.Debug("stopping consumer", logfields.Event("consumer_stopping"))
			queue.Close()
			cons.Stop()
		})
	} else {
		logger.Warn(
			"no review engine url configured, accepted events stay in the queue until an external consumer claims them",
			logfields.Event("review_engine_unconfigured"),
		)

		goodbye.Register(func(context.Context, os.Signal) {
			queue.Close()
		})
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}
