package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/plasmachain/operator/ledger"
	"github.com/plasmachain/operator/lockmgr"
	"github.com/plasmachain/operator/operator"
	"github.com/plasmachain/operator/sumtree"

	"github.com/carlmjohnson/versioninfo"
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "plasmad",
		Usage:   "plasma operator daemon",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory holding the pebble database and transaction logs",
			Value:   "data/plasmad",
			EnvVars: []string{"PLASMAD_DATA_DIR", "DATA_DIR"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"PLASMAD_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the operator: accept deposits and seal blocks on a schedule",
			Action: runServe,
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:    "block-interval",
					Usage:   "how often the current block is sealed and its root submitted",
					Value:   operator.DefaultConfig().BlockInterval,
					EnvVars: []string{"PLASMAD_BLOCK_INTERVAL"},
				},
				&cli.DurationFlag{
					Name:    "lock-jitter",
					Usage:   "upper bound of the random delay between lock attempts",
					Value:   lockmgr.DefaultMaxJitter,
					EnvVars: []string{"PLASMAD_LOCK_JITTER"},
				},
				&cli.IntFlag{
					Name:    "tree-batch-size",
					Usage:   "writes per pebble batch while building sum trees",
					Value:   sumtree.DefaultConfig().BatchSize,
					EnvVars: []string{"PLASMAD_TREE_BATCH_SIZE"},
				},
				&cli.IntFlag{
					Name:    "root-cache-size",
					Usage:   "number of block roots kept in memory",
					Value:   sumtree.DefaultConfig().MetaCacheSize,
					EnvVars: []string{"PLASMAD_ROOT_CACHE_SIZE"},
				},
				&cli.StringFlag{
					Name:    "metrics-listen",
					Usage:   "IP or address, and port, to listen on for prometheus metrics",
					Value:   ":2472",
					EnvVars: []string{"PLASMAD_METRICS_LISTEN"},
				},
				&cli.StringFlag{
					Name:    "env",
					Usage:   "declared hosting environment (prod, qa, etc); used in traces",
					Value:   "dev",
					EnvVars: []string{"ENVIRONMENT"},
				},
				&cli.BoolFlag{
					Name:    "jaeger",
					Usage:   "export traces to a local jaeger collector",
					EnvVars: []string{"PLASMAD_JAEGER"},
				},
				&cli.StringFlag{
					Name:    "otel-exporter-otlp-endpoint",
					Usage:   "OTLP HTTP endpoint for traces",
					EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
				},
			},
		},
	}
	app.Commands = append(app.Commands, inspectCommands...)
	app.Commands = append(app.Commands, cmdTree)
	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func setupOTEL(cctx *cli.Context) error {
	env := cctx.String("env")
	if env == "" {
		env = "dev"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("plasmad"),
		attribute.String("env", env),
		attribute.String("environment", env),
	)

	if cctx.Bool("jaeger") {
		jaegerUrl := "http://localhost:14268/api/traces"
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerUrl)))
		if err != nil {
			return err
		}
		otel.SetTracerProvider(tracesdk.NewTracerProvider(
			tracesdk.WithBatcher(exp),
			tracesdk.WithResource(res),
		))
	}

	// the exporter reads OTEL_EXPORTER_OTLP_* from the environment
	if ep := cctx.String("otel-exporter-otlp-endpoint"); ep != "" {
		slog.Info("setting up trace exporter", "endpoint", ep)
		exp, err := otlptracehttp.New(context.Background())
		if err != nil {
			return fmt.Errorf("creating trace exporter: %w", err)
		}
		otel.SetTracerProvider(tracesdk.NewTracerProvider(
			tracesdk.WithBatcher(exp),
			tracesdk.WithResource(res),
		))
	}
	return nil
}

func openDB(cctx *cli.Context, readOnly bool) (*pebble.DB, error) {
	datadir := cctx.String("data-dir")
	path := filepath.Join(datadir, "pebble")
	if !readOnly {
		if err := os.MkdirAll(datadir, os.ModePerm); err != nil {
			return nil, err
		}
	}
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: readOnly})
	if err != nil {
		if readOnly {
			return nil, fmt.Errorf("%s: failed to open pebble db (is serve running?): %w", path, err)
		}
		return nil, fmt.Errorf("%s: failed to open pebble db: %w", path, err)
	}
	return db, nil
}

func runServe(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()
	logger := configLogger(cctx, os.Stdout)

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := setupOTEL(cctx); err != nil {
		return err
	}

	db, err := openDB(cctx, false)
	if err != nil {
		return err
	}
	defer db.Close()

	lcfg := ledger.DefaultConfig()
	lcfg.LogDir = filepath.Join(cctx.String("data-dir"), "txlog")
	lcfg.LockJitter = cctx.Duration("lock-jitter")
	l := ledger.New(db, lcfg)
	if err := l.Init(ctx); err != nil {
		return err
	}
	defer l.Close()

	tcfg := sumtree.DefaultConfig()
	tcfg.BatchSize = cctx.Int("tree-batch-size")
	tcfg.MetaCacheSize = cctx.Int("root-cache-size")
	tree, err := sumtree.New(db, tcfg)
	if err != nil {
		return err
	}

	op := operator.New(l, tree, operator.NewLogSubmitter(), &operator.Config{
		BlockInterval: cctx.Duration("block-interval"),
	})

	// start metrics endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cctx.String("metrics-listen"), nil); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	// deposits reach the operator through an embedding program's chain
	// watcher; the standalone daemon has none, so the feed stays empty
	var deposits chan operator.DepositEvent

	runErr := make(chan error, 1)
	go func() {
		runErr <- op.Run(ctx, deposits)
	}()

	logger.Info("startup complete", "block", l.CurrentBlock(), "version", versioninfo.Short())
	select {
	case <-signals:
		logger.Info("received shutdown signal")
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				logger.Error("error during shutdown", "err", err)
			}
		case <-time.After(30 * time.Second):
			logger.Error("operator did not stop in time")
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("operator stopped", "err", err)
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}
