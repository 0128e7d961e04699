package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/moclojer/chrondb-sub001/internal/chrondb"
	"github.com/moclojer/chrondb-sub001/internal/env"
	"github.com/moclojer/chrondb-sub001/internal/metrics"
	"github.com/moclojer/chrondb-sub001/internal/protoadapter/pgwire"
	"github.com/moclojer/chrondb-sub001/internal/protoadapter/resp"
	"github.com/moclojer/chrondb-sub001/internal/protoadapter/rest"
	"github.com/moclojer/chrondb-sub001/internal/registry"
)

func main() {
	cmd := &cli.Command{
		Name:  "chrondb",
		Usage: "ChronDB is a chronological, versioned document database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-lvl",
				Usage: "Minimum logging level (debug, info, warn, err)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-fmt",
				Usage: "Log output format (default, json)",
				Value: "json",
			},
			&cli.BoolFlag{
				Name:  "log-src",
				Usage: "Whether or not to include source line numbers in log lines",
				Value: true,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setDefaultLogger(
				c.String("log-lvl"),
				c.String("log-fmt"),
				c.Bool("log-src"),
				os.Stdout,
			); err != nil {
				return nil, fmt.Errorf("unable to set default logger: %w", err)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:        "server",
				Description: "Runs the REST, RESP, and Postgres wire servers over one repository",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "Path to the TOML configuration file (optional)",
					},
					&cli.StringFlag{
						Name:  "data-dir",
						Usage: "Repository data directory (overrides config data_dir)",
					},
					&cli.StringFlag{
						Name:  "index-dir",
						Usage: "Search index directory (overrides config index_dir)",
					},
					&cli.StringFlag{
						Name:  "rest-addr",
						Usage: "Bind address of the REST HTTP server",
						Value: "0.0.0.0:3000",
					},
					&cli.StringFlag{
						Name:  "resp-addr",
						Usage: "Bind address of the RESP server (empty string to disable)",
						Value: "0.0.0.0:6379",
					},
					&cli.StringFlag{
						Name:  "pg-addr",
						Usage: "Bind address of the Postgres wire server (empty string to disable)",
						Value: "0.0.0.0:5432",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "Bind address of the metrics/pprof HTTP server (empty string to disable)",
						Value: "0.0.0.0:6060",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := LoadConfig(c.String("config"))
					if err != nil {
						return err
					}
					if dir := c.String("data-dir"); dir != "" {
						cfg.DataDir = dir
					}
					if dir := c.String("index-dir"); dir != "" {
						cfg.IndexDir = dir
					}

					return runServer(ctx, &serverArgs{
						Config:      cfg,
						RESTAddr:    c.String("rest-addr"),
						RESPAddr:    c.String("resp-addr"),
						PGAddr:      c.String("pg-addr"),
						MetricsAddr: c.String("metrics-addr"),
					})
				},
			},
			{
				Name:        "version",
				Description: "Prints the build version",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Println(env.Version)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("failed to run command", "err", err)
		os.Exit(1)
	}
}

type serverArgs struct {
	Config      Config
	RESTAddr    string
	RESPAddr    string
	PGAddr      string
	MetricsAddr string
}

func runServer(ctx context.Context, args *serverArgs) error {
	log := slog.Default().With(slog.String("service", "chrondb"))

	cfg := args.Config
	if w, err := cfg.logWriter(); err != nil {
		return err
	} else if w != os.Stdout {
		defer w.Close()
		if err := setDefaultLogger(cfg.Logging.Level, "json", true, w); err != nil {
			return err
		}
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir: %w", err)
	}
	indexDir, err := filepath.Abs(cfg.IndexDir)
	if err != nil {
		return fmt.Errorf("resolve index_dir: %w", err)
	}

	key := registry.Key{DataPath: dataDir, IndexPath: indexDir}
	opened, err := registry.Open(key,
		func(registry.Key) (any, error) { return chrondb.Open(cfg.dbConfig()) },
		func(v any) error { return v.(*chrondb.DB).Close() },
	)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer func() { _ = registry.Close(key) }()
	db := opened.(*chrondb.DB)

	db.Remote.SetPushNotes(cfg.Remote.PushNotes)
	if cfg.Remote.URL != "" && cfg.Remote.PullOnStart {
		if err := db.Pull(db.Branch.Default()); err != nil {
			log.Warn("pull on start failed", "err", err)
		}
	}

	log.Info("starting chrondb server",
		"data_dir", dataDir, "index_dir", indexDir, "branch", db.Branch.Default())
	defer log.Info("chrondb server shutdown complete")

	cancelOnce := &sync.Once{}
	ctx, cancelFn := context.WithCancel(ctx)
	cancel := func() {
		cancelOnce.Do(cancelFn)
	}
	defer cancel()

	errs, ctx := errgroup.WithContext(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-sig:
			log.Info("received shutdown signal")
			cancel()
		}
	}()

	errs.Go(func() error {
		metrics.RunServer(ctx, cancel, args.MetricsAddr)
		return nil
	})

	errs.Go(func() error {
		defer cancel()
		return runREST(ctx, log, db, args.RESTAddr)
	})

	if args.RESPAddr != "" {
		respSrv := resp.New(db, db.Branch.Default())
		errs.Go(func() error {
			defer cancel()
			return runListener(ctx, log, "resp", args.RESPAddr, respSrv.Serve)
		})
	}

	if args.PGAddr != "" {
		pgSrv := pgwire.New(db, db.Branch.Default())
		errs.Go(func() error {
			defer cancel()
			return runListener(ctx, log, "pgwire", args.PGAddr, pgSrv.Serve)
		})
	}

	return errs.Wait()
}

// runREST serves the REST router until ctx is canceled, then shuts down
// gracefully.
func runREST(ctx context.Context, log *slog.Logger, db *chrondb.DB, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      rest.New(db).Router(),
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("rest server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runListener runs a raw-TCP protocol server, closing its listener when
// ctx is canceled so serve returns.
func runListener(ctx context.Context, log *slog.Logger, name, addr string, serve func(net.Listener) error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: listen: %w", name, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info(name+" server listening", "addr", addr)
	if err := serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func setDefaultLogger(llevel, lfmt string, addSource bool, w io.Writer) error {
	opts := &slog.HandlerOptions{
		AddSource: addSource,
	}

	switch llevel {
	case "d", "dbg", "debug":
		opts.Level = slog.LevelDebug
	case "", "i", "inf", "info":
		opts.Level = slog.LevelInfo
	case "w", "wrn", "warn":
		opts.Level = slog.LevelWarn
	case "e", "err", "error":
		opts.Level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", llevel)
	}

	var handler slog.Handler
	switch lfmt {
	case "", "default", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", lfmt)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
