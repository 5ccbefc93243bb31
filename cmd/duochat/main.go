// Command duochat serves two-party conversations over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/GetStream/duochat/api"
	"github.com/GetStream/duochat/api/validator"
	"github.com/GetStream/duochat/attachment"
	"github.com/GetStream/duochat/chat"
	"github.com/GetStream/duochat/config"
	"github.com/GetStream/duochat/livestore"
	"github.com/GetStream/duochat/memory"
	"github.com/GetStream/duochat/metrics"
	"github.com/GetStream/duochat/postgres"
	"github.com/GetStream/duochat/redis"
	"github.com/GetStream/duochat/s3"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duochat: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err.Error())
		os.Exit(1)
	}
}

// stores holds the storage layer selected by the configuration.
type stores struct {
	backend   chat.Backend
	directory chat.Directory
	objects   attachment.ObjectStore
	// objectsHandler serves in-process objects. It is nil for S3.
	objectsHandler http.Handler
	closers        []io.Closer
}

func (s *stores) Close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		for _, p := range cfg.Profiles() {
			if err := pg.UpsertProfile(ctx, p); err != nil {
				s.Close()
				return nil, fmt.Errorf("seed user %s: %w", p.ID, err)
			}
		}
		rd, err := redis.Connect(ctx, cfg.Store.RedisAddr)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, rd)
		s.backend = livestore.New(pg, rd, livestore.WithLogger(logger), livestore.WithResync(cfg.Resync))
		s.directory = pg
		logger.Info("Using PostgreSQL message store", "redis", cfg.Store.RedisAddr)
	default:
		s.backend = memory.NewStore()
		s.directory = memory.NewDirectory(cfg.Profiles()...)
		logger.Info("Using in-memory message store")
	}

	switch cfg.Objects.Driver {
	case "s3":
		store, err := s3.Connect(ctx, s3.Config{
			Region:        cfg.Objects.Region,
			Bucket:        cfg.Objects.Bucket,
			Endpoint:      cfg.Objects.Endpoint,
			PublicBaseURL: cfg.Objects.PublicBaseURL,
			PresignTTL:    cfg.PresignTTL,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.objects = store
		logger.Info("Using S3 object store", "bucket", cfg.Objects.Bucket)
	default:
		objects := memory.NewObjects(cfg.HTTP.PublicURL + "/objects")
		objects.Quota = cfg.Objects.QuotaBytes
		s.objects = objects
		s.objectsHandler = objects
		logger.Info("Using in-memory object store")
	}
	return s, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	channel := chat.NewChannel(st.backend,
		chat.WithLogger(logger),
		chat.WithObserver(m),
		chat.WithBackoff(cfg.MinBackoff, cfg.MaxBackoff),
	)
	uploader := attachment.NewUploader(st.objects,
		attachment.WithLogger(logger),
		attachment.WithMaxSize(cfg.Objects.MaxBytes),
		attachment.WithObserver(m),
	)

	mux := http.NewServeMux()
	mux.Handle("/", &api.API{
		Logger:    logger,
		Channel:   channel,
		Directory: st.directory,
		Uploader:  uploader,
		Val:       validator.New(),
		Sessions:  m,
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if st.objectsHandler != nil {
		mux.Handle("GET /objects/", http.StripPrefix("/objects", st.objectsHandler))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
