// Command fable runs the collaborative text-adventure host: HTTP + websocket
// surface over a session coordinator, lore index, and narration engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wyldmark/fable/internal/config"
	"github.com/wyldmark/fable/pkg/adapters/embedding"
	_ "github.com/wyldmark/fable/pkg/adapters/embedding/gemini"
	_ "github.com/wyldmark/fable/pkg/adapters/embedding/openai"
	"github.com/wyldmark/fable/pkg/adapters/llm"
	_ "github.com/wyldmark/fable/pkg/adapters/llm/gemini"
	_ "github.com/wyldmark/fable/pkg/adapters/llm/openai"
	"github.com/wyldmark/fable/pkg/broadcast"
	"github.com/wyldmark/fable/pkg/gamestore"
	"github.com/wyldmark/fable/pkg/gamestore/memstore"
	"github.com/wyldmark/fable/pkg/gamestore/sqlstore"
	"github.com/wyldmark/fable/pkg/lore"
	"github.com/wyldmark/fable/pkg/narrator"
	"github.com/wyldmark/fable/pkg/otel"
	"github.com/wyldmark/fable/pkg/server"
	"github.com/wyldmark/fable/pkg/session"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var addr string
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", "", "http listen address (overrides FABLE_ADDR)")
	flag.Parse()

	if showVersion {
		fmt.Printf("fable %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	if addr != "" {
		cfg.Addr = addr
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "fable",
		ServiceVersion: version,
		UseStdout:      cfg.TraceStdout,
	})
	if err != nil {
		log.WithError(err).Fatal("tracing init failed")
	}

	store, err := openStore(ctx, cfg.StoreDSN)
	if err != nil {
		log.WithField("dsn", cfg.StoreDSN).WithError(err).Fatal("store open failed")
	}

	embedder := buildEmbedder(ctx, cfg)
	model := buildLLM(ctx, cfg)

	loreIndex := lore.New(store, embedder)
	if cfg.SeedLore {
		if embedder == nil {
			log.Warn("no embedding provider; skipping lore seed")
		} else if err := loreIndex.SeedDefault(ctx); err != nil {
			log.WithError(err).Warn("lore seed failed; continuing without")
		}
	}

	hub := broadcast.New(store)
	coordinator := session.New(store, session.WithTeardown(hub.Teardown))
	engine := narrator.New(store, loreIndex, model, narratorOptions(cfg)...)

	srv := server.New(store, coordinator, loreIndex, engine, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(srv.Handler(), "fable.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	hub.CloseAll()
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("store close failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown failed")
	}
	log.Info("shutdown complete")
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func openStore(ctx context.Context, dsn string) (gamestore.Store, error) {
	if dsn == "" || dsn == "memory" {
		log.Info("using in-memory store")
		return memstore.New(), nil
	}
	st, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func buildEmbedder(ctx context.Context, cfg config.Config) embedding.Embedder {
	if cfg.EmbeddingProvider == "" {
		log.Warn("no embedding provider configured; lore features disabled")
		return nil
	}
	factory, ok := embedding.Resolve(cfg.EmbeddingProvider)
	if !ok {
		log.WithField("provider", cfg.EmbeddingProvider).Fatal("unknown embedding provider")
	}
	e, err := factory(ctx, map[string]any{"model": cfg.EmbeddingModel})
	if err != nil {
		log.WithField("provider", cfg.EmbeddingProvider).WithError(err).
			Warn("embedding provider init failed; lore features disabled")
		return nil
	}
	log.WithField("provider", e.Name()).Info("embedding provider ready")
	return e
}

func buildLLM(ctx context.Context, cfg config.Config) llm.LLM {
	if cfg.LLMProvider == "" {
		log.Warn("no LLM provider configured; narration falls back to scripted text")
		return nil
	}
	factory, ok := llm.Resolve(cfg.LLMProvider)
	if !ok {
		log.WithField("provider", cfg.LLMProvider).Fatal("unknown LLM provider")
	}
	m, err := factory(ctx, map[string]any{"model": cfg.LLMModel})
	if err != nil {
		log.WithField("provider", cfg.LLMProvider).WithError(err).
			Warn("LLM provider init failed; narration falls back to scripted text")
		return nil
	}
	log.WithField("provider", m.Name()).Info("LLM provider ready")
	return m
}

func narratorOptions(cfg config.Config) []narrator.Option {
	opts := []narrator.Option{narrator.WithMaxPromptTokens(cfg.MaxPromptTokens)}
	if cfg.LLMModel != "" {
		if est, err := narrator.NewTikTokenEstimator(cfg.LLMModel); err == nil {
			opts = append(opts, narrator.WithTokenEstimator(est))
		} else {
			log.WithField("model", cfg.LLMModel).Debug("no tiktoken encoding; using rune estimate")
		}
	}
	return opts
}
