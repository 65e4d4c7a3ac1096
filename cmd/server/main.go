package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/liar-game-backend/internal/aggregator"
	"github.com/DoyleJ11/liar-game-backend/internal/archive"
	"github.com/DoyleJ11/liar-game-backend/internal/broadcast"
	"github.com/DoyleJ11/liar-game-backend/internal/completion"
	"github.com/DoyleJ11/liar-game-backend/internal/config"
	"github.com/DoyleJ11/liar-game-backend/internal/engine"
	"github.com/DoyleJ11/liar-game-backend/internal/httpapi"
	"github.com/DoyleJ11/liar-game-backend/internal/logging"
	"github.com/DoyleJ11/liar-game-backend/internal/prompt"
	"github.com/DoyleJ11/liar-game-backend/internal/registry"
	"github.com/DoyleJ11/liar-game-backend/internal/room"
	"github.com/DoyleJ11/liar-game-backend/internal/words"
	"github.com/DoyleJ11/liar-game-backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; real env vars and flags still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{}
	cobra.CheckErr(config.NewCommand(cfg, run).ExecuteContext(ctx))
}

func run(cmd *cobra.Command, cfg *config.Config) (err error) {
	ctx := cmd.Context()

	log, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	client, err := completion.New(ctx, cfg.Completion())
	if err != nil {
		return err
	}
	agg, err := aggregator.New(&aggregator.Config{
		Client:      client,
		Timeout:     cfg.CompletionTimeout,
		MaxInFlight: cfg.CompletionMaxInFlight,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	pub := broadcast.Multi{broadcast.NewLog(log)}
	if cfg.RedisAddr != "" {
		rp, redisErr := broadcast.NewRedis(ctx, &broadcast.Config{
			RedisClient: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			Prefix:      cfg.RedisChannelPrefix,
		})
		if redisErr != nil {
			return redisErr
		}
		pub = append(pub, rp)
		log.Info("publishing room events", zap.String("redis", cfg.RedisAddr))
	}
	defer func() { err = multierr.Append(err, pub.Close()) }()

	var rec archive.Recorder = archive.Nop{}
	if cfg.ArchiveDSN != "" {
		pg, pgErr := archive.OpenPostgres(cfg.ArchiveDSN)
		if pgErr != nil {
			return pgErr
		}
		rec = pg
		defer func() { err = multierr.Append(err, pg.Close()) }()
	}

	bank := words.Default()
	rules := engine.Rules{AIPlayers: cfg.AIPlayers, DecoyWord: cfg.DecoyWord}

	reg, err := registry.New(ctx, &registry.Config{
		IdleTimeout: cfg.SessionTimeout,
		Logger:      log,
		NewRoom: func(ctx context.Context, id string, onClose func(string)) (*room.Room, error) {
			eng, err := engine.New(&engine.Config{Words: bank, Personas: prompt.DefaultPersonas})
			if err != nil {
				return nil, err
			}
			return room.New(ctx, &room.Config{
				ID:        id,
				Rules:     rules,
				Engine:    eng,
				Runner:    agg,
				Publisher: pub,
				Recorder:  rec,
				Logger:    log,
				RateLimit: cfg.PostLimit(),
				RateBurst: cfg.RateBurst,
				OnClose:   onClose,
			})
		},
	})
	if err != nil {
		return err
	}

	handler := httpapi.SetupRoutes(reg, &ws.Config{
		Registry:     reg,
		Logger:       log,
		MessageRate:  cfg.MessageLimit(),
		MessageBurst: cfg.WSMessageBurst,
		PingInterval: cfg.WSPingInterval,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("completion", cfg.CompletionBackend),
			zap.String("version", config.ReleaseVersion))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return multierr.Combine(
			srv.Shutdown(shutdownCtx),
			reg.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}
