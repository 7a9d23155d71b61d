package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/pomochat/pkg/chat"
	"github.com/go-go-golems/pomochat/pkg/chatstore"
	"github.com/go-go-golems/pomochat/pkg/completion"
	"github.com/go-go-golems/pomochat/pkg/redisstate"
	"github.com/go-go-golems/pomochat/pkg/webchat"
)

type serveSettings struct {
	addr         string
	dbPath       string
	redisAddr    string
	redisEnabled bool
	redisGroup   string
	consumer     string
	model        string
	temperature  float64
	lockTTL      time.Duration
	contextSize  int
	roomIdle     time.Duration
	reapAfter    time.Duration
	reapInterval time.Duration
	logLevel     string
}

func main() {
	s := &serveSettings{}

	rootCmd := &cobra.Command{
		Use:   "pomochat",
		Short: "Streaming chat server with per-conversation generation locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), s)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&s.addr, "addr", ":8080", "HTTP listen address")
	flags.StringVar(&s.dbPath, "db", "pomochat.db", "sqlite database file")
	flags.StringVar(&s.redisAddr, "redis-addr", "localhost:6379", "redis address (state and fan-out)")
	flags.BoolVar(&s.redisEnabled, "redis-streams", false, "fan out events over redis streams instead of in-process pubsub")
	flags.StringVar(&s.redisGroup, "redis-group", "pomochat", "consumer group prefix for redis streams fan-out")
	flags.StringVar(&s.consumer, "redis-consumer", "ws-forwarder", "consumer name within the group")
	flags.StringVar(&s.model, "model", "gpt-4o-mini", "completion model")
	flags.Float64Var(&s.temperature, "temperature", 0.7, "completion sampling temperature")
	flags.DurationVar(&s.lockTTL, "lock-ttl", 60*time.Second, "generation lock TTL")
	flags.IntVar(&s.contextSize, "context-size", redisstate.DefaultWindowSize, "context window size in messages")
	flags.DurationVar(&s.roomIdle, "room-idle", webchat.DefaultRoomIdleTimeout, "empty room eviction delay")
	flags.DurationVar(&s.reapAfter, "reap-after", 30*24*time.Hour, "retention for soft-deleted conversations")
	flags.DurationVar(&s.reapInterval, "reap-interval", time.Hour, "interval between reaper sweeps")
	flags.StringVar(&s.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, s *serveSettings) error {
	setupLogging(s.logLevel)

	dsn, err := chatstore.DSNForFile(s.dbPath)
	if err != nil {
		return errors.Wrap(err, "resolve database path")
	}
	store, err := chatstore.NewSQLiteStore(dsn)
	if err != nil {
		return errors.Wrap(err, "open chat store")
	}
	defer func() { _ = store.Close() }()

	rdb := redis.NewClient(&redis.Options{Addr: s.redisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis unreachable")
	}

	generator, err := completion.NewOpenAIGenerator(
		os.Getenv("OPENAI_API_KEY"),
		completion.WithModel(s.model),
		completion.WithTemperature(float32(s.temperature)),
	)
	if err != nil {
		return errors.Wrap(err, "build completion generator")
	}
	counter, err := completion.NewTokenCounter()
	if err != nil {
		log.Warn().Err(err).Msg("token counter unavailable, counts will be omitted")
		counter = nil
	}

	transport, err := webchat.NewTransport(webchat.TransportConfig{
		RedisEnabled: s.redisEnabled,
		RedisAddr:    s.redisAddr,
		Group:        s.redisGroup,
		Consumer:     s.consumer,
	})
	if err != nil {
		return errors.Wrap(err, "build transport")
	}

	svc, err := chat.NewService(chat.ServiceConfig{
		Store:       store,
		Contexts:    redisstate.NewContextStore(rdb, s.contextSize),
		Locks:       redisstate.NewLock(rdb),
		Recovery:    redisstate.NewRecoveryBuffer(rdb, redisstate.DefaultRecoveryTTL),
		StopFlags:   redisstate.NewStopFlag(rdb),
		Broadcaster: webchat.NewStreamPublisher(transport.Publisher()),
		Generator:    generator,
		TokenCounter: counter,
		LockTTL:      s.lockTTL,
		DefaultModel: s.model,
		ContextSize:  s.contextSize,
	})
	if err != nil {
		return errors.Wrap(err, "build chat service")
	}

	rooms := webchat.NewRoomManager(ctx, transport, s.roomIdle)
	router, err := webchat.NewRouter(ctx, svc, rooms)
	if err != nil {
		return errors.Wrap(err, "build router")
	}
	server := webchat.NewServer(s.addr, router, rooms, transport)
	reaper := chatstore.NewReaper(store, s.reapAfter, s.reapInterval)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(runCtx) })
	g.Go(func() error { reaper.Run(runCtx); return nil })

	log.Info().Str("addr", s.addr).Str("db", s.dbPath).Bool("redis_streams", s.redisEnabled).Msg("pomochat started")
	return g.Wait()
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(lvl)
}
