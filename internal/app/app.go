package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"market-digest/internal/aggregator"
	"market-digest/internal/alerting"
	"market-digest/internal/cache"
	"market-digest/internal/config"
	"market-digest/internal/digest"
	"market-digest/internal/domain"
	"market-digest/internal/fetcher"
	"market-digest/internal/health"
	"market-digest/internal/quotes"
	"market-digest/internal/scheduler"
	"market-digest/internal/service"
	"market-digest/internal/session"
	"market-digest/internal/storage"
	"market-digest/internal/tracing"
	"market-digest/internal/transport/telegram"
	"market-digest/internal/transport/wsgateway"
	"market-digest/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the components assembled for one command.
type runtime struct {
	tracer     trace.Tracer
	provider   *sdktrace.TracerProvider
	store      *storage.Store
	redis      *redis.Client
	prices     *aggregator.Prices
	sentiments *aggregator.Sentiments
	quotes     *quotes.Deduplicator
	supervisor *session.Supervisor
	service    *service.Service
	location   *time.Location
}

// LastRefresh reports the most recent write to either upstream cache.
func (r *runtime) LastRefresh() time.Time {
	p, s := r.prices.LastRefresh(), r.sentiments.LastRefresh()
	if s.After(p) {
		return s
	}
	return p
}

func (r *runtime) close(logger zerolog.Logger) {
	if r.supervisor != nil {
		if err := r.supervisor.Stop(); err != nil {
			logger.Warn().Err(err).Msg("stop chat session")
		}
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.provider.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown tracer provider")
		}
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openMirror(ctx context.Context) (*redis.Client, cache.Mirror) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return nil, nil
	}
	client, err := cache.DialRedis(ctx, cache.RedisOptions{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; upstream cache stays in memory")
		return nil, nil
	}
	return client, cache.NewRedisMirror(client, cfg.KeyPrefix)
}

func (a *App) clientOptions(src config.SourceConfig, tracer trace.Tracer) fetcher.ClientOptions {
	return fetcher.ClientOptions{
		BaseURL:   src.BaseURL,
		APIKey:    src.APIKey,
		Timeout:   a.Config.Upstream.RequestTimeout,
		UserAgent: a.Config.Upstream.UserAgent,
		Tracer:    tracer,
	}
}

func (a *App) newTransport() (session.Transport, error) {
	switch a.Config.Transport.Kind {
	case config.TransportWebSocket:
		cfg := a.Config.Transport.WebSocket
		return wsgateway.New(wsgateway.Options{
			URL:              cfg.URL,
			Token:            cfg.Token,
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
		}, a.Logger)
	default:
		cfg := a.Config.Transport.Telegram
		return telegram.New(telegram.Options{
			Token:            cfg.BotToken,
			APIBase:          cfg.APIBase,
			PollTimeout:      cfg.PollTimeout,
			FailureThreshold: cfg.FailureThreshold,
			ParseMode:        cfg.ParseMode,
		}, a.Logger)
	}
}

// build assembles the pipeline. withSession adds the chat session and the
// dispatcher; read-only commands skip them.
func (a *App) build(ctx context.Context, withSession bool) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.close(a.Logger)
			rt = nil
		}
	}()

	rt.location, err = a.Config.Location()
	if err != nil {
		return rt, err
	}

	rt.provider, rt.tracer, err = tracing.InitTracer(ctx, a.Config.Tracing, version.Version)
	if err != nil {
		return rt, err
	}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return rt, err
	}
	rt.store = store
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; delivery audit disabled")
	}

	var mirror cache.Mirror
	rt.redis, mirror = a.openMirror(ctx)
	priceCache := cache.New[domain.PriceSnapshot]()
	sentimentCache := cache.New[domain.Sentiment]()
	if mirror != nil {
		priceCache = cache.New[domain.PriceSnapshot](cache.WithMirror[domain.PriceSnapshot](mirror))
		sentimentCache = cache.New[domain.Sentiment](cache.WithMirror[domain.Sentiment](mirror))
	}

	up := a.Config.Upstream
	rt.prices = aggregator.NewPrices(priceCache, fetcher.NewCoinGecko(a.clientOptions(up.CoinGecko, rt.tracer), a.Logger), up.Assets, up.PriceTTL, a.Logger)
	rt.sentiments = aggregator.NewSentiments(sentimentCache, fetcher.NewFearGreed(a.clientOptions(up.FearGreed, rt.tracer), a.Logger), up.SentimentTTL, a.Logger)
	if mirror != nil {
		if err := rt.prices.Restore(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("restore cached prices")
		}
		if err := rt.sentiments.Restore(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("restore cached sentiment")
		}
	}

	deps := service.Deps{Prices: rt.prices, Sentiment: rt.sentiments}
	if a.Config.Quotes.Enabled {
		hashLog, openErr := quotes.OpenHashLog(a.Config.Quotes.LogPath)
		if openErr != nil {
			a.Logger.Error().Err(openErr).Str("path", a.Config.Quotes.LogPath).Msg("quote log unavailable; morning digests go out without a quote")
			deps.Quotes = unavailableQuotes{err: openErr}
		} else {
			rt.quotes = quotes.NewDeduplicator(fetcher.NewFavQs(a.clientOptions(up.FavQs, rt.tracer), a.Logger), hashLog, a.Logger)
			deps.Quotes = rt.quotes
		}
	}
	if rt.store != nil {
		deps.Digests = rt.store
		deps.Deliveries = rt.store
		deps.Locker = rt.store
	}

	if withSession {
		transport, err := a.newTransport()
		if err != nil {
			return rt, err
		}
		rt.supervisor = session.NewSupervisor(transport, session.Options{
			Policy:  a.Config.Session.Policy(),
			Command: a.Config.Session.Command,
		}, a.Logger)
		deps.Dispatcher = alerting.NewDispatcher(rt.supervisor, a.Config.Delivery.Destinations, a.Config.Delivery.SendTimeout, a.Logger)
	}

	rt.service = service.New(deps, service.Options{
		Assets:      up.Assets,
		Location:    rt.location,
		Attribution: a.Config.Delivery.Attribution,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
	return rt, nil
}

// unavailableQuotes stands in for a quote log that could not be opened, so
// every morning tick reports the persistence failure and omits the quote.
type unavailableQuotes struct {
	err error
}

func (u unavailableQuotes) Select(ctx context.Context) (*quotes.Selection, error) {
	return nil, u.err
}

func (u unavailableQuotes) Peek(ctx context.Context) (*quotes.Selection, error) {
	return nil, u.err
}

var _ service.QuoteSelector = unavailableQuotes{}

// Run executes the long-running digest service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateTransport(); err != nil {
		return err
	}
	if len(a.Config.Delivery.Destinations) == 0 {
		a.Logger.Warn().Msg("delivery.destinations is empty; digests are composed but reach nobody")
	}

	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close(a.Logger)

	if a.Config.Health.Enabled {
		srv := health.NewServer(rt.supervisor, health.Options{
			Addr:        a.Config.Health.Addr,
			ServiceName: a.Config.App.Name,
			Version:     version.Version,
			LastRefresh: rt.LastRefresh,
		}, a.Logger)
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Warn().Err(err).Msg("health server forced to shutdown")
			}
		}()
	}

	sched := scheduler.New(rt.location, a.Logger)
	cfg := a.Config.Scheduler
	if err := rt.service.Register(sched, cfg.MorningCron, cfg.EveningCron, cfg.RefreshCron); err != nil {
		return err
	}

	if err := rt.supervisor.Start(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("initial chat connection failed; reconnecting in background")
	}

	a.Logger.Info().
		Str("morning", cfg.MorningCron).
		Str("evening", cfg.EveningCron).
		Str("timezone", rt.location.String()).
		Int("destinations", len(a.Config.Delivery.Destinations)).
		Str("version", version.String()).
		Msg("starting digest service")
	err = sched.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("digest service stopped")
	return nil
}

// Send connects, delivers one digest immediately and disconnects.
func (a *App) Send(ctx context.Context, variant digest.Variant) error {
	if err := a.Config.ValidateTransport(); err != nil {
		return err
	}
	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close(a.Logger)

	if err := rt.supervisor.Start(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("first connection attempt failed; waiting for reconnect")
	}

	wait := a.Config.Session.AwaitOpen
	if wait <= 0 {
		wait = 30 * time.Second
	}
	awaitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := rt.supervisor.AwaitOpen(awaitCtx); err != nil {
		return fmt.Errorf("chat session not open: %w", err)
	}

	return rt.service.RunDigest(ctx, variant, time.Now())
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
