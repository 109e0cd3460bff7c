package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	api "github.com/mind-engage/mindengage-exams/internal/api/http"
	auth "github.com/mind-engage/mindengage-exams/internal/auth/middleware"
	"github.com/mind-engage/mindengage-exams/internal/config"
	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/events"
	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/live"
	"github.com/mind-engage/mindengage-exams/internal/logger"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/review"
	"github.com/mind-engage/mindengage-exams/internal/session"
	"github.com/mind-engage/mindengage-exams/internal/users"
)

func appOptions() []fx.Option {
	return []fx.Option{
		fx.Provide(
			newConfig,
			newDB,
			newStore,
			newRedis,
			newPublisher,
			newManager,
			newAuthorizer,
			review.NewService,
			users.NewStore,
			newAuthService,
			newCountdown,
			newRouter,
		),
		fx.Invoke(startServer),
	}
}

func newConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}

func newDB(lc fx.Lifecycle, cfg config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return conn.Close() }})
	return conn, nil
}

func newStore(conn *sql.DB, cfg config.Config) exam.Store {
	return exam.NewSQLStore(conn, cfg.DBDriver, cfg.StorageTimeout)
}

// newRedis returns nil when REDIS_ADDR is unset.
func newRedis(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := events.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil || client == nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return client, nil
}

func newPublisher(conn *sql.DB, rc *redis.Client, cfg config.Config) events.Publisher {
	site, _ := os.Hostname()
	pubs := events.Multi{events.NewEventRepo(conn, site, cfg.StorageTimeout)}
	if rc != nil {
		pubs = append(pubs, events.NewRedisPublisher(rc, events.DefaultChannel))
	}
	return pubs
}

// newManager re-arms or closes the sessions left open by a previous run
// before the server starts taking requests.
func newManager(lc fx.Lifecycle, store exam.Store, pub events.Publisher, cfg config.Config) *session.Manager {
	m := session.NewManager(store, pub,
		session.WithAutosaveRetry(cfg.AutosaveRetries, cfg.AutosaveBackoff),
		session.WithPublishTimeout(2*cfg.StorageTimeout),
	)
	lc.Append(fx.Hook{
		OnStart: m.Recover,
		OnStop:  m.Close,
	})
	return m
}

func newAuthorizer(conn *sql.DB, cfg config.Config) review.Authorizer {
	return rbac.NewExamAuthorizer(conn, cfg.AdminUser, cfg.StorageTimeout)
}

func newAuthService(cfg config.Config) *auth.AuthService {
	return auth.NewAuthService(cfg.AuthHMACSecret)
}

func newCountdown(m *session.Manager, cfg config.Config) *live.Countdown {
	return live.NewCountdown(m, cfg.CountdownInterval, cfg.CORSOrigins)
}

type routerParams struct {
	fx.In

	Config    config.Config
	DB        *sql.DB
	Store     exam.Store
	Sessions  *session.Manager
	Review    *review.Service
	Users     *users.Store
	Auth      *auth.AuthService
	Authz     review.Authorizer
	Countdown *live.Countdown
}

func newRouter(p routerParams) http.Handler {
	return api.NewRouter(api.Deps{
		DB:          p.DB,
		Store:       p.Store,
		Sessions:    p.Sessions,
		Review:      p.Review,
		Users:       p.Users,
		Auth:        p.Auth,
		Authz:       p.Authz,
		Countdown:   p.Countdown,
		Admin:       auth.Admin{User: p.Config.AdminUser, PassHash: p.Config.AdminPassHash},
		LocalAuth:   p.Config.EnableLocalAuth,
		CORSOrigins: p.Config.CORSOrigins,
	})
}

func startServer(lc fx.Lifecycle, sd fx.Shutdowner, cfg config.Config, h http.Handler) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return err
			}
			log.Info().Str("addr", cfg.HTTPAddr).Str("mode", string(cfg.Mode)).Str("db", cfg.DBDriver).Msg("listening")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server stopped")
					_ = sd.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("draining http server")
			return srv.Shutdown(ctx)
		},
	})
}
