package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"ops_chat/server/chat/api"
	"ops_chat/server/chat/notify"
	"ops_chat/server/chat/repository"
	"ops_chat/server/chat/rooms"
	"ops_chat/server/chat/service"
	"ops_chat/server/chat/unread"
	commonauth "ops_chat/server/common/auth"
	"ops_chat/server/common/infra/cache"
	"ops_chat/server/common/infra/db"
	"ops_chat/server/common/infra/directory"
	"ops_chat/server/common/infra/mq"
	commonlog "ops_chat/server/common/log"
)

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
	Notifier   *notify.Notifier

	Redis      *redis.Client
	Postgres   *pgxpool.Pool
	SQLite     *sql.DB
	MQConn     *amqp.Connection
	Dispatcher *notify.AMQPDispatcher
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{}
	fail := func(err error) (*Server, error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.closeBackends(shutdownCtx)
		return nil, err
	}

	registry, err := rooms.NewRegistry(cfg.Rooms)
	if err != nil {
		return nil, fmt.Errorf("build room registry: %w", err)
	}

	if cfg.usesDriver(DriverPostgres) {
		if s.Postgres, err = db.NewPostgresPool(ctx, cfg.PostgresDSN); err != nil {
			return fail(fmt.Errorf("initialize postgres: %w", err))
		}
		if err := repository.EnsurePostgresSchema(ctx, s.Postgres); err != nil {
			return fail(err)
		}
	}
	if cfg.usesDriver(DriverSQLite) {
		if s.SQLite, err = db.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
			return fail(fmt.Errorf("initialize sqlite: %w", err))
		}
		if err := repository.EnsureSQLiteSchema(ctx, s.SQLite); err != nil {
			return fail(err)
		}
	}
	if cfg.CounterDriver == DriverRedis {
		if s.Redis, err = cache.Connect(ctx, cfg.RedisAddr); err != nil {
			return fail(fmt.Errorf("initialize redis: %w", err))
		}
	}

	var messageLog repository.MessageLog
	switch cfg.StoreDriver {
	case DriverPostgres:
		messageLog = repository.NewPostgresMessageLog(s.Postgres)
	case DriverSQLite:
		messageLog = repository.NewSQLiteMessageLog(s.SQLite)
	default:
		messageLog = repository.NewMemoryMessageLog()
	}

	var (
		counters repository.CounterStore
		kudos    repository.KudosLedger
	)
	switch cfg.CounterDriver {
	case DriverRedis:
		counters, kudos = repository.NewRedisCounterStore(s.Redis), repository.NewRedisKudosLedger(s.Redis)
	case DriverPostgres:
		counters, kudos = repository.NewPostgresCounterStore(s.Postgres), repository.NewPostgresKudosLedger(s.Postgres)
	case DriverSQLite:
		counters, kudos = repository.NewSQLiteCounterStore(s.SQLite), repository.NewSQLiteKudosLedger(s.SQLite)
	default:
		counters, kudos = repository.NewMemoryCounterStore(), repository.NewMemoryKudosLedger()
	}

	var dir notify.Directory = notify.StaticDirectory{}
	if len(cfg.DirectoryEndpoints) > 0 {
		client := directory.NewClient(directory.Options{}, cfg.DirectoryEndpoints...)
		dir = notify.NewCachedDirectory(notify.NewHTTPDirectory(client), cfg.DirectoryCacheTTL)
	} else {
		commonlog.Warnf("event=startup action=directory status=disabled reason=no_endpoints")
	}

	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	if cfg.NotifyDriver == NotifyAMQP {
		if s.MQConn, err = mq.NewConnection(cfg.LavinMQURL); err != nil {
			return fail(fmt.Errorf("initialize lavinmq: %w", err))
		}
		if s.Dispatcher, err = notify.NewAMQPDispatcher(s.MQConn, cfg.NotifyExchange); err != nil {
			return fail(fmt.Errorf("initialize amqp dispatcher: %w", err))
		}
		dispatcher = s.Dispatcher
	}

	s.Notifier = notify.NewNotifier(dir, dispatcher, notify.Options{
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		BaseURL:   cfg.BaseURL,
	})
	s.Notifier.Start()

	store := service.NewMessageStore(messageLog)
	aggregator := unread.NewAggregator(counters, kudos, cfg.UnreadLockTimeout)
	chatSvc := service.NewChatService(registry, store, aggregator, dir, s.Notifier)
	s.Hub = service.NewHub(registry, store, aggregator, chatSvc, cfg.HistoryLimit)
	wsSvc := service.NewRealtimeService(s.Hub, cfg.SessionQueueSize)

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := api.NewHandler(chatSvc, wsSvc, auth, cfg.WSAuthRequired)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	commonlog.Infof("event=startup action=wire status=ok rooms=%d store=%s counters=%s notify=%s directory_endpoints=%d", len(registry.List()), cfg.StoreDriver, cfg.CounterDriver, cfg.NotifyDriver, len(cfg.DirectoryEndpoints))
	return s, nil
}

// Shutdown stops accepting requests, closes live sessions with going-away,
// drains queued notifications and releases the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.HTTPServer != nil {
		errs = append(errs, s.HTTPServer.Shutdown(ctx))
	}
	errs = append(errs, s.closeBackends(ctx))
	return errors.Join(errs...)
}

func (s *Server) closeBackends(ctx context.Context) error {
	var errs []error
	if s.Notifier != nil {
		errs = append(errs, s.Notifier.Close(ctx))
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	} else if s.MQConn != nil {
		errs = append(errs, s.MQConn.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
	if s.SQLite != nil {
		errs = append(errs, s.SQLite.Close())
	}
	return errors.Join(errs...)
}
