package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"chat_bridge/server/bridge/api"
	"chat_bridge/server/bridge/chatnet"
	"chat_bridge/server/bridge/domain"
	"chat_bridge/server/bridge/observe"
	"chat_bridge/server/bridge/repository"
	"chat_bridge/server/bridge/service"
	"chat_bridge/server/bridge/store"
	"chat_bridge/server/common/infra/cache"
	"chat_bridge/server/common/infra/mq"
	"chat_bridge/server/common/infra/object"
	commonlog "chat_bridge/server/common/log"
)

// Server is one bridge worker instance: the session registry plus the
// command and delivery consumers, the inbound forwarder, and the ops API.
type Server struct {
	HTTPServer *http.Server
	Sessions   *service.SessionManager

	redis            *redis.Client
	mqConn           *amqp.Connection
	pg               *pgxpool.Pool
	publisher        *mq.Publisher
	commandConsumer  *mq.Consumer
	deliveryConsumer *mq.Consumer
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	mqConn, err := mq.NewConnection(cfg.LavinMQURL)
	if err != nil {
		return nil, fmt.Errorf("connect lavinmq: %w", err)
	}
	topologyCh, err := mqConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open mq channel: %w", err)
	}
	if err := mq.DeclareTopology(topologyCh, domain.CommandQueue, domain.OutboundQueue, domain.InboundQueue); err != nil {
		return nil, fmt.Errorf("declare mq topology: %w", err)
	}
	_ = topologyCh.Close()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	minioClient, err := object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}
	if err := object.EnsureBucket(ctx, minioClient, cfg.MediaBucket); err != nil {
		return nil, fmt.Errorf("ensure media bucket: %w", err)
	}

	metrics := observe.NewMetrics("chat_bridge", prometheus.DefaultRegisterer)

	kv := store.NewRedisKV(redisClient)
	claims := store.NewClaimRegistry(kv)
	locks := store.NewStartLocks(kv, cfg.StartLockTTL)
	auth := store.NewAuthStateStore(kv)
	status := store.NewStatusStore(kv, cfg.ArtifactTTL)
	limiter := store.NewRateLimiter(kv)

	publisher, err := mq.NewPublisher(mqConn)
	if err != nil {
		return nil, fmt.Errorf("initialize publisher: %w", err)
	}

	deadLetters := repository.NewDeadLetterRepository(pool)
	media := service.NewMediaService(minioClient, cfg.MediaBucket)
	forwarder := service.NewInboundForwarder(service.ForwarderConfig{}, publisher, media, metrics)

	sessions := service.NewSessionManager(
		service.SessionManagerConfig{
			InstanceID:     cfg.InstanceID,
			ClaimTTL:       cfg.ClaimTTL,
			ReconnectDelay: cfg.ReconnectDelay,
		},
		claims, locks, auth, status,
		chatnet.NewGatewayDialer(cfg.GatewayURL),
		forwarder,
		metrics,
	)

	commands := service.NewCommandWorker(sessions)
	commandConsumer, err := mq.NewConsumer(mqConn, mq.ConsumerConfig{
		Queue:       domain.CommandQueue,
		Concurrency: cfg.CommandConcurrency,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.RetryBackoffBase,
	}, commands.Handle, commandDeadLetter(deadLetters, metrics))
	if err != nil {
		return nil, fmt.Errorf("initialize command consumer: %w", err)
	}

	delivery := service.NewDeliveryWorker(
		service.DeliveryConfig{
			RecipientLimit:  int64(cfg.RecipientRateLimit),
			RecipientWindow: cfg.RecipientRateWindow,
			TenantLimit:     int64(cfg.TenantRateLimit),
			TenantWindow:    cfg.TenantRateWindow,
			TypingDelayMax:  cfg.TypingDelayMax,
		},
		sessions, limiter, publisher, deadLetters, metrics,
	)
	deliveryConsumer, err := mq.NewConsumer(mqConn, mq.ConsumerConfig{
		Queue:       domain.OutboundQueue,
		Concurrency: cfg.DeliveryConcurrency,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.RetryBackoffBase,
	}, delivery.Handle, delivery.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("initialize delivery consumer: %w", err)
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := api.NewHandler(status, deadLetters, cfg.OpsToken)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer:       httpServer,
		Sessions:         sessions,
		redis:            redisClient,
		mqConn:           mqConn,
		pg:               pool,
		publisher:        publisher,
		commandConsumer:  commandConsumer,
		deliveryConsumer: deliveryConsumer,
	}, nil
}

// Start launches the queue consumers. The HTTP server is run by the caller.
func (s *Server) Start(ctx context.Context) error {
	if err := s.commandConsumer.Start(ctx); err != nil {
		return fmt.Errorf("start command consumer: %w", err)
	}
	if err := s.deliveryConsumer.Start(ctx); err != nil {
		return fmt.Errorf("start delivery consumer: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop taking work, then drain sessions so claims free up for the rest
	// of the fleet, then drop infra connections.
	s.commandConsumer.Close()
	s.deliveryConsumer.Close()
	s.Sessions.CloseAll(ctx)
	s.publisher.Close()
	_ = s.mqConn.Close()
	s.pg.Close()
	_ = s.redis.Close()
	return s.HTTPServer.Shutdown(ctx)
}

func commandDeadLetter(deadLetters *repository.DeadLetterRepository, metrics *observe.Metrics) mq.DeadLetterFunc {
	return func(ctx context.Context, body []byte, attempts int, lastErr error) {
		var cmd domain.Command
		_ = json.Unmarshal(body, &cmd)
		commonlog.Errorf("event=command_worker action=dead_letter type=%s tenant_id=%s attempts=%d error=%v", cmd.Type, cmd.TenantID, attempts, lastErr)
		metrics.DeadLetters.WithLabelValues(domain.CommandQueue).Inc()
		if _, err := deadLetters.Insert(ctx, domain.DeadLetter{
			Queue:     domain.CommandQueue,
			TenantID:  cmd.TenantID,
			Attempts:  attempts,
			Payload:   body,
			LastError: lastErr.Error(),
		}); err != nil {
			commonlog.Errorf("event=command_worker action=archive_dead_letter status=failed tenant_id=%s error=%v", cmd.TenantID, err)
		}
	}
}
