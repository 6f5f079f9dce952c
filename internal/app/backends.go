package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/adapter/dynamo"
	"github.com/jun/wopihost/internal/adapter/memory"
	"github.com/jun/wopihost/internal/adapter/postgres"
	s3store "github.com/jun/wopihost/internal/adapter/s3"
	"github.com/jun/wopihost/internal/config"
	"github.com/jun/wopihost/internal/handler"
	"github.com/jun/wopihost/internal/lock"
	"github.com/jun/wopihost/internal/metrics"
	"github.com/jun/wopihost/internal/secret"
)

// NewApp builds the backends selected by cfg and the handlers on top of them.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
	}

	locks, err := app.newLockManager(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	blobs := newBlobStore(cfg, awsCfg)
	docs, err := app.newMetadataStore(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	var resolver secret.Resolver
	if cfg.DevMode {
		resolver = secret.NewEnvResolver()
		logger.Info("using environment secret resolver (dev mode)")
	} else if cfg.Auth.JWTSecretParam != "" {
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
	}
	jwtSecret := ""
	if resolver != nil {
		jwtSecret, err = secret.Optional(ctx, resolver, cfg.Auth.JWTSecretParam)
		if err != nil {
			return nil, fmt.Errorf("resolve jwt secret: %w", err)
		}
	}
	if jwtSecret == "" {
		logger.Warn("access tokens are not verified; any non-empty token is accepted")
	}

	files := handler.FileSettings{
		Extension:   cfg.Blob.Extension,
		ContentType: cfg.Blob.ContentType,
	}
	if cfg.DevMode && cfg.Blob.Backend == config.BackendMemory {
		if err := seedDemoDocument(ctx, blobs, files.BlobKey(DemoFileID), time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	if len(cfg.Callback.AllowedHosts) == 0 {
		logger.Warn("callback downloads are not restricted; set callback.allowed_hosts")
	}
	app.wopiHandler = handler.NewWOPIHandler(locks, blobs, docs, files, jwtSecret, logger, m)
	app.callbackHandler = handler.NewCallbackHandler(blobs, docs, files, handler.CallbackOptions{
		MaxBytes:     cfg.Server.MaxBodyBytes,
		AllowedHosts: cfg.Callback.AllowedHosts,
	}, logger, m)

	logger.Info("backends ready",
		zap.String("lock", cfg.Lock.Backend),
		zap.String("blob", cfg.Blob.Backend),
		zap.String("metadata", cfg.Metadata.Backend))
	ok = true
	return app, nil
}

func (app *App) newLockManager(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (lock.Manager, error) {
	opts := []lock.Option{lock.WithTTL(cfg.Lock.TTL)}

	switch cfg.Lock.Backend {
	case config.BackendDynamoDB:
		return lock.NewDynamoManager(dynamodb.NewFromConfig(awsCfg), cfg.Lock.Table, opts...), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		app.closers = append(app.closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Lock.Redis.Addr, err)
		}
		return lock.NewRedisManager(client, cfg.Lock.Redis.KeyPrefix, opts...), nil
	default:
		return lock.NewMemoryManager(cfg.Lock.Stripes, opts...), nil
	}
}

func newBlobStore(cfg *config.Config, awsCfg aws.Config) adapter.BlobStore {
	if cfg.Blob.Backend != config.BackendS3 {
		return memory.NewBlobStore(cfg.Server.MaxBodyBytes)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Blob.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Blob.Endpoint)
		}
		o.UsePathStyle = cfg.Blob.UsePathStyle
	})
	return s3store.NewBlobStore(client, cfg.Blob.Bucket, cfg.Blob.KeyPrefix)
}

func (app *App) newMetadataStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (adapter.MetadataStore, error) {
	switch cfg.Metadata.Backend {
	case config.BackendDynamoDB:
		return dynamo.NewMetadataStore(dynamodb.NewFromConfig(awsCfg), cfg.Metadata.Table, cfg.Metadata.VersionsTable), nil
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Metadata.PostgresDSN)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)
		return postgres.NewMetadataStore(db), nil
	default:
		store := memory.NewMetadataStore()
		if cfg.DevMode {
			store.Put(demoMetadata(time.Now().UTC()))
		}
		return store, nil
	}
}
