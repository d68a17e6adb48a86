// Command server starts the StageTime video API service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stagetime/internal/api"
	"stagetime/internal/objectstore"
	"stagetime/internal/observability/logging"
	"stagetime/internal/observability/metrics"
	"stagetime/internal/pipeline"
	"stagetime/internal/progress"
	"stagetime/internal/server"
	"stagetime/internal/storage"
	"stagetime/internal/transcode"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening a Postgres connection")
	progressDriver := flag.String("progress-driver", "", "progress store driver (memory or redis)")
	redisAddr := flag.String("progress-redis-addr", "", "Redis address for the shared progress store")
	redisPassword := flag.String("progress-redis-password", "", "Redis password for the shared progress store")
	redisDB := flag.Int("progress-redis-db", 0, "Redis database index for the shared progress store")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. 127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPublicURL := flag.String("object-public-url", "", "public base URL for direct object access")
	objectEnsureBucket := flag.Bool("object-ensure-bucket", false, "create the bucket at startup when missing")
	ffmpegBinary := flag.String("ffmpeg-binary", "", "path to the ffmpeg executable")
	ffmpegSegmentSeconds := flag.Int("ffmpeg-segment-seconds", 0, "target HLS segment duration in seconds")
	ffmpegPreset := flag.String("ffmpeg-preset", "", "x264 encoder preset")
	ffmpegCRF := flag.Int("ffmpeg-crf", 0, "x264 constant rate factor")
	maxUploadMB := flag.Int64("max-upload-mb", 0, "maximum raw upload size in MiB")
	maxTranscodes := flag.Int64("max-concurrent-transcodes", 0, "maximum simultaneous transcode jobs")
	transcodeTimeout := flag.Duration("transcode-timeout", 0, "timeout for a single transcode job")
	signedURLTTL := flag.Duration("signed-url-ttl", 0, "lifetime of presigned upload and playback URLs")
	progressGrace := flag.Duration("progress-grace", 0, "how long terminal progress records stay readable")
	workDir := flag.String("work-dir", "", "scratch directory for transcode workspaces")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STAGETIME_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STAGETIME_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := buildRepository(ctx, repositoryConfig{
		Driver:         resolveString(*storageDriver, "STAGETIME_STORAGE_DRIVER"),
		DSN:            resolveString(*postgresDSN, "STAGETIME_POSTGRES_DSN"),
		MaxConns:       int32(resolveInt(*postgresMaxConns, "STAGETIME_POSTGRES_MAX_CONNS")),
		MinConns:       int32(resolveInt(*postgresMinConns, "STAGETIME_POSTGRES_MIN_CONNS")),
		ConnectTimeout: resolveDuration(*postgresConnectTimeout, "STAGETIME_POSTGRES_CONNECT_TIMEOUT"),
	}, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("datastore close failed", "error", err)
		}
	}()

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:      resolveString(*objectEndpoint, "STAGETIME_OBJECT_ENDPOINT"),
		AccessKey:     resolveString(*objectAccessKey, "STAGETIME_OBJECT_ACCESS_KEY"),
		SecretKey:     resolveString(*objectSecretKey, "STAGETIME_OBJECT_SECRET_KEY"),
		Bucket:        resolveString(*objectBucket, "STAGETIME_OBJECT_BUCKET"),
		Region:        resolveString(*objectRegion, "STAGETIME_OBJECT_REGION"),
		UseSSL:        resolveBool(*objectUseSSL, "STAGETIME_OBJECT_USE_SSL"),
		PublicBaseURL: resolveString(*objectPublicURL, "STAGETIME_OBJECT_PUBLIC_URL"),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}
	if resolveBool(*objectEnsureBucket, "STAGETIME_OBJECT_ENSURE_BUCKET") {
		if err := objectstore.EnsureBucket(ctx, objects); err != nil {
			logger.Error("failed to ensure bucket", "error", err)
			os.Exit(1)
		}
	}

	progressStore, err := buildProgressStore(progressConfig{
		Driver:   resolveString(*progressDriver, "STAGETIME_PROGRESS_DRIVER"),
		Addr:     resolveString(*redisAddr, "STAGETIME_PROGRESS_REDIS_ADDR"),
		Password: resolveString(*redisPassword, "STAGETIME_PROGRESS_REDIS_PASSWORD"),
		DB:       resolveInt(*redisDB, "STAGETIME_PROGRESS_REDIS_DB"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure progress store", "error", err)
		os.Exit(1)
	}

	transcoder := &transcode.FFmpeg{
		Binary:         resolveString(*ffmpegBinary, "STAGETIME_FFMPEG_BINARY"),
		SegmentSeconds: resolveInt(*ffmpegSegmentSeconds, "STAGETIME_FFMPEG_SEGMENT_SECONDS"),
		Preset:         resolveString(*ffmpegPreset, "STAGETIME_FFMPEG_PRESET"),
		CRF:            resolveInt(*ffmpegCRF, "STAGETIME_FFMPEG_CRF"),
		Logger:         logging.WithComponent(logger, "transcode"),
	}

	p := pipeline.New(repo, objects, transcoder, progressStore, recorder, logger, pipeline.Config{
		MaxUploadBytes:          resolveInt64(*maxUploadMB, "STAGETIME_MAX_UPLOAD_MB") << 20,
		SignedURLTTL:            resolveDuration(*signedURLTTL, "STAGETIME_SIGNED_URL_TTL"),
		TranscodeTimeout:        resolveDuration(*transcodeTimeout, "STAGETIME_TRANSCODE_TIMEOUT"),
		MaxConcurrentTranscodes: resolveInt64(*maxTranscodes, "STAGETIME_MAX_CONCURRENT_TRANSCODES"),
		WorkDir:                 resolveString(*workDir, "STAGETIME_WORK_DIR"),
		ProgressGrace:           resolveDuration(*progressGrace, "STAGETIME_PROGRESS_GRACE"),
	})

	handler := api.NewHandler(repo, p, progressStore, objects, logger)

	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(resolveString(*addr, "STAGETIME_ADDR"), ":8080"),
		TLS: server.TLSConfig{
			CertFile: resolveString(*tlsCert, "STAGETIME_TLS_CERT"),
			KeyFile:  resolveString(*tlsKey, "STAGETIME_TLS_KEY"),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitList(resolveString(*corsOrigins, "STAGETIME_CORS_ORIGINS")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure server", "error", err)
		os.Exit(1)
	}

	logger.Info("server starting", "addr", firstNonEmpty(resolveString(*addr, "STAGETIME_ADDR"), ":8080"))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type repositoryConfig struct {
	Driver         string
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

func buildRepository(ctx context.Context, cfg repositoryConfig, logger *slog.Logger) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.DSN) != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "postgres":
		logger.Info("using postgres datastore")
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             cfg.DSN,
			MaxConnections:  cfg.MaxConns,
			MinConnections:  cfg.MinConns,
			ConnectTimeout:  cfg.ConnectTimeout,
			ApplicationName: "stagetime",
		})
	case "memory":
		logger.Warn("using in-memory datastore, submissions will not survive restarts")
		return storage.NewMemoryRepository(), nil
	default:
		return nil, &unknownDriverError{kind: "storage", driver: driver}
	}
}

type progressConfig struct {
	Driver   string
	Addr     string
	Password string
	DB       int
}

func buildProgressStore(cfg progressConfig, logger *slog.Logger) (progress.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.Addr) != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, errors.New("redis progress store requires an address")
		}
		logger.Info("using redis progress store", "addr", cfg.Addr)
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return progress.NewRedisStore(progress.RedisStoreConfig{
			Client: client,
			Logger: logging.WithComponent(logger, "progress"),
		}), nil
	case "memory":
		return progress.NewMemoryStore(), nil
	default:
		return nil, &unknownDriverError{kind: "progress", driver: driver}
	}
}

type unknownDriverError struct {
	kind   string
	driver string
}

func (e *unknownDriverError) Error() string {
	return "unknown " + e.kind + " driver " + strconv.Quote(e.driver)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func resolveString(flagValue, envKey string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return strings.TrimSpace(os.Getenv(envKey))
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseInt(env, 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return false
}

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return 0
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
