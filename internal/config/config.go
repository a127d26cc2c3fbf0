// Package config loads the environment-driven configuration named in
// SPEC_FULL.md §6. It follows the teacher's Config/DefaultConfig shape
// rather than a third-party config-loading library (see DESIGN.md).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every recognized environment option, defaulted.
type Config struct {
	HTTPPort      int
	EnableHTTP    bool
	PayloadMaxBytes int64

	SyncWaitTimeout  time.Duration
	RequestTTL       time.Duration
	LifecycleBlock   time.Duration
	RequestStreamBlock time.Duration
	MaxTaskRetries   int
	TaskWaitTimeout  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	IngressConsumerGroup     string
	OrchestratorConsumerGroup string
	TaskConsumerGroup        string

	WorkerConcurrency int

	OrchestratorPollBlock    time.Duration
	GroupCompletionDeadline  time.Duration

	ReplicaReadRetryAttempts int
	ReplicaReadRetryBackoff time.Duration

	ConsumerGroupCleanupInterval time.Duration

	ReclaimInterval   time.Duration
	ReclaimIdleTimeout time.Duration
	ReclaimBatchSize  int64

	MetricsPort int
}

// Default returns the documented defaults from SPEC_FULL.md §6.
func Default() Config {
	return Config{
		HTTPPort:        8080,
		EnableHTTP:      true,
		PayloadMaxBytes: 1 << 20,

		SyncWaitTimeout:    120 * time.Second,
		RequestTTL:         24 * time.Hour,
		LifecycleBlock:     time.Second,
		RequestStreamBlock: 5 * time.Second,
		MaxTaskRetries:     3,
		TaskWaitTimeout:    10 * time.Second,

		RedisAddr:     "localhost:6379",
		RedisPassword: "",
		RedisDB:       0,
		KeyPrefix:     "vnml",

		IngressConsumerGroup:      "front-ingress",
		OrchestratorConsumerGroup: "orchestrators",
		TaskConsumerGroup:         "task-workers",

		WorkerConcurrency: 16,

		OrchestratorPollBlock:   5 * time.Second,
		GroupCompletionDeadline: 5 * time.Minute,

		ReplicaReadRetryAttempts: 5,
		ReplicaReadRetryBackoff:  100 * time.Millisecond,

		ConsumerGroupCleanupInterval: 5 * time.Minute,

		ReclaimInterval:    30 * time.Second,
		ReclaimIdleTimeout: 60 * time.Second,
		ReclaimBatchSize:   10,

		MetricsPort: 9090,
	}
}

// FromEnv overlays environment variables onto Default(), leaving any unset
// variable at its default value.
func FromEnv() Config {
	cfg := Default()

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.EnableHTTP = envBool("ENABLE_HTTP", cfg.EnableHTTP)
	cfg.PayloadMaxBytes = envInt64("PAYLOAD_MAX_BYTES", cfg.PayloadMaxBytes)

	cfg.SyncWaitTimeout = envDurationMS("SYNC_WAIT_TIMEOUT_MS", cfg.SyncWaitTimeout)
	cfg.RequestTTL = envDurationS("REQUEST_TTL_SECONDS", cfg.RequestTTL)
	cfg.LifecycleBlock = envDurationMS("LIFECYCLE_BLOCK_MS", cfg.LifecycleBlock)
	cfg.RequestStreamBlock = envDurationMS("REQUEST_STREAM_BLOCK_MS", cfg.RequestStreamBlock)
	cfg.MaxTaskRetries = envInt("MAX_TASK_RETRIES", cfg.MaxTaskRetries)
	cfg.TaskWaitTimeout = envDurationMS("TASK_WAIT_TIMEOUT_MS", cfg.TaskWaitTimeout)

	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.KeyPrefix = envString("KEY_PREFIX", cfg.KeyPrefix)

	cfg.IngressConsumerGroup = envString("INGRESS_CONSUMER_GROUP", cfg.IngressConsumerGroup)
	cfg.OrchestratorConsumerGroup = envString("ORCHESTRATOR_CONSUMER_GROUP", cfg.OrchestratorConsumerGroup)
	cfg.TaskConsumerGroup = envString("TASK_CONSUMER_GROUP", cfg.TaskConsumerGroup)

	cfg.WorkerConcurrency = envInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)

	cfg.OrchestratorPollBlock = envDurationMS("ORCHESTRATOR_POLL_BLOCK_MS", cfg.OrchestratorPollBlock)
	cfg.GroupCompletionDeadline = envDurationMS("GROUP_COMPLETION_DEADLINE_MS", cfg.GroupCompletionDeadline)

	cfg.ReplicaReadRetryAttempts = envInt("REPLICA_READ_RETRY_ATTEMPTS", cfg.ReplicaReadRetryAttempts)
	cfg.ReplicaReadRetryBackoff = envDurationMS("REPLICA_READ_RETRY_BACKOFF_MS", cfg.ReplicaReadRetryBackoff)

	cfg.ConsumerGroupCleanupInterval = envDurationS("CONSUMER_GROUP_CLEANUP_INTERVAL_S", cfg.ConsumerGroupCleanupInterval)

	cfg.ReclaimInterval = envDurationMS("RECLAIM_INTERVAL_MS", cfg.ReclaimInterval)
	cfg.ReclaimIdleTimeout = envDurationMS("RECLAIM_IDLE_TIMEOUT_MS", cfg.ReclaimIdleTimeout)
	cfg.ReclaimBatchSize = int64(envInt("RECLAIM_BATCH_SIZE", int(cfg.ReclaimBatchSize)))

	cfg.MetricsPort = envInt("METRICS_PORT", cfg.MetricsPort)

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func envDurationS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
