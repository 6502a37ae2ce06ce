package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the vmvalidate server and CLI.
type Config struct {
	Port     int
	APIKey   string
	LogLevel string

	// Worker pool / queue
	MaxWorkers int
	QueueSize  int

	// Filesystem layout
	DataDir     string // root for logs/ and submissions/, see §6.5
	ArchiveRoot string // submissions must resolve beneath this root; empty disables the check

	// Firecracker / jailer
	FirecrackerBin   string
	JailerBin        string
	KernelPath       string
	RootfsImagesDir  string // directory of candidate base rootfs images
	RootfsFlavor     string // selects <flavor>.ext4 (or <flavor>) within RootfsImagesDir
	JailerChrootBase string

	// Sandbox resource defaults
	DefaultTimeoutS int
	LaunchGraceS    int // SIGTERM -> SIGKILL grace after deadline

	// Guest network policy
	ProxyPort int // host-side HTTP forward proxy port, guest-visible
	DNSPort   int // host-side DNS resolver port

	// Credentials
	AccessTokenEnvVar string // guest env var name carrying the token, e.g. GOOGLE_OAUTH_ACCESS_TOKEN
	CredsFile         string
	DevTokenSecret    string // if set and no real creds configured, mint a dev JWT
	RefreshSkewS      int

	// Audit store
	DatabaseURL string // optional Postgres mirror
	NATSURL     string // optional event stream

	// Telemetry
	RedisURL string

	// S3 mirror for submissions (best-effort)
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret must be a JSON object with keys matching env
	// var names. Env vars take precedence over secret values.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If VMVALIDATE_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("VMVALIDATE_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("VMVALIDATE_API_KEY"),
		LogLevel: envOrDefault("VMVALIDATE_LOG_LEVEL", "info"),

		MaxWorkers: envOrDefaultInt("VMVALIDATE_SANDBOX_WORKERS", 4),
		QueueSize:  envOrDefaultInt("VMVALIDATE_SANDBOX_QUEUE_SIZE", 64),

		DataDir:     envOrDefault("VMVALIDATE_DATA_DIR", "./logs/validation"),
		ArchiveRoot: os.Getenv("VMVALIDATE_ARCHIVE_ROOT"),

		FirecrackerBin:   envOrDefault("VMVALIDATE_FIRECRACKER_BIN", "firecracker"),
		JailerBin:        envOrDefault("VMVALIDATE_JAILER_BIN", "jailer"),
		KernelPath:       os.Getenv("VMVALIDATE_KERNEL_PATH"),
		RootfsImagesDir:  envOrDefault("VMVALIDATE_ROOTFS_IMAGES_DIR", "/srv/rootfs"),
		RootfsFlavor:     envOrDefault("VMVALIDATE_ROOTFS_FLAVOR", "default"),
		JailerChrootBase: envOrDefault("VMVALIDATE_JAILER_CHROOT_BASE", "/srv/jailer"),

		DefaultTimeoutS: envOrDefaultInt("VMVALIDATE_DEFAULT_TIMEOUT_S", 120),
		LaunchGraceS:    envOrDefaultInt("VMVALIDATE_LAUNCH_GRACE_S", 5),

		ProxyPort: envOrDefaultInt("VMVALIDATE_PROXY_PORT", 8888),
		DNSPort:   envOrDefaultInt("VMVALIDATE_DNS_PORT", 53),

		AccessTokenEnvVar: envOrDefault("VMVALIDATE_TOKEN_ENV_VAR", "GOOGLE_OAUTH_ACCESS_TOKEN"),
		CredsFile:         os.Getenv("VMVALIDATE_CREDS_FILE"),
		DevTokenSecret:    os.Getenv("VMVALIDATE_DEV_TOKEN_SECRET"),
		RefreshSkewS:      envOrDefaultInt("VMVALIDATE_REFRESH_SKEW_S", 300),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		NATSURL:     os.Getenv("VMVALIDATE_NATS_URL"),

		RedisURL: os.Getenv("VMVALIDATE_REDIS_URL"),

		S3Bucket:          os.Getenv("VMVALIDATE_S3_BUCKET"),
		S3Region:          os.Getenv("VMVALIDATE_S3_REGION"),
		S3Endpoint:        os.Getenv("VMVALIDATE_S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("VMVALIDATE_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("VMVALIDATE_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("VMVALIDATE_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("VMVALIDATE_SECRETS_ARN"),
	}

	if portStr := os.Getenv("VMVALIDATE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid VMVALIDATE_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.RefreshSkewS < 30 {
		cfg.RefreshSkewS = 30
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
