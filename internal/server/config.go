package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Status store backends.
const (
	StoreNATS   = "nats"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// BrokerPort is the fixed NATS client port.
const BrokerPort = "4222"

// Config holds process configuration from environment variables.
type Config struct {
	Port        string
	GRPCPort    string
	MetricsPort string
	LogLevel    slog.Level

	NatsURL        string
	BrokerUser     string
	BrokerPassword string

	StatusBackend string
	RedisURL      string

	StorageDir          string
	MaxUploadBytes      int64
	APIKey              string
	AllowInsecureNoAuth bool

	SlidingTTL     time.Duration
	AbsoluteTTL    time.Duration
	SettleDelay    time.Duration
	ConfirmTimeout time.Duration
	AckWait        time.Duration
	MaxDeliver     int
	RetryBase      time.Duration
	RetryMax       time.Duration

	SweepAge      time.Duration
	SweepSchedule string

	Tesseract   string
	OCRLang     string
	TessdataDir string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads an optional .env file, then configuration from
// environment variables with defaults. Variables already set win over the
// file.
func LoadConfig() Config {
	if err := godotenv.Load(getEnv("IMAGEPIPE_ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "error", err)
	}

	return Config{
		Port:        getEnv("IMAGEPIPE_PORT", "8080"),
		GRPCPort:    getEnv("IMAGEPIPE_GRPC_PORT", "9090"),
		MetricsPort: getEnv("IMAGEPIPE_METRICS_PORT", "9100"),
		LogLevel:    parseLevel(getEnv("IMAGEPIPE_LOG_LEVEL", "info")),

		NatsURL:        brokerURL(),
		BrokerUser:     getEnv("IMAGEPIPE_BROKER_USER", ""),
		BrokerPassword: getEnv("IMAGEPIPE_BROKER_PASSWORD", ""),

		StatusBackend: strings.ToLower(getEnv("IMAGEPIPE_STATUS_BACKEND", StoreNATS)),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),

		StorageDir:          getEnv("IMAGEPIPE_STORAGE_DIR", "./storage"),
		MaxUploadBytes:      int64(getEnvInt("IMAGEPIPE_MAX_UPLOAD_BYTES", 32<<20)),
		APIKey:              getEnv("IMAGEPIPE_API_KEY", ""),
		AllowInsecureNoAuth: getEnv("IMAGEPIPE_ALLOW_INSECURE_NO_AUTH", "") == "true",

		SlidingTTL:     getEnvDuration("IMAGEPIPE_STATUS_TTL", 2*time.Minute),
		AbsoluteTTL:    getEnvDuration("IMAGEPIPE_STATUS_MAX_AGE", 15*time.Minute),
		SettleDelay:    getEnvDuration("IMAGEPIPE_SETTLE_DELAY", 2*time.Second),
		ConfirmTimeout: getEnvDuration("IMAGEPIPE_CONFIRM_TIMEOUT", 5*time.Second),
		AckWait:        getEnvDuration("IMAGEPIPE_ACK_WAIT", 30*time.Second),
		MaxDeliver:     getEnvInt("IMAGEPIPE_MAX_DELIVER", 5),
		RetryBase:      getEnvDuration("IMAGEPIPE_RETRY_BASE", time.Second),
		RetryMax:       getEnvDuration("IMAGEPIPE_RETRY_MAX", time.Minute),

		SweepAge:      getEnvDuration("IMAGEPIPE_SWEEP_AGE", 24*time.Hour),
		SweepSchedule: getEnv("IMAGEPIPE_SWEEP_SCHEDULE", "@every 1h"),

		Tesseract:   getEnv("IMAGEPIPE_TESSERACT", "tesseract"),
		OCRLang:     getEnv("IMAGEPIPE_OCR_LANG", "eng"),
		TessdataDir: getEnv("IMAGEPIPE_TESSDATA_DIR", ""),

		ReadTimeout:     getEnvDuration("IMAGEPIPE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("IMAGEPIPE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("IMAGEPIPE_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("IMAGEPIPE_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// ErrAckWaitTooLong is returned by Validate when a redelivery could arrive
// after the status window has expired its job.
var ErrAckWaitTooLong = errors.New("ack wait plus settle delay must be below the status window")

// Validate checks settings that only make sense together.
func (c Config) Validate() error {
	if c.SlidingTTL > 0 && c.AckWait+c.SettleDelay >= c.SlidingTTL {
		return fmt.Errorf("%w: %v + %v >= %v", ErrAckWaitTooLong, c.AckWait, c.SettleDelay, c.SlidingTTL)
	}
	return nil
}

// BrokerCredentials returns the user and password a stage connects with.
// The user defaults to the stage identity.
func (c Config) BrokerCredentials(stage string) (string, string) {
	user := c.BrokerUser
	if user == "" {
		user = stage
	}
	return user, c.BrokerPassword
}

// brokerURL prefers NATS_URL, then IMAGEPIPE_BROKER_HOST on the fixed port.
func brokerURL() string {
	if url, ok := os.LookupEnv("NATS_URL"); ok && url != "" {
		return url
	}
	host := getEnv("IMAGEPIPE_BROKER_HOST", "localhost")
	return "nats://" + net.JoinHostPort(host, BrokerPort)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
