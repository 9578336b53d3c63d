package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// QueueName is the durable queue shared by the API and the consumer.
const QueueName = "scan_queue"

type Config struct {
	Env         string `yaml:"env"`
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	FrontLink   string `yaml:"front_link"`

	Pool     PoolConfig     `yaml:"pool"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Slack    SlackConfig    `yaml:"slack"`
	Engine   EngineConfig   `yaml:"engine"`
}

type PoolConfig struct {
	Workers         int `yaml:"workers"`
	FastLaneWorkers int `yaml:"fast_lane_workers"`
	FastLaneQueue   int `yaml:"fast_lane_queue"`
}

type RabbitMQConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// URL is the AMQP connection string.
func (r RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/",
	}
	return u.String()
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	SSL      bool   `yaml:"ssl"`
}

func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.Username != "" && s.Password != ""
}

// SlackConfig is the process-wide fallback used when a user has no chat
// settings of their own.
type SlackConfig struct {
	Token     string  `yaml:"token"`
	ChannelID string  `yaml:"channel_id"`
	APIURL    string  `yaml:"api_url"`
	RateLimit float64 `yaml:"rate_limit"`
}

type EngineConfig struct {
	ResultsDir     string              `yaml:"results_dir"`
	AttachmentWait time.Duration       `yaml:"attachment_wait"`
	Tools          map[string][]string `yaml:"tools"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(v); err == nil {
			return out
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseBool(v); err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if out, err := time.ParseDuration(v); err == nil {
			return out
		}
	}
	return def
}

func Defaults() Config {
	return Config{
		Env:        "development",
		ListenAddr: ":8080",
		LogLevel:   "info",
		Pool: PoolConfig{
			Workers:         3,
			FastLaneWorkers: 4,
			FastLaneQueue:   16,
		},
		RabbitMQ: RabbitMQConfig{
			Host:        "localhost",
			Port:        5672,
			User:        "user",
			Password:    "pass",
			Heartbeat:   600 * time.Second,
			DialTimeout: 10 * time.Second,
			MaxRetries:  10,
			RetryDelay:  5 * time.Second,
		},
		SMTP:   SMTPConfig{Port: 465, SSL: true},
		Slack:  SlackConfig{RateLimit: 1},
		Engine: EngineConfig{ResultsDir: "results", AttachmentWait: 10 * time.Second},
	}
}

// Load reads .env files, then the optional YAML file named by CONFIG_FILE,
// then environment variables. Later sources win.
func Load() (Config, error) {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.FrontLink = getenv("FRONT_LINK", cfg.FrontLink)

	cfg.Pool.Workers = getenvInt("SCAN_WORKERS", cfg.Pool.Workers)
	cfg.Pool.FastLaneWorkers = getenvInt("FAST_LANE_WORKERS", cfg.Pool.FastLaneWorkers)
	cfg.Pool.FastLaneQueue = getenvInt("FAST_LANE_QUEUE", cfg.Pool.FastLaneQueue)

	cfg.RabbitMQ.Host = getenv("RABBITMQ_HOST", cfg.RabbitMQ.Host)
	cfg.RabbitMQ.Port = getenvInt("RABBITMQ_PORT", cfg.RabbitMQ.Port)
	cfg.RabbitMQ.User = getenv("RABBITMQ_USER", cfg.RabbitMQ.User)
	cfg.RabbitMQ.Password = getenv("RABBITMQ_PASS", cfg.RabbitMQ.Password)
	cfg.RabbitMQ.MaxRetries = getenvInt("RABBITMQ_MAX_RETRIES", cfg.RabbitMQ.MaxRetries)
	cfg.RabbitMQ.RetryDelay = getenvDuration("RABBITMQ_RETRY_DELAY", cfg.RabbitMQ.RetryDelay)

	cfg.Redis.Address = getenv("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getenv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvInt("REDIS_DB", cfg.Redis.DB)

	cfg.SMTP.Host = getenv("SMTP_SERVER", cfg.SMTP.Host)
	cfg.SMTP.Port = getenvInt("SMTP_PORT", cfg.SMTP.Port)
	cfg.SMTP.Username = getenv("SMTP_USERNAME", cfg.SMTP.Username)
	cfg.SMTP.Password = getenv("SMTP_PASSWORD", cfg.SMTP.Password)
	cfg.SMTP.From = getenv("SMTP_FROM", cfg.SMTP.From)
	cfg.SMTP.SSL = getenvBool("SMTP_SSL", cfg.SMTP.SSL)

	cfg.Slack.Token = getenv("SLACK_TOKEN", cfg.Slack.Token)
	cfg.Slack.ChannelID = getenv("SLACK_CHANNEL_ID", cfg.Slack.ChannelID)

	cfg.Engine.ResultsDir = getenv("RESULTS_DIR", cfg.Engine.ResultsDir)
	cfg.Engine.AttachmentWait = getenvDuration("ATTACHMENT_WAIT", cfg.Engine.AttachmentWait)
}

// Validate reports settings no component can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Pool.Workers < 1 {
		errs = append(errs, errors.New("SCAN_WORKERS must be at least 1"))
	}
	if c.Pool.FastLaneWorkers < 1 {
		errs = append(errs, errors.New("FAST_LANE_WORKERS must be at least 1"))
	}
	if c.Pool.FastLaneQueue < 0 {
		errs = append(errs, errors.New("FAST_LANE_QUEUE must not be negative"))
	}
	if c.RabbitMQ.MaxRetries < 1 {
		errs = append(errs, errors.New("RABBITMQ_MAX_RETRIES must be at least 1"))
	}
	if c.Engine.ResultsDir == "" {
		errs = append(errs, errors.New("RESULTS_DIR is required"))
	}
	return errors.Join(errs...)
}
