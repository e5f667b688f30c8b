package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	httpMW "github.com/yungbote/askpdf-backend/internal/http/middleware"
	"github.com/yungbote/askpdf-backend/internal/modules/answer"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
)

const serviceName = "askpdf-backend"

type Config struct {
	Env     string
	Version string
	Port    string

	Auth           httpMW.AuthConfig
	AllowedOrigins []string

	// Empty RedisAddr keeps the URL cache and realtime fan-out in process.
	RedisAddr      string
	RedisChannel   string
	URLCachePrefix string

	ResumeOnStart   bool
	ShutdownTimeout time.Duration

	Retrieval retrieval.Config
	Models    answer.Models
}

// fileConfig is the optional YAML file named by CONFIG_FILE.
type fileConfig struct {
	AllowedOrigins []string         `yaml:"allowed_origins"`
	Retrieval      retrieval.Config `yaml:"retrieval"`
	Models         answer.Models    `yaml:"models"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Retrieval: retrieval.DefaultConfig(),
		Models:    answer.Models{DefaultMode: answer.ModeStandard},
	}
}

// loadFile reads path over the defaults. A missing file is not an error.
func loadFile(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig reads CONFIG_FILE (if any) and then the environment, which wins.
// The caller loads .env before building the logger.
func LoadConfig(log *logger.Logger) (Config, error) {
	path := envutil.String("CONFIG_FILE", "")
	file, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		log.Info("Loaded config file", "path", path)
	}

	origins := file.AllowedOrigins
	if raw := envutil.String("CORS_ALLOWED_ORIGINS", ""); raw != "" {
		origins = splitList(raw)
	}

	cfg := Config{
		Env:     envutil.String("APP_ENV", "development"),
		Version: envutil.String("APP_VERSION", "dev"),
		Port:    envutil.String("PORT", "8080"),
		Auth: httpMW.AuthConfig{
			Secret:   envutil.String("AUTH_JWT_SECRET", ""),
			Audience: envutil.String("AUTH_JWT_AUDIENCE", "authenticated"),
		},
		AllowedOrigins:  origins,
		RedisAddr:       envutil.String("REDIS_ADDR", ""),
		RedisChannel:    envutil.String("REDIS_CHANNEL", "askpdf:sse"),
		URLCachePrefix:  envutil.String("REDIS_URL_CACHE_PREFIX", "askpdf:signed-url:"),
		ResumeOnStart:   envutil.Bool("INGEST_RESUME_ON_START", true),
		ShutdownTimeout: envutil.Seconds("SHUTDOWN_TIMEOUT_SECONDS", 20*time.Second),
		Retrieval:       file.Retrieval.ApplyEnv(),
		Models:          file.Models.ApplyEnv(),
	}
	if cfg.Auth.Secret == "" {
		return cfg, fmt.Errorf("missing env var AUTH_JWT_SECRET")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
