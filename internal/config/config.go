package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Embedding   EmbeddingConfig
	Recognition RecognitionConfig `yaml:"recognition"`
	Storage     StorageConfig
	Database    DatabaseConfig
	ERPNext     ERPNextConfig
	Web         WebConfig
}

type EmbeddingConfig struct {
	URL   string // defaults to http://localhost:8000
	Dim   int    // defaults to 512
	Model string // reported by the health endpoint, defaults to buffalo_l
}

type RecognitionConfig struct {
	Threshold            float64      `yaml:"threshold"`
	TopK                 int          `yaml:"top_k"`
	MaxImagesPerIdentity int          `yaml:"max_images_per_identity"` // per enrollment call, 0 disables the cap
	ExtractWorkers       int          `yaml:"extract_workers"`
	Selfie               SelfieConfig `yaml:"selfie"`
}

type SelfieConfig struct {
	MaxWidth int  `yaml:"max_width"`
	Quality  int  `yaml:"quality"`
	Mirror   bool `yaml:"mirror"`
}

type StorageConfig struct {
	SnapshotBackend string // "file" (default) or "postgres"
	SnapshotDir     string // gob snapshots, one file per site
	IdentityDir     string // SQLite identity databases, one file per site
	FacesDir        string // original enrollment images, empty disables archiving
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL, empty uses SQLite for identities
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type ERPNextConfig struct {
	URL         string
	APIKey      string
	APISecret   string
	Timeout     time.Duration
	DatabaseURL string // MariaDB DSN for employee names (e.g., erp:erp@tcp(mariadb:3306)/erpnext), optional
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envCount is envInt that also accepts zero.
func envCount(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in [0, 1].
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= 1 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() *Config {
	var defaults Config
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	rec := defaults.Recognition

	return &Config{
		Embedding: EmbeddingConfig{
			URL:   envString("EMBEDDING_URL", "http://localhost:8000"),
			Dim:   envInt("EMBEDDING_DIM", 512),
			Model: envString("EMBEDDING_MODEL", "buffalo_l"),
		},
		Recognition: RecognitionConfig{
			Threshold:            envFloat("RECOGNITION_THRESHOLD", rec.Threshold),
			TopK:                 envInt("RECOGNITION_TOP_K", rec.TopK),
			MaxImagesPerIdentity: envCount("MAX_IMAGES_PER_IDENTITY", rec.MaxImagesPerIdentity),
			ExtractWorkers:       envInt("EXTRACT_WORKERS", rec.ExtractWorkers),
			Selfie: SelfieConfig{
				MaxWidth: envInt("SELFIE_MAX_WIDTH", rec.Selfie.MaxWidth),
				Quality:  envInt("SELFIE_QUALITY", rec.Selfie.Quality),
				Mirror:   rec.Selfie.Mirror && os.Getenv("SELFIE_MIRROR") != "false",
			},
		},
		Storage: StorageConfig{
			SnapshotBackend: envString("SNAPSHOT_BACKEND", "file"),
			SnapshotDir:     envString("SNAPSHOT_DIR", "data/snapshots"),
			IdentityDir:     envString("IDENTITY_DB_DIR", "data/sites"),
			FacesDir:        os.Getenv("FACES_DIR"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		ERPNext: ERPNextConfig{
			URL:         os.Getenv("ERP_URL"),
			APIKey:      os.Getenv("ERP_KEY"),
			APISecret:   os.Getenv("ERP_SECRET"),
			Timeout:     time.Duration(envInt("ERP_TIMEOUT_SECONDS", 15)) * time.Second,
			DatabaseURL: os.Getenv("ERP_DATABASE_URL"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
	}
}
