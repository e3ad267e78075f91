package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the full server configuration, loaded once from the environment.
type Config struct {
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// APIKey guards the job submission API. Empty disables the check.
	APIKey string `env:"API_KEY"`

	// WorkerToken is the shared secret workers present at registration.
	WorkerToken string `env:"WORKER_TOKEN,notEmpty"`

	// StorageBackend selects the blob provider: filesystem, minio or redis.
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"filesystem"`
	StoragePath    string `env:"STORAGE_PATH" envDefault:"./data"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"gridlike"`
	MinioSSL       bool   `env:"MINIO_SSL"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parsing environment")
	}
	return c, nil
}
