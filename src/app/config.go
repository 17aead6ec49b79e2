package app

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

type envVars struct {
	Environment string `envconfig:"ENVIRONMENT"     default:"dev"`
	DataDir     string `envconfig:"DATA_DIR"        default:"./data"`
	DBFileName  string `envconfig:"DB_FILE_NAME"    default:"minirel.db"`

	BufferPoolSize uint64 `envconfig:"BUFFERPOOL_SIZE" default:"64"`
	ReplacerPolicy string `envconfig:"REPLACER_POLICY" default:"lru"`

	LeafMaxSize     uint32 `envconfig:"BTREE_LEAF_MAX_SIZE"     default:"32"`
	InternalMaxSize uint32 `envconfig:"BTREE_INTERNAL_MAX_SIZE" default:"32"`

	DeadlockDetectionInterval time.Duration `envconfig:"DEADLOCK_DETECTION_INTERVAL" default:"50ms"`

	EnableLogging bool `envconfig:"ENABLE_LOGGING" default:"true"`
}

func mustLoadEnv() envVars {
	_ = godotenv.Load()

	var env envVars
	envconfig.MustProcess("", &env)
	return env
}
