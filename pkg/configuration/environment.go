package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/invory/hierarchies/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

type DatabaseOptions struct {
	// Full DSN. Takes precedence over the individual fields when set.
	URL      string `env:"DATABASE_URL"`
	Name     string `env:"DB_NAME" envDefault:"hierarchies"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type KafkaOptions struct {
	// Comma-separated seed brokers.
	URL             string   `env:"KAFKA_URL" envDefault:"localhost:9092"`
	SubscribeTopics []string `env:"KAFKA_SUBSCRIBE_TOPICS" envSeparator:"," envDefault:"inventory.changes"`
	// Base consumer group id; each hierarchy consumer appends _<hierarchy_id>.
	ConsumerGroupID   string `env:"KAFKA_CONSUMER_GROUP_ID" envDefault:"hierarchies"`
	ProducerTopic     string `env:"KAFKA_PRODUCER_TOPIC" envDefault:"hierarchy.changes"`
	ProducerMaxMsgLen int    `env:"KAFKA_PRODUCER_MSG_MAX_MSG_LEN" envDefault:"1000"`
	Secured           bool   `env:"KAFKA_SECURED" envDefault:"false"`

	PollTimeout          time.Duration `env:"KAFKA_POLL_TIMEOUT" envDefault:"2s"`
	IdlePollsBeforeDrain int           `env:"KAFKA_IDLE_POLLS_BEFORE_DRAIN" envDefault:"5"`
}

func (k *KafkaOptions) Brokers() []string {
	parts := strings.Split(k.URL, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type KeycloakOptions struct {
	TokenURL     string `env:"KEYCLOAK_TOKEN_URL"`
	ClientID     string `env:"KEYCLOAK_CLIENT_ID"`
	ClientSecret string `env:"KEYCLOAK_CLIENT_SECRET"`
}

type InventoryOptions struct {
	GRPCURL string        `env:"INVENTORY_GRPC_URL" envDefault:"localhost:50051"`
	Timeout time.Duration `env:"INVENTORY_RPC_TIMEOUT" envDefault:"10s"`
}

type ElasticOptions struct {
	// Empty URL disables the search mirror.
	URL string `env:"ELASTIC_URL"`
}

type Configuration struct {
	Database  DatabaseOptions
	Kafka     KafkaOptions
	Keycloak  KeycloakOptions
	Inventory InventoryOptions
	Elastic   ElasticOptions

	// Chunk size for streamed deletes and selects.
	PostgresItemsLimitInQuery int `env:"POSTGRES_ITEMS_LIMIT_IN_QUERY" envDefault:"32000"`
	// Chunk size for child-count recomputation.
	LimitOfPostgresResultsPerStep int `env:"LIMIT_OF_POSTGRES_RESULTS_PER_STEP" envDefault:"50000"`

	WatchdogSleepTime time.Duration `env:"WATCHDOG_SLEEP_TIME" envDefault:"5s"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2112"`

	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger
	return nil
}

func (c *Configuration) validate() error {
	if c.PostgresItemsLimitInQuery < 1 {
		return fmt.Errorf("POSTGRES_ITEMS_LIMIT_IN_QUERY must be positive, got %d", c.PostgresItemsLimitInQuery)
	}
	if c.LimitOfPostgresResultsPerStep < 1 {
		return fmt.Errorf("LIMIT_OF_POSTGRES_RESULTS_PER_STEP must be positive, got %d", c.LimitOfPostgresResultsPerStep)
	}
	if c.Kafka.ProducerMaxMsgLen < 1 {
		return fmt.Errorf("KAFKA_PRODUCER_MSG_MAX_MSG_LEN must be positive, got %d", c.Kafka.ProducerMaxMsgLen)
	}
	if len(c.Kafka.Brokers()) == 0 {
		return fmt.Errorf("KAFKA_URL must list at least one broker")
	}
	if c.Kafka.Secured {
		// Fail closed: a secured cluster without credentials cannot start.
		if c.Keycloak.TokenURL == "" || c.Keycloak.ClientID == "" {
			return fmt.Errorf("KAFKA_SECURED=true requires KEYCLOAK_TOKEN_URL and KEYCLOAK_CLIENT_ID")
		}
	}
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
