package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"

	"crashroom/internal/game"
)

type Config struct {
	Env  string `env:"APP_ENV" envDefault:"local"`
	Port int    `env:"PORT" envDefault:"8080"`

	DB    Database
	Redis Redis
	Kafka Kafka
	Game  Game
	Store Store

	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
}

type Database struct {
	Host     string `env:"BLUEPRINT_DB_HOST" envDefault:"localhost"`
	Port     string `env:"BLUEPRINT_DB_PORT" envDefault:"5432"`
	Name     string `env:"BLUEPRINT_DB_DATABASE" envDefault:"crashdb"`
	Username string `env:"BLUEPRINT_DB_USERNAME" envDefault:"postgres"`
	Password string `env:"BLUEPRINT_DB_PASSWORD" envDefault:"postgres"`
	Schema   string `env:"BLUEPRINT_DB_SCHEMA" envDefault:"public"`

	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"./migrations"`
}

type Redis struct {
	Addr     string `env:"REDIS_URL" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Kafka is optional; an empty broker list disables the results feed.
type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC_ROUNDS" envDefault:"crash.rounds"`
}

type Game struct {
	WaitingDuration time.Duration `env:"GAME_WAITING_DURATION" envDefault:"5s"`
	TickInterval    time.Duration `env:"GAME_TICK_INTERVAL" envDefault:"100ms"`
	WalletTimeout   time.Duration `env:"GAME_WALLET_TIMEOUT" envDefault:"250ms"`
	QueueSize       int           `env:"GAME_QUEUE_SIZE" envDefault:"1000"`
	GrowthRate      float64       `env:"GAME_GROWTH_RATE" envDefault:"1.22"`
	ClientSeed      string        `env:"GAME_CLIENT_SEED"`
	MinBet          string        `env:"GAME_MIN_BET" envDefault:"1.00"`
	MaxBet          string        `env:"GAME_MAX_BET" envDefault:"10000.00"`
}

type Store struct {
	MaxElapsed   time.Duration `env:"STORE_RETRY_MAX_ELAPSED" envDefault:"1m"`
	HistoryLimit int64         `env:"STORE_HISTORY_LIMIT" envDefault:"100"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := cfg.Limits(); err != nil {
		return Config{}, err
	}
	if cfg.Game.GrowthRate <= 1 {
		return Config{}, fmt.Errorf("GAME_GROWTH_RATE must be greater than 1, got %v", cfg.Game.GrowthRate)
	}
	return cfg, nil
}

func (c Config) IsLocal() bool { return c.Env == "local" }

func (c Config) Limits() (game.Limits, error) {
	lo, err := decimal.NewFromString(c.Game.MinBet)
	if err != nil {
		return game.Limits{}, fmt.Errorf("GAME_MIN_BET: %w", err)
	}
	hi, err := decimal.NewFromString(c.Game.MaxBet)
	if err != nil {
		return game.Limits{}, fmt.Errorf("GAME_MAX_BET: %w", err)
	}
	if !lo.IsPositive() || hi.LessThan(lo) {
		return game.Limits{}, fmt.Errorf("invalid bet limits %s..%s", lo, hi)
	}
	return game.Limits{MinBet: lo, MaxBet: hi}, nil
}

// EngineConfig maps the game settings onto the engine. firstRound comes from
// the persisted history.
func (c Config) EngineConfig(firstRound int64) game.Config {
	limits, _ := c.Limits()
	return game.Config{
		WaitingDuration: c.Game.WaitingDuration,
		TickInterval:    c.Game.TickInterval,
		WalletTimeout:   c.Game.WalletTimeout,
		QueueSize:       c.Game.QueueSize,
		GrowthRate:      c.Game.GrowthRate,
		Limits:          limits,
		FirstRound:      firstRound,
	}
}

func (d Database) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     d.Name,
		RawQuery: "sslmode=disable&search_path=" + url.QueryEscape(d.Schema),
	}
	return u.String()
}
