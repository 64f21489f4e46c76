package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "./config/config.yaml"
	EnvPrefix   = "ROOMHUB_"
)

type HTTP struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" env:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type GRPC struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	CallTimeout  time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT"`
	PingInterval time.Duration `yaml:"pingInterval" env:"PING_INTERVAL"`
}

type Logging struct {
	Env       string `yaml:"env" env:"ENV"`         // dev|stage|prod
	Service   string `yaml:"service" env:"SERVICE"` // room-hub
	Version   string `yaml:"version" env:"VERSION"` // v0.1.0
	Backend   string `yaml:"backend" env:"BACKEND"` // std|zap
	Level     string `yaml:"level" env:"LEVEL"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource" env:"ADD_SOURCE"`
	Debug     bool   `yaml:"debug" env:"DEBUG"`
}

type Postgres struct {
	DSN               string        `yaml:"dsn" env:"DSN"`
	MaxConns          int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns          int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" env:"HEALTH_CHECK_PERIOD"`
	ApplicationName   string        `yaml:"applicationName" env:"APPLICATION_NAME"`
}

type SQLite struct {
	Path string `yaml:"path" env:"PATH"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Storage selects the room registry backend. Postgres and SQLite settings
// are shared with the action log when it uses the same driver.
type Storage struct {
	Driver   string   `yaml:"driver" env:"DRIVER"`
	Postgres Postgres `yaml:"postgres" envPrefix:"POSTGRES_"`
	SQLite   SQLite   `yaml:"sqlite" envPrefix:"SQLITE_"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"` // 0 keeps logs forever
}

type Mongo struct {
	URI        string `yaml:"uri" env:"URI"`
	Database   string `yaml:"database" env:"DATABASE"`
	Collection string `yaml:"collection" env:"COLLECTION"`
}

type ActionLog struct {
	Driver       string        `yaml:"driver" env:"DRIVER"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
	QueueSize    int           `yaml:"queueSize" env:"QUEUE_SIZE"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	Redis        Redis         `yaml:"redis" envPrefix:"REDIS_"`
	Mongo        Mongo         `yaml:"mongo" envPrefix:"MONGO_"`
}

const (
	EmptyRoomKeep  = "keep"
	EmptyRoomClose = "close"
)

type EmptyRoom struct {
	Policy string        `yaml:"policy" env:"POLICY"` // keep|close
	Grace  time.Duration `yaml:"grace" env:"GRACE"`
}

type Rooms struct {
	CodeAttempts           int       `yaml:"codeAttempts" env:"CODE_ATTEMPTS"`
	DefaultMaxParticipants int       `yaml:"defaultMaxParticipants" env:"DEFAULT_MAX_PARTICIPANTS"`
	MinMaxParticipants     int       `yaml:"minMaxParticipants" env:"MIN_MAX_PARTICIPANTS"`
	MaxMaxParticipants     int       `yaml:"maxMaxParticipants" env:"MAX_MAX_PARTICIPANTS"`
	EmptyRoom              EmptyRoom `yaml:"emptyRoom" envPrefix:"EMPTY_ROOM_"`
}

type WS struct {
	PingPeriod    time.Duration `yaml:"pingPeriod" env:"PING_PERIOD"`
	WriteTimeout  time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	ReadLimit     int64         `yaml:"readLimit" env:"READ_LIMIT"`
	SendBuffer    int           `yaml:"sendBuffer" env:"SEND_BUFFER"`
	FrameLimit    int           `yaml:"frameLimit" env:"FRAME_LIMIT"`
	FrameInterval time.Duration `yaml:"frameInterval" env:"FRAME_INTERVAL"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http" envPrefix:"HTTP_"`
	GRPC      GRPC      `yaml:"grpc" envPrefix:"GRPC_"`
	Logging   Logging   `yaml:"logging" envPrefix:"LOG_"`
	Storage   Storage   `yaml:"storage" envPrefix:"STORAGE_"`
	ActionLog ActionLog `yaml:"actionLog" envPrefix:"ACTION_LOG_"`
	Rooms     Rooms     `yaml:"rooms" envPrefix:"ROOMS_"`
	WS        WS        `yaml:"ws" envPrefix:"WS_"`
}

// LoadConfig reads .env (if present), the YAML file at CONFIG_PATH and the
// ROOMHUB_* environment, in that order of precedence from lowest to highest.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	return Load(path, explicit)
}

// Load reads the YAML file at path and applies the environment overlay.
// A missing file is an error only when required is set.
func Load(path string, required bool) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// установка дефолтов, если значения не указаны
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = 30 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":9090"
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "room-hub"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	switch c.Logging.Backend {
	case "std", "zap":
	default:
		return fmt.Errorf("logging.backend must be std or zap, got %q", c.Logging.Backend)
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.ActionLog.validate(c.Storage); err != nil {
		return err
	}
	if err := c.Rooms.validate(); err != nil {
		return err
	}
	return c.WS.validate()
}

func (s *Storage) validate() error {
	if s.Driver == "" {
		s.Driver = DriverMemory
	}
	switch s.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(s.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn is required")
		}
	case DriverSQLite:
		if strings.TrimSpace(s.SQLite.Path) == "" {
			return errors.New("storage.sqlite.path is required")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, postgres or sqlite, got %q", s.Driver)
	}
	if s.Postgres.ApplicationName == "" {
		s.Postgres.ApplicationName = "room-hub"
	}
	return nil
}

func (a *ActionLog) validate(st Storage) error {
	if a.Driver == "" {
		a.Driver = DriverMemory
	}
	switch a.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(st.Postgres.DSN) == "" {
			return errors.New("actionLog.driver=postgres requires storage.postgres.dsn")
		}
	case DriverSQLite:
		if strings.TrimSpace(st.SQLite.Path) == "" {
			return errors.New("actionLog.driver=sqlite requires storage.sqlite.path")
		}
	case DriverRedis:
		if a.Redis.Addr == "" {
			return errors.New("actionLog.redis.addr is required")
		}
	case DriverMongo:
		if a.Mongo.URI == "" {
			return errors.New("actionLog.mongo.uri is required")
		}
		if a.Mongo.Database == "" {
			a.Mongo.Database = "roomhub"
		}
		if a.Mongo.Collection == "" {
			a.Mongo.Collection = "room_actions"
		}
	default:
		return fmt.Errorf("actionLog.driver must be memory, postgres, sqlite, redis or mongo, got %q", a.Driver)
	}

	if a.Workers < 0 || a.QueueSize < 0 || a.WriteTimeout < 0 {
		return errors.New("actionLog.workers, queueSize and writeTimeout must be >= 0")
	}
	if a.Workers == 0 {
		a.Workers = 4
	}
	if a.QueueSize == 0 {
		a.QueueSize = 1024
	}
	if a.WriteTimeout == 0 {
		a.WriteTimeout = 5 * time.Second
	}
	return nil
}

func (r *Rooms) validate() error {
	if r.CodeAttempts == 0 {
		r.CodeAttempts = 5
	}
	if r.MinMaxParticipants == 0 {
		r.MinMaxParticipants = 2
	}
	if r.MaxMaxParticipants == 0 {
		r.MaxMaxParticipants = 100
	}
	if r.DefaultMaxParticipants == 0 {
		r.DefaultMaxParticipants = 8
	}
	if r.CodeAttempts < 1 {
		return errors.New("rooms.codeAttempts must be >= 1")
	}
	if r.MinMaxParticipants < 1 || r.MinMaxParticipants > r.MaxMaxParticipants {
		return errors.New("rooms.minMaxParticipants must be in [1..maxMaxParticipants]")
	}
	if r.DefaultMaxParticipants < r.MinMaxParticipants || r.DefaultMaxParticipants > r.MaxMaxParticipants {
		return errors.New("rooms.defaultMaxParticipants must be within [minMaxParticipants..maxMaxParticipants]")
	}

	if r.EmptyRoom.Policy == "" {
		r.EmptyRoom.Policy = EmptyRoomKeep
	}
	switch r.EmptyRoom.Policy {
	case EmptyRoomKeep, EmptyRoomClose:
	default:
		return fmt.Errorf("rooms.emptyRoom.policy must be keep or close, got %q", r.EmptyRoom.Policy)
	}
	if r.EmptyRoom.Grace < 0 {
		return errors.New("rooms.emptyRoom.grace must be >= 0")
	}
	return nil
}

func (w *WS) validate() error {
	if w.ReadLimit < 0 || w.SendBuffer < 0 || w.FrameLimit < 0 {
		return errors.New("ws.readLimit, sendBuffer and frameLimit must be >= 0")
	}
	if w.PingPeriod < 0 || w.WriteTimeout < 0 || w.FrameInterval < 0 {
		return errors.New("ws durations must be >= 0")
	}
	return nil
}
