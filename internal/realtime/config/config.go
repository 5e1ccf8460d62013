// Package config maps config/rt-gateway.yaml onto GatewayConfig and turns it into
// the immutable Settings handed to every component at start-up.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tradepulse.com/internal/realtime/auth"
	"tradepulse.com/internal/realtime/bus"
	"tradepulse.com/internal/realtime/dispatch"
	"tradepulse.com/internal/realtime/session"
	"tradepulse.com/internal/realtime/ws"
	"tradepulse.com/pkg/orm"
	"tradepulse.com/pkg/xredis"
)

const ServiceName = "rt-gateway"

type GatewayConfig struct {
	Name     string         `yaml:"name" mapstructure:"name"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	HTTP     HTTPConfig     `yaml:"http" mapstructure:"http"`
	WS       WSConfig       `yaml:"ws" mapstructure:"ws"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	Bus      BusConfig      `yaml:"bus" mapstructure:"bus"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Redis    xredis.Config  `yaml:"redis" mapstructure:"redis"`
	DB       orm.Config     `yaml:"db" mapstructure:"db"`
	OTel     OTel           `yaml:"otel" mapstructure:"otel"`
	Etcd     Etcd           `yaml:"etcd" mapstructure:"etcd"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

type HTTPConfig struct {
	Addr        string     `yaml:"addr" mapstructure:"addr"`
	PublishKey  string     `yaml:"publish_key" mapstructure:"publish_key"`
	CORSOrigins []string   `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimit   RateConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

type WSConfig struct {
	AllowedOrigins      []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	PingPeriod          time.Duration `yaml:"ping_period" mapstructure:"ping_period"`
	PongWait            time.Duration `yaml:"pong_wait" mapstructure:"pong_wait"`
	WriteWait           time.Duration `yaml:"write_wait" mapstructure:"write_wait"`
	DrainTimeout        time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout"`
	ReadLimit           int64         `yaml:"read_limit" mapstructure:"read_limit"`
	QueueCapacity       int           `yaml:"queue_capacity" mapstructure:"queue_capacity"`
	MaxFlush            int           `yaml:"max_flush" mapstructure:"max_flush"`
	DropPolicy          string        `yaml:"drop_policy" mapstructure:"drop_policy"`
	MaxTopicsPerSession int           `yaml:"max_topics_per_session" mapstructure:"max_topics_per_session"`
	AutoSubscribe       *bool         `yaml:"auto_subscribe" mapstructure:"auto_subscribe"`
	AllowQueryToken     *bool         `yaml:"allow_query_token" mapstructure:"allow_query_token"`
	ConnRate            RateConfig    `yaml:"conn_rate" mapstructure:"conn_rate"`
}

type AuthConfig struct {
	SigningKeys []string      `yaml:"signing_keys" mapstructure:"signing_keys"`
	Leeway      time.Duration `yaml:"leeway" mapstructure:"leeway"`
	CacheTTL    time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheSize   int           `yaml:"cache_size" mapstructure:"cache_size"`
	Directory   string        `yaml:"directory" mapstructure:"directory"`   // static | mysql
	Revocation  string        `yaml:"revocation" mapstructure:"revocation"` // none | memory | redis
	Users       []StaticUser  `yaml:"users" mapstructure:"users"`
}

// StaticUser directory=static 时的用户表，开发/压测用
type StaticUser struct {
	UserID           string   `yaml:"user_id" mapstructure:"user_id"`
	IsVerified       bool     `yaml:"is_verified" mapstructure:"is_verified"`
	TradingEnabled   bool     `yaml:"trading_enabled" mapstructure:"trading_enabled"`
	PaperTradingOnly bool     `yaml:"paper_trading_only" mapstructure:"paper_trading_only"`
	IsStaff          bool     `yaml:"is_staff" mapstructure:"is_staff"`
	Portfolios       []string `yaml:"portfolios" mapstructure:"portfolios"`
}

type BusConfig struct {
	Driver         string        `yaml:"driver" mapstructure:"driver"` // memory | redis | nats
	Capacity       int           `yaml:"capacity" mapstructure:"capacity"`
	Expiry         time.Duration `yaml:"expiry" mapstructure:"expiry"`
	EncryptionKeys []string      `yaml:"encryption_keys" mapstructure:"encryption_keys"`
	NatsURL        string        `yaml:"nats_url" mapstructure:"nats_url"`
	Breaker        BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

type BreakerConfig struct {
	Timeout             time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" mapstructure:"consecutive_failures"`
}

type DispatchConfig struct {
	BaseBackoff time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

type OTel struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Exporter string `yaml:"exporter" mapstructure:"exporter"` // otlp | stdout
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

type Etcd struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	Endpoints     []string `yaml:"endpoints" mapstructure:"endpoints"`
	ServicePrefix string   `yaml:"service_prefix" mapstructure:"service_prefix"`
	TTL           int64    `yaml:"ttl" mapstructure:"ttl"`
	AdvertiseAddr string   `yaml:"advertise_addr" mapstructure:"advertise_addr"`
}

// Settings 启动时构造一次，之后只读；各组件拿到的是值拷贝
type Settings struct {
	Name     string
	LogLevel string
	LogFile  string

	HTTP           HTTPConfig
	WS             ws.Config
	AllowedOrigins []string
	ConnRate       RateConfig
	MaxTopics      int
	DropPolicy     session.DropPolicy

	Auth       auth.Config
	Directory  string
	Revocation string
	Users      []auth.Principal

	Bus      BusConfig
	Dispatch dispatch.Config

	Redis xredis.Config
	DB    orm.Config
	OTel  OTel
	Etcd  Etcd
}

// Build 补默认值并校验，所有错误一起返回
func Build(c GatewayConfig) (Settings, error) {
	var errs []error
	s := Settings{
		Name:     or(c.Name, ServiceName),
		LogLevel: or(c.Log.Level, "info"),
		LogFile:  c.Log.File,
		HTTP:     c.HTTP,
		Redis:    c.Redis,
		DB:       c.DB,
		OTel:     c.OTel,
		Etcd:     c.Etcd,
	}
	s.HTTP.Addr = or(s.HTTP.Addr, ":8090")
	s.HTTP.CORSOrigins = slices.Clone(c.HTTP.CORSOrigins)
	if s.HTTP.RateLimit.RPS <= 0 {
		s.HTTP.RateLimit = RateConfig{RPS: 50, Burst: 100}
	}

	// ws
	d := ws.DefaultConfig()
	w := c.WS
	s.WS = ws.Config{
		HandshakeTimeout: orDur(w.HandshakeTimeout, d.HandshakeTimeout),
		IdleTimeout:      orDur(w.IdleTimeout, d.IdleTimeout),
		PongWait:         orDur(w.PongWait, d.PongWait),
		PingPeriod:       orDur(w.PingPeriod, d.PingPeriod),
		PingJitter:       d.PingJitter,
		WriteWait:        orDur(w.WriteWait, d.WriteWait),
		DrainTimeout:     orDur(w.DrainTimeout, d.DrainTimeout),
		ReadLimit:        w.ReadLimit,
		QueueCapacity:    orInt(w.QueueCapacity, d.QueueCapacity),
		MaxFlush:         orInt(w.MaxFlush, d.MaxFlush),
		AutoSubscribe:    orBool(w.AutoSubscribe, d.AutoSubscribe),
		AllowQueryToken:  orBool(w.AllowQueryToken, d.AllowQueryToken),
	}
	if s.WS.ReadLimit <= 0 {
		s.WS.ReadLimit = d.ReadLimit
	}
	if s.WS.PingPeriod >= s.WS.PongWait {
		errs = append(errs, fmt.Errorf("ws.ping_period (%s) must be shorter than ws.pong_wait (%s)", s.WS.PingPeriod, s.WS.PongWait))
	}
	s.AllowedOrigins = slices.Clone(w.AllowedOrigins)
	s.ConnRate = w.ConnRate
	if s.ConnRate.RPS <= 0 {
		s.ConnRate = RateConfig{RPS: 5, Burst: 20}
	}
	s.MaxTopics = orInt(w.MaxTopicsPerSession, 64)
	p, err := session.ParseDropPolicy(w.DropPolicy)
	if err != nil {
		errs = append(errs, err)
	}
	s.DropPolicy = p

	// auth
	a := c.Auth
	if len(a.SigningKeys) == 0 {
		errs = append(errs, errors.New("auth.signing_keys is required"))
	}
	s.Auth = auth.Config{
		SigningKeys: slices.Clone(a.SigningKeys),
		Leeway:      a.Leeway,
		CacheTTL:    orDur(a.CacheTTL, 30*time.Second),
		CacheSize:   orInt(a.CacheSize, 100_000),
	}
	s.Directory = strings.ToLower(or(a.Directory, "static"))
	switch s.Directory {
	case "static":
		for _, u := range a.Users {
			if u.UserID == "" {
				errs = append(errs, errors.New("auth.users: user_id is required"))
				continue
			}
			s.Users = append(s.Users, auth.Principal{
				UserID:           u.UserID,
				IsVerified:       u.IsVerified,
				TradingEnabled:   u.TradingEnabled,
				PaperTradingOnly: u.PaperTradingOnly,
				IsStaff:          u.IsStaff,
				Portfolios:       slices.Clone(u.Portfolios),
			})
		}
	case "mysql":
		if s.DB.DSN == "" {
			errs = append(errs, errors.New("auth.directory=mysql needs db.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.directory %q", a.Directory))
	}
	s.Revocation = strings.ToLower(or(a.Revocation, "memory"))
	switch s.Revocation {
	case "none", "memory":
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, errors.New("auth.revocation=redis needs redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.revocation %q", a.Revocation))
	}

	// bus
	s.Bus = c.Bus
	s.Bus.Driver = strings.ToLower(or(c.Bus.Driver, "memory"))
	s.Bus.Capacity = orInt(c.Bus.Capacity, bus.DefaultCapacity)
	s.Bus.Expiry = orDur(c.Bus.Expiry, bus.DefaultExpiry)
	s.Bus.EncryptionKeys = slices.Clone(c.Bus.EncryptionKeys)
	s.Bus.Breaker.Timeout = orDur(c.Bus.Breaker.Timeout, 3*time.Second)
	if s.Bus.Breaker.ConsecutiveFailures == 0 {
		s.Bus.Breaker.ConsecutiveFailures = 5
	}
	switch s.Bus.Driver {
	case "memory":
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, errors.New("bus.driver=redis needs redis.addr"))
		}
	case "nats":
		if s.Bus.NatsURL == "" {
			errs = append(errs, errors.New("bus.driver=nats needs bus.nats_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}

	s.Dispatch = dispatch.Config{
		Policy:      s.DropPolicy,
		BaseBackoff: orDur(c.Dispatch.BaseBackoff, 300*time.Millisecond),
		MaxBackoff:  orDur(c.Dispatch.MaxBackoff, 5*time.Second),
	}

	if s.Etcd.Enabled {
		if len(s.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("etcd.enabled needs etcd.endpoints"))
		}
		s.Etcd.ServicePrefix = or(s.Etcd.ServicePrefix, "/services")
		if s.Etcd.TTL <= 0 {
			s.Etcd.TTL = 10
		}
	}

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return s, nil
}

// BusOptions keyring 由调用方根据 EncryptionKeys 构造
func (s Settings) BusOptions(kr *bus.Keyring) bus.Options {
	return bus.Options{Capacity: s.Bus.Capacity, Expiry: s.Bus.Expiry, Keyring: kr}
}

func or(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
