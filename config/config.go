package config

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pingrpc/codec"
	"pingrpc/loadbalance"
	"pingrpc/ping"
	"pingrpc/serialization"
)

// Config holds all configuration for pingd
type Config struct {
	HTTP     HTTPConfig
	RPC      RPCConfig
	Service  ServiceConfig
	Client   ClientConfig
	Registry RegistryConfig
	Tracing  TracingConfig
	Log      LogConfig
}

// HTTPConfig holds the bridge listener configuration
type HTTPConfig struct {
	Address string
	GinMode string // debug, release, test
}

// RPCConfig holds the RPC server configuration
type RPCConfig struct {
	Network         string
	Address         string
	Advertise       string // Registered address, the listener address when empty
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	RateLimit       float64 // Requests per second, 0 disables limiting
	Burst           int
}

type ServiceConfig struct {
	Style string // blocking, reactive
}

// ClientConfig holds the configuration of the stub used by the bridge
type ClientConfig struct {
	Codec         string // json, binary
	Serialization string // protobuf, msgpack, json
	PoolSize      int
	Timeout       time.Duration
	Heartbeat     time.Duration
	Balancer      string // roundrobin, weighted, consistenthash
	Retries       int
	RetryDelay    time.Duration
}

type RegistryConfig struct {
	Kind      string // static, etcd, consul
	Endpoints []string
	TTL       int64 // Seconds
}

type TracingConfig struct {
	Enabled     bool
	Agent       string // host:port of the jaeger agent
	ServiceName string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Load reads configuration from file and environment variables. The optional paths
// replace the default config search path.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "$HOME/.pingd"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	// PINGD_RPC_ADDRESS overrides rpc.address
	v.SetEnvPrefix("PINGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist, we have defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Annotate(err, "reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Annotate(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.ginMode", "release")

	v.SetDefault("rpc.network", "tcp")
	v.SetDefault("rpc.address", "127.0.0.1:9090")
	v.SetDefault("rpc.advertise", "")
	v.SetDefault("rpc.shutdownTimeout", 5*time.Second)
	v.SetDefault("rpc.requestTimeout", 2*time.Second)
	v.SetDefault("rpc.rateLimit", 0)
	v.SetDefault("rpc.burst", 100)

	v.SetDefault("service.style", string(ping.StyleReactive))

	v.SetDefault("client.codec", "binary")
	v.SetDefault("client.serialization", "protobuf")
	v.SetDefault("client.poolSize", 4)
	v.SetDefault("client.timeout", 3*time.Second)
	v.SetDefault("client.heartbeat", 30*time.Second)
	v.SetDefault("client.balancer", "roundrobin")
	v.SetDefault("client.retries", 0)
	v.SetDefault("client.retryDelay", 50*time.Millisecond)

	v.SetDefault("registry.kind", "static")
	v.SetDefault("registry.endpoints", []string{})
	v.SetDefault("registry.ttl", 10)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.agent", "127.0.0.1:6831")
	v.SetDefault("tracing.serviceName", "pingd")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects values no component would accept.
func (c *Config) Validate() error {
	if _, err := ping.ParseStyle(c.Service.Style); err != nil {
		return errors.Trace(err)
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		return errors.Trace(err)
	}
	if _, err := serialization.ParseType(c.Client.Serialization); err != nil {
		return errors.Trace(err)
	}
	if _, err := loadbalance.New(c.Client.Balancer, ""); err != nil {
		return errors.Trace(err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.NotValidf("log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return errors.NotValidf("log format %q", c.Log.Format)
	}

	// gin.SetMode panics on anything else
	switch c.HTTP.GinMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return errors.NotValidf("gin mode %q", c.HTTP.GinMode)
	}

	switch c.RPC.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return errors.NotValidf("rpc network %q", c.RPC.Network)
	}
	if c.Client.PoolSize < 1 {
		return errors.NotValidf("client pool size %d", c.Client.PoolSize)
	}
	if c.Client.Retries < 0 {
		return errors.NotValidf("client retries %d", c.Client.Retries)
	}

	switch strings.ToLower(c.Registry.Kind) {
	case "static":
	case "etcd", "consul":
		if len(c.Registry.Endpoints) == 0 {
			return errors.NotValidf("%s registry without endpoints", c.Registry.Kind)
		}
	default:
		return errors.NotValidf("registry kind %q", c.Registry.Kind)
	}
	return nil
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	switch strings.ToLower(c.Log.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	default: // "console"
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Annotate(err, "building logger")
	}
	return logger, nil
}
