package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// app default value.
const (
	_httpAddr  = ":8000"
	_envPrefix = "pushkit"
)

type Config struct {
	HTTPAddr string

	HeartbeatInterval time.Duration
	MaxIdle           time.Duration
	MaxLifetime       time.Duration
	QueueSize         int

	DebugEnabled bool

	AllowOrigins []string
	ControlRPS   float64
	ControlBurst int

	IdentityMode   string
	IdentityHeader string
	JwtSecret      string
	JwtAlgorithm   string

	RelayTransport string
	RelayURL       string
	RelayTimeout   time.Duration
	RelaySecret    string

	RedisAddr    string
	RedisChannel string

	EtcdEndpoints []string
	EtcdPrefix    string
	EtcdTTL       int64

	ClientBaseDelay  time.Duration
	ClientMaxDelay   time.Duration
	ClientMaxRetries int
}

// InitConfig prepares viper. A missing config file is not an error, defaults apply.
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config/")
	viper.AddConfigPath(".")

	addDefault()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config error: %w", err)
		}
	}

	return nil
}

// Load reads the current viper state into a Config.
func Load() Config {
	return Config{
		HTTPAddr: viper.GetString("http.addr"),

		HeartbeatInterval: viper.GetDuration("heartbeat.interval"),
		MaxIdle:           viper.GetDuration("heartbeat.max_idle"),
		MaxLifetime:       viper.GetDuration("heartbeat.max_lifetime"),
		QueueSize:         viper.GetInt("stream.queue_size"),

		DebugEnabled: viper.GetBool("debug.enabled"),

		AllowOrigins: viper.GetStringSlice("cors.allow_origins"),
		ControlRPS:   viper.GetFloat64("ratelimit.control_rps"),
		ControlBurst: viper.GetInt("ratelimit.burst"),

		IdentityMode:   viper.GetString("identity.mode"),
		IdentityHeader: viper.GetString("identity.header"),
		JwtSecret:      viper.GetString("jwt.secret"),
		JwtAlgorithm:   viper.GetString("jwt.algorithm"),

		RelayTransport: viper.GetString("relay.transport"),
		RelayURL:       viper.GetString("relay.url"),
		RelayTimeout:   viper.GetDuration("relay.timeout"),
		RelaySecret:    viper.GetString("relay.secret"),

		RedisAddr:    viper.GetString("redis.addr"),
		RedisChannel: viper.GetString("redis.channel"),

		EtcdEndpoints: viper.GetStringSlice("etcd.endpoints"),
		EtcdPrefix:    viper.GetString("etcd.prefix"),
		EtcdTTL:       viper.GetInt64("etcd.ttl"),

		ClientBaseDelay:  viper.GetDuration("client.base_delay"),
		ClientMaxDelay:   viper.GetDuration("client.max_delay"),
		ClientMaxRetries: viper.GetInt("client.max_retries"),
	}
}

func addDefault() {
	// app
	defaultVar("http.addr", _httpAddr)

	// stream
	defaultVar("heartbeat.interval", 25*time.Second)
	defaultVar("heartbeat.max_idle", 90*time.Second)
	defaultVar("heartbeat.max_lifetime", 30*time.Minute)
	defaultVar("stream.queue_size", 64)
	defaultVar("debug.enabled", false)

	// filters
	defaultVar("cors.allow_origins", []string{"*"})
	defaultVar("ratelimit.control_rps", 20.0)
	defaultVar("ratelimit.burst", 40)

	// identity
	defaultVar("identity.mode", "header")
	defaultVar("identity.header", "X-User-Id")
	defaultVar("jwt.algorithm", "HS256")

	// relay
	defaultVar("relay.transport", "http")
	defaultVar("relay.url", "http://127.0.0.1:8000/internal/relay")
	defaultVar("relay.timeout", 3*time.Second)
	defaultVar("relay.secret", "")
	defaultVar("redis.addr", "127.0.0.1:6379")
	defaultVar("redis.channel", "pushkit:relay")
	defaultVar("etcd.endpoints", []string{})
	defaultVar("etcd.prefix", "/discovery/pushkit/")
	defaultVar("etcd.ttl", 10)

	// client
	defaultVar("client.base_delay", time.Second)
	defaultVar("client.max_delay", 30*time.Second)
	defaultVar("client.max_retries", 10)

	// env
	viper.SetEnvPrefix(_envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("jwt.secret")
}

func defaultVar(key string, value interface{}) string {
	viper.SetDefault(key, value)
	return key
}
