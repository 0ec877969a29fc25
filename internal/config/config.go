package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/LiveAvatar/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Session SessionConfig `mapstructure:"session"`
	Signals SignalsConfig `mapstructure:"signals"`
	RTC     RTCConfig     `mapstructure:"rtc"`
	Sinks   SinksConfig   `mapstructure:"sinks"`
	Viewers ViewersConfig `mapstructure:"viewers"`
}

// SessionConfig locates the remote media session. Leaving url or token
// empty keeps the avatar unconfigured.
type SessionConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	Label string `mapstructure:"label"`
}

type SignalsConfig struct {
	Speaking     bool   `mapstructure:"speaking"`
	Status       string `mapstructure:"status"`
	RespondingTo string `mapstructure:"responding_to"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

type SinksConfig struct {
	Video string `mapstructure:"video"`
	Audio string `mapstructure:"audio"`
}

type ViewersConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	MuteLimit    int           `mapstructure:"mute_limit"`
	MuteInterval time.Duration `mapstructure:"mute_interval"`
	Policy       string        `mapstructure:"policy"`
}

// Avatar converts the session and signals sections into controller input.
func (c *Config) Avatar() (domain.Config, error) {
	status, err := domain.ParseStatus(c.Signals.Status)
	if err != nil {
		return domain.Config{}, err
	}
	return domain.Config{
		Descriptor: domain.Descriptor{
			Endpoint:   c.Session.URL,
			Credential: c.Session.Token,
		},
		Signals: domain.Signals{
			Speaking:     c.Signals.Speaking,
			Status:       status,
			RespondingTo: c.Signals.RespondingTo,
		},
	}, nil
}

// New prepares a viper instance with defaults, the config file of
// CONFIG_ENV (or CONFIG_FILE when set) and AVATAR_* env overrides.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("session.url", "")
	v.SetDefault("session.token", "")
	v.SetDefault("session.label", "avatar-viewer")

	v.SetDefault("signals.speaking", false)
	v.SetDefault("signals.status", "idle")
	v.SetDefault("signals.responding_to", "")

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("sinks.video", "discard:")
	v.SetDefault("sinks.audio", "discard:")

	v.SetDefault("viewers.send_buffer", 16)
	v.SetDefault("viewers.mute_limit", 5)
	v.SetDefault("viewers.mute_interval", "10s")
	v.SetDefault("viewers.policy", "kick")

	v.SetEnvPrefix("AVATAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Load() (*Config, error) {
	return LoadFrom(New())
}

// LoadFrom reads the config file of v, falling back to defaults when it is
// missing.
func LoadFrom(v *viper.Viper) (*Config, error) {
	fileName := v.ConfigFileUsed()
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Bool("session", cfg.Session.URL != "").
		Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with the new config every time the file changes.
// Invalid files are logged and skipped.
func Watch(v *viper.Viper, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(cfg)
	})
	v.WatchConfig()
}
