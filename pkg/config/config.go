// Package config loads grove's settings from a config file, GROVE_* environment variables
// and command line flags, in increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/go-go-golems/grove/pkg/inference/router"
	"github.com/go-go-golems/grove/pkg/preview"
	"github.com/go-go-golems/grove/pkg/providers"
	"github.com/go-go-golems/grove/pkg/steps/ai/settings"
	"github.com/go-go-golems/grove/pkg/steps/parse"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "grove"

type GenerationConfig struct {
	SettleDelay time.Duration `mapstructure:"settle-delay" yaml:"settle-delay"`
}

type ThinkingConfig struct {
	Open  string `mapstructure:"open" yaml:"open"`
	Close string `mapstructure:"close" yaml:"close"`
}

type PreviewConfig struct {
	Provider    string `mapstructure:"provider" yaml:"provider"`
	Model       string `mapstructure:"model" yaml:"model"`
	Prompt      string `mapstructure:"prompt" yaml:"prompt"`
	Language    string `mapstructure:"language" yaml:"language"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

type ClientConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user-agent" yaml:"user-agent"`
}

type LocalConfig struct {
	EchoDelay    time.Duration `mapstructure:"echo-delay" yaml:"echo-delay"`
	CannedScript string        `mapstructure:"canned-script" yaml:"canned-script"`
}

type PathConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type Config struct {
	DB         string               `mapstructure:"db" yaml:"db"`
	Listen     string               `mapstructure:"listen" yaml:"listen"`
	Generation GenerationConfig     `mapstructure:"generation" yaml:"generation"`
	Thinking   ThinkingConfig       `mapstructure:"thinking" yaml:"thinking"`
	Preview    PreviewConfig        `mapstructure:"preview" yaml:"preview"`
	Client     ClientConfig         `mapstructure:"client" yaml:"client"`
	Local      LocalConfig          `mapstructure:"local" yaml:"local"`
	Catalog    PathConfig           `mapstructure:"catalog" yaml:"catalog"`
	Tools      PathConfig           `mapstructure:"tools" yaml:"tools"`
	Providers  []providers.Provider `mapstructure:"providers" yaml:"providers"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", "grove.db")
	v.SetDefault("listen", "127.0.0.1:8484")
	v.SetDefault("generation.settle-delay", router.DefaultSettleDelay)
	v.SetDefault("thinking.open", parse.DefaultThinkingOpen)
	v.SetDefault("thinking.close", parse.DefaultThinkingClose)
	v.SetDefault("preview.provider", "")
	v.SetDefault("preview.model", "")
	v.SetDefault("preview.prompt", "")
	v.SetDefault("preview.language", "")
	v.SetDefault("preview.concurrency", 4)
	v.SetDefault("client.timeout", 60*time.Second)
	v.SetDefault("client.user-agent", settings.DefaultUserAgent)
	v.SetDefault("local.echo-delay", 20*time.Millisecond)
	v.SetDefault("local.canned-script", "")
	v.SetDefault("catalog.path", "")
	v.SetDefault("tools.path", "")
}

// InitViper wires env lookups and reads the config file. configPath overrides the search
// in ., $HOME/.grove, /etc/grove and the XDG config directory. A missing file is fine.
func InitViper(v *viper.Viper, configPath string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.grove")
		v.AddConfigPath("/etc/grove")
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(xdgConfigPath + "/grove")
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	} else if err != nil {
		return errdefs.Config("config", err.Error())
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

// Load decodes the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errdefs.Config("config", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB == "" {
		return errdefs.Config("db", "no database configured")
	}
	if c.Generation.SettleDelay < 0 {
		return errdefs.Config("generation.settle-delay", "must not be negative")
	}
	if c.Thinking.Open == "" || c.Thinking.Close == "" {
		return errdefs.Config("thinking", "open and close markers must be set")
	}
	if c.Preview.Concurrency < 1 {
		return errdefs.Config("preview.concurrency", "must be at least 1")
	}
	return nil
}

// ClientSettings builds the HTTP settings of the remote backends.
func (c *Config) ClientSettings() *settings.ClientSettings {
	cs := settings.NewClientSettings().WithTimeout(c.Client.Timeout)
	if c.Client.UserAgent != "" {
		ua := c.Client.UserAgent
		cs.UserAgent = &ua
	}
	return cs
}

func (c *Config) Splitter() *parse.ThinkingSplitter {
	return parse.NewThinkingSplitter(c.Thinking.Open, c.Thinking.Close)
}

func (c *Config) PreviewOptions() []preview.Option {
	ret := []preview.Option{
		preview.WithDefaultProvider(c.Preview.Provider, c.Preview.Model),
		preview.WithConcurrency(c.Preview.Concurrency),
	}
	if c.Preview.Prompt != "" {
		ret = append(ret, preview.WithPrompt(c.Preview.Prompt))
	}
	if c.Preview.Language != "" {
		ret = append(ret, preview.WithLanguage(c.Preview.Language))
	}
	return ret
}
