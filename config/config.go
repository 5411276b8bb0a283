package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, decoded from the viper instance.
type Config struct {
	Bind         string `mapstructure:"bind"`
	BindTLS      string `mapstructure:"bindtls"`
	TLSCert      string `mapstructure:"tlscert"`
	TLSKey       string `mapstructure:"tlskey"`
	Database     string `mapstructure:"database"`
	DefaultRoom  string `mapstructure:"defaultroom"`
	SingleRoom   bool   `mapstructure:"singleroom"`
	HistoryLimit int    `mapstructure:"historylimit"`
	Debug        bool   `mapstructure:"debug"`
	Trace        bool   `mapstructure:"trace"`
	Gops         bool   `mapstructure:"gops"`
}

// NewViper returns a viper instance with env binding and defaults, usable
// without a config file.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("wirechatd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	v.SetDefault("bind", "127.0.0.1:8080")
	v.SetDefault("database", "wirechatd.db")
	v.SetDefault("defaultroom", "general")
	v.SetDefault("historylimit", 50)
	// booleans need a registered default for env-only overrides to be
	// seen by Unmarshal
	v.SetDefault("singleroom", false)
	v.SetDefault("debug", false)
	v.SetDefault("trace", false)
	v.SetDefault("gops", false)

	return v
}

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := NewViper()
	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %s", err)
	}
	return &cfg, nil
}
