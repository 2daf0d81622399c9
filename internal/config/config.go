// internal/config/config.go
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend struct {
		BaseURL        string        `mapstructure:"base_url"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"backend"`
	Push struct {
		ReconnectMin time.Duration `mapstructure:"reconnect_min"`
		ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	} `mapstructure:"push"`
	Status struct {
		// StaleAfter is how long a device may go without a reading before
		// it is shown as offline. Zero disables the staleness check.
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"status"`
	View struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"view"`
	Credentials struct {
		File string `mapstructure:"file"`
	} `mapstructure:"credentials"`
}

// Load reads config.yaml from the given directory, falling back to
// defaults for anything missing. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults apply. Anything else is fatal
		// to the caller.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.request_timeout", "10s")
	v.SetDefault("push.reconnect_min", "1s")
	v.SetDefault("push.reconnect_max", "30s")
	v.SetDefault("status.stale_after", "2m")
	v.SetDefault("view.listen_addr", ":8090")
	v.SetDefault("credentials.file", "credentials.json")
}
