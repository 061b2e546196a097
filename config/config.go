/*
Package config loads runtime configuration for the chapter engine.

Values come from an app.env file in the given directory, overridable by
process environment variables of the same name. Every field has a default
so the server boots with no file at all.
*/
package config

import (
	"github.com/spf13/viper"

	"github.com/quill/chapter-engine/core"
)

type Config struct {
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	CORSOrigins   string `mapstructure:"CORS_ORIGINS"`

	// Pricing knobs. BasePageRate is the per-page rate before multipliers.
	BasePageRate string `mapstructure:"BASE_PAGE_RATE"`
	Currency     string `mapstructure:"CURRENCY"`
}

// Load reads app.env from path (if present) and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("SQLITE_PATH", "./data/chapters.db")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BASE_PAGE_RATE", "400")
	v.SetDefault("CURRENCY", string(core.CurrencyKES))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
