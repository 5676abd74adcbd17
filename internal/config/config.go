// Package config loads client configuration from a .env file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Client holds the settings for a bridge connection.
type Client struct {
	SocketPath     string        `mapstructure:"socket.path"`
	RequestTimeout time.Duration `mapstructure:"request.timeout"`
	PersistPath    string        `mapstructure:"persist.path"`
	CacheSize      int           `mapstructure:"cache.size"`
	DispatchPool   int           `mapstructure:"dispatch.pool"`
	LogLevel       string        `mapstructure:"log.level"`
	LogFormat      string        `mapstructure:"log.format"`
}

// Default returns the client defaults.
func Default() Client {
	return Client{
		SocketPath:     "/tmp/buntree.sock",
		RequestTimeout: 10 * time.Second,
		CacheSize:      1024,
		DispatchPool:   32,
		LogLevel:       "INFO",
		LogFormat:      "json",
	}
}

// Load populates target from .env (optional) and environment variables with
// the given prefix. BUNTREE_SOCKET_PATH becomes the key "socket.path".
func Load(prefix string, target interface{}) error {
	v := viper.New()

	// .env is optional; environment variables below take precedence anyway.
	v.SetConfigFile(".env")
	_ = v.ReadInConfig()

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
			propKey = strings.TrimPrefix(propKey, ".")
			v.Set(propKey, value)
		}
	}

	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
