package transport

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/bobg/rssync/index"
)

// EnvPrefix prefixes the environment variables that override configuration.
// For example, RSSYNC_SSH_PORT sets SSH.Port.
const EnvPrefix = "RSSYNC"

// LoadConfig loads configuration from a file, the environment, and defaults,
// in decreasing order of precedence from the environment.
// An empty path means no file.
// The file's format follows its extension (yaml, toml, json, ...).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("index_name", def.IndexName)
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("fetch_timeout", def.FetchTimeout)
	v.SetDefault("cache_size", def.CacheSize)
	v.SetDefault("ssh.port", def.SSH.Port)
	v.SetDefault("ssh.key_files", def.SSH.KeyFiles)
	v.SetDefault("ssh.known_hosts", def.SSH.KnownHosts)
	v.SetDefault("ssh.command", def.SSH.Command)
	v.SetDefault("ssh.connect_timeout", def.SSH.ConnectTimeout)
	v.SetDefault("http.timeout", def.HTTP.Timeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks conf for values no transport can use.
func (conf *Config) Validate() error {
	switch {
	case conf.IndexName == "" || strings.ContainsRune(conf.IndexName, '/'):
		return errors.Errorf("invalid index name %q", conf.IndexName)
	case !strings.HasPrefix(conf.IndexName, index.ReservedPrefix):
		return errors.Errorf("index name %q must begin with %s", conf.IndexName, index.ReservedPrefix)
	case conf.Concurrency < 1:
		return errors.Errorf("concurrency %d must be positive", conf.Concurrency)
	case conf.CacheSize < 0:
		return errors.Errorf("cache size %d must not be negative", conf.CacheSize)
	case conf.SSH.Port < 1 || conf.SSH.Port > 65535:
		return errors.Errorf("invalid SSH port %d", conf.SSH.Port)
	}
	return nil
}
