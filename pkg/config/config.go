// Package config загружает конфигурацию демона jingled через viper.
//
// Источники в порядке приоритета: переменные окружения с префиксом JINGLE_
// (JINGLE_JINGLE_REDIRECT_COUNT для jingle.redirect_count), YAML файл,
// значения по умолчанию компонентов.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/bridge"
	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
	"github.com/arzzra/jingle_phone/pkg/presence"
	"github.com/arzzra/jingle_phone/pkg/socks"
	"github.com/arzzra/jingle_phone/pkg/stream"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "JINGLE"

// AccountConfig локальные учетные записи, от имени которых работает демон
type AccountConfig struct {
	// JIDs полные или bare JID локальных сторон
	JIDs []string `mapstructure:"jids" yaml:"jids"`
}

// AppConfig поведение встроенного уровня управления вызовами
type AppConfig struct {
	// AutoAnswer отвечать на входящие вызовы автоматически
	AutoAnswer bool `mapstructure:"auto_answer" yaml:"auto_answer"`
	// DownloadDir каталог для принятых файлов, пустой - файлы отклоняются
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`
}

// Config полная конфигурация демона
type Config struct {
	Log      logger.Config   `mapstructure:"log" yaml:"log"`
	Metrics  metrics.Config  `mapstructure:"metrics" yaml:"metrics"`
	Account  AccountConfig   `mapstructure:"account" yaml:"account"`
	Stream   stream.Config   `mapstructure:"stream" yaml:"stream"`
	Presence presence.Config `mapstructure:"presence" yaml:"presence"`
	Bridge   bridge.Config   `mapstructure:"bridge" yaml:"bridge"`
	Socks    socks.Config    `mapstructure:"socks" yaml:"socks"`
	Jingle   jingle.Config   `mapstructure:"jingle" yaml:"jingle"`
	App      AppConfig       `mapstructure:"app" yaml:"app"`
}

// Default возвращает конфигурацию из значений по умолчанию компонентов
func Default() Config {
	return Config{
		Log:      logger.DefaultConfig(),
		Metrics:  metrics.DefaultConfig(),
		Stream:   stream.DefaultConfig(),
		Presence: presence.DefaultConfig(),
		Bridge:   bridge.DefaultConfig(),
		Socks:    socks.DefaultConfig(),
		Jingle:   jingle.DefaultConfig(),
	}
}

// Load читает конфигурацию. Пустой path означает только значения по
// умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("не удалось прочитать файл конфигурации: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("ошибка проверки конфигурации: %w", err)
	}
	return &cfg, nil
}

// setDefaults регистрирует каждый ключ значений по умолчанию, иначе viper
// не видит переменные окружения для ключей, которых нет в файле
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("значения по умолчанию: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("значения по умолчанию: %w", err)
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// ValidateAndApplyDefaults проверяет значения и приводит ограниченные
// параметры к допустимым границам
func (c *Config) ValidateAndApplyDefaults() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	for _, s := range c.Account.JIDs {
		if _, err := jid.Parse(s); err != nil {
			return fmt.Errorf("account: некорректный JID %q: %w", s, err)
		}
	}
	if c.Socks.Proxy != "" && c.Socks.ProxyJID == "" {
		return errors.New("socks: для proxy нужен proxy_jid")
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "jingle"
	}

	c.Stream.Normalize()
	c.Presence.Normalize()
	c.Socks.Normalize()
	c.Jingle.Normalize()
	if c.Jingle.DTMFDuration <= 0 {
		c.Jingle.DTMFDuration = c.Bridge.DTMFDuration
	}
	return nil
}

// LocalJIDs разобранные локальные учетные записи
func (c *Config) LocalJIDs() []jid.JID {
	out := make([]jid.JID, 0, len(c.Account.JIDs))
	for _, s := range c.Account.JIDs {
		if j, err := jid.Parse(s); err == nil {
			out = append(out, j)
		}
	}
	return out
}

// YAML возвращает действующую конфигурацию в YAML
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
