// Package logger настраивает структурированное логирование движка поверх logrus.
//
// Все компоненты получают *logrus.Entry с полем "component" и дополняют его
// контекстом сессии (sid, remote, content) через logrus.Fields.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig настройки ротации файла лога
type FileConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // мегабайты
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // количество архивов
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // дни
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Config конфигурация логирования
type Config struct {
	Level  string     `mapstructure:"level" yaml:"level"`   // trace/debug/info/warn/error
	Format string     `mapstructure:"format" yaml:"format"` // text или json
	File   FileConfig `mapstructure:"file" yaml:"file"`
}

// DefaultConfig возвращает конфигурацию по умолчанию: info, текст, только stdout
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		File: FileConfig{
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Validate проверяет уровень и формат
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("неверный уровень логирования %q: %w", c.Level, err)
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("неверный формат лога %q (допустимо text/json)", c.Format)
	}
}

// New создает logrus.Logger по конфигурации.
// Вывод всегда идет в stdout, при заданном File.Filename дополнительно в файл с ротацией.
func New(cfg Config) (*logrus.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := logrus.ParseLevel(cfg.Level)

	l := logrus.New()
	l.SetLevel(level)

	writers := []io.Writer{os.Stdout}
	if cfg.File.Filename != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))

	if strings.ToLower(cfg.Format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// WithComponent возвращает запись лога с именем компонента.
// nil логгер заменяется стандартным logrus логгером.
func WithComponent(l *logrus.Logger, component string) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", component)
}

// Discard возвращает логгер, который ничего не пишет. Используется в тестах.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// SafeGo запускает горутину и перехватывает панику, записывая ее в лог
func SafeGo(log *logrus.Entry, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
				}).Error("паника в горутине")
			}
		}()
		fn()
	}()
}
