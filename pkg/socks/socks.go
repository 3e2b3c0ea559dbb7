// Package socks реализует транспорт передачи файлов SOCKS5 (XEP-0065):
// локальный stream host, подключение к удаленному stream host и копирование
// данных после ответа на вызов.
package socks

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

var (
	// ErrUnknownTransfer передача с таким id не зарегистрирована
	ErrUnknownTransfer = errors.New("неизвестная передача")
	// ErrNotEstablished соединение еще не установлено
	ErrNotEstablished = errors.New("соединение SOCKS5 не установлено")
	// ErrHandshake ошибка согласования SOCKS5
	ErrHandshake = errors.New("ошибка согласования SOCKS5")
	// ErrExists передача с таким id уже есть
	ErrExists = errors.New("передача уже существует")
)

// Status состояние передачи, сообщаемое уведомлением
type Status int

const (
	StatusEstablished Status = iota
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusEstablished:
		return "established"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Notification асинхронное уведомление о передаче.
// Host заполнен для установленного исходящего соединения.
type Notification struct {
	ID     string
	Status Status
	Host   string
	Bytes  int64
	Err    error
}

// Notifier получает уведомления в горутинах помощника
type Notifier func(n Notification)

// Endpoint адрес локального stream host
type Endpoint struct {
	Addr string
	Port int
}

// Payload данные передачи: Source для отправки или Sink для приема
type Payload struct {
	Source io.Reader
	Sink   io.Writer
	Size   int64
}

// Helper контракт транспорта SOCKS5
type Helper interface {
	// Listen поднимает локальный stream host для передачи id
	Listen(ctx context.Context, id, dstAddr string) (Endpoint, error)
	// Connect асинхронно подключается к удаленному stream host; итог приходит уведомлением
	Connect(ctx context.Context, id, dstAddr, host string, port int) error
	// Start запускает копирование данных по установленному соединению
	Start(ctx context.Context, id string, p Payload) error
	// Stop закрывает соединение и слушатель передачи
	Stop(id string)
	// Subscribe добавляет получателя уведомлений
	Subscribe(n Notifier)
}

// DstAddr вычисляет DST.ADDR запроса CONNECT: SHA-1(sid + initiator + target) в hex
func DstAddr(sid, initiator, target string) string {
	h := sha1.Sum([]byte(sid + initiator + target))
	return hex.EncodeToString(h[:])
}

// Config конфигурация помощника SOCKS5
type Config struct {
	// BindAddr адрес локальных stream host
	BindAddr string `mapstructure:"bind_addr" yaml:"bind_addr"`
	// PublicAddr адрес, объявляемый удаленной стороне. Пустой - адрес привязки.
	PublicAddr string `mapstructure:"public_addr" yaml:"public_addr"`
	// MaxConns предел одновременных входящих соединений на слушатель
	MaxConns int `mapstructure:"max_conns" yaml:"max_conns"`
	// ConnectTimeout время на подключение и согласование
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// Proxy stream host прокси сервера, добавляемый в предложение (host:port), пустой - нет
	Proxy string `mapstructure:"proxy" yaml:"proxy"`
	// ProxyJID JID прокси
	ProxyJID string `mapstructure:"proxy_jid" yaml:"proxy_jid"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		BindAddr:       "127.0.0.1",
		MaxConns:       4,
		ConnectTimeout: 10 * time.Second,
	}
}

// Normalize подставляет значения по умолчанию
func (c *Config) Normalize() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}
