// Package sockopt настраивает сокеты медиамоста и SOCKS5 слушателя.
package sockopt

import (
	"net"
	"syscall"
)

// Options платформенные опции сокета
type Options struct {
	// ReuseAddr включает SO_REUSEADDR, чтобы порт освобожденного кандидата
	// можно было сразу занять снова
	ReuseAddr bool
	// Priority приоритет трафика (только Linux, 6 - интерактивное аудио), 0 - не менять
	Priority int
}

// Voice опции для RTP сокетов
func Voice() Options { return Options{ReuseAddr: true, Priority: 6} }

// Stream опции для TCP слушателей
func Stream() Options { return Options{ReuseAddr: true} }

// Control применяет опции до bind. Подходит для net.ListenConfig.Control.
func (o Options) Control(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = apply(int(fd), o)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenConfig возвращает net.ListenConfig с опциями o
func (o Options) ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: o.Control}
}
