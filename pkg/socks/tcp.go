package socks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/sockopt"
)

type transfer struct {
	id  string
	dst string

	ln      net.Listener
	conn    net.Conn
	host    string
	started bool
	stop    func() bool
}

// TCPHelper помощник SOCKS5 поверх TCP
type TCPHelper struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	transfers map[string]*transfer
	notifiers []Notifier

	wg sync.WaitGroup
}

var _ Helper = (*TCPHelper)(nil)

// NewTCPHelper создает помощника
func NewTCPHelper(cfg Config, log *logrus.Logger) *TCPHelper {
	cfg.Normalize()
	return &TCPHelper{
		cfg:       cfg,
		log:       logger.WithComponent(log, "socks"),
		transfers: make(map[string]*transfer),
	}
}

// Subscribe добавляет получателя уведомлений
func (h *TCPHelper) Subscribe(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

func (h *TCPHelper) notify(n Notification) {
	h.mu.Lock()
	list := make([]Notifier, len(h.notifiers))
	copy(list, h.notifiers)
	h.mu.Unlock()
	for _, fn := range list {
		fn(n)
	}
}

func (h *TCPHelper) getOrAdd(id, dst string) *transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transfers[id]
	if !ok {
		t = &transfer{id: id, dst: dst}
		h.transfers[id] = t
	}
	return t
}

// attach закрепляет соединение за передачей. Второе соединение отклоняется.
func (h *TCPHelper) attach(id string, conn net.Conn, host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transfers[id]
	if !ok || t.conn != nil {
		return false
	}
	t.conn = conn
	t.host = host
	return true
}

// Listen поднимает локальный stream host. Слушатель закрывается после
// первого успешного согласования.
func (h *TCPHelper) Listen(ctx context.Context, id, dstAddr string) (Endpoint, error) {
	t := h.getOrAdd(id, dstAddr)

	h.mu.Lock()
	busy := t.ln != nil
	h.mu.Unlock()
	if busy {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrExists, id)
	}

	raw, err := sockopt.Stream().ListenConfig().Listen(ctx, "tcp", net.JoinHostPort(h.cfg.BindAddr, "0"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("слушатель SOCKS5: %w", err)
	}
	ln := netutil.LimitListener(raw, h.cfg.MaxConns)

	h.mu.Lock()
	t.ln = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go h.accept(t, ln)

	addr := h.cfg.PublicAddr
	if addr == "" {
		addr = h.cfg.BindAddr
	}
	port := raw.Addr().(*net.TCPAddr).Port
	h.log.WithFields(logrus.Fields{"id": id, "port": port}).Debug("stream host слушает")
	return Endpoint{Addr: addr, Port: port}, nil
}

func (h *TCPHelper) accept(t *transfer, ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.SetDeadline(time.Now().Add(h.cfg.ConnectTimeout))
		if err := serverHandshake(conn, t.dst); err != nil {
			h.log.WithError(err).WithField("id", t.id).Debug("входящее соединение отклонено")
			_ = conn.Close()
			continue
		}
		_ = conn.SetDeadline(time.Time{})
		if !h.attach(t.id, conn, "") {
			_ = conn.Close()
			continue
		}
		_ = ln.Close()
		h.notify(Notification{ID: t.id, Status: StatusEstablished})
		return
	}
}

// Connect подключается к удаленному stream host в отдельной горутине.
// Неудача сообщается уведомлением StatusTerminated с заполненным Host.
func (h *TCPHelper) Connect(ctx context.Context, id, dstAddr, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("некорректный stream host %s:%d", host, port)
	}
	h.getOrAdd(id, dstAddr)
	hostport := net.JoinHostPort(host, strconv.Itoa(port))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn, err := h.dial(ctx, hostport, dstAddr)
		if err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"id": id, "host": hostport}).Info("stream host недоступен")
			h.notify(Notification{ID: id, Status: StatusTerminated, Host: hostport, Err: err})
			return
		}
		if !h.attach(id, conn, hostport) {
			_ = conn.Close()
			return
		}
		h.notify(Notification{ID: id, Status: StatusEstablished, Host: hostport})
	}()
	return nil
}

func (h *TCPHelper) dial(ctx context.Context, hostport, dst string) (net.Conn, error) {
	d := net.Dialer{Timeout: h.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(h.cfg.ConnectTimeout))
	if err := clientHandshake(conn, dst); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// Start копирует данные по установленному соединению. Повторный вызов ничего не делает.
func (h *TCPHelper) Start(ctx context.Context, id string, p Payload) error {
	if p.Source == nil && p.Sink == nil {
		return errors.New("не задан источник или приемник данных")
	}
	h.mu.Lock()
	t, ok := h.transfers[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if t.conn == nil {
		h.mu.Unlock()
		return ErrNotEstablished
	}
	if t.started {
		h.mu.Unlock()
		return nil
	}
	t.started = true
	conn := t.conn
	t.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.notify(Notification{ID: id, Status: StatusRunning})

		var n int64
		var err error
		if p.Source != nil {
			src := p.Source
			if p.Size > 0 {
				src = io.LimitReader(src, p.Size)
			}
			n, err = io.Copy(conn, src)
		} else {
			n, err = io.Copy(p.Sink, conn)
		}
		_ = conn.Close()
		if err == nil && p.Size > 0 && n < p.Size {
			err = fmt.Errorf("передано %d из %d байт", n, p.Size)
		}
		h.notify(Notification{ID: id, Status: StatusTerminated, Bytes: n, Err: err})
	}()
	return nil
}

// Stop закрывает соединение и слушатель передачи
func (h *TCPHelper) Stop(id string) {
	h.mu.Lock()
	t, ok := h.transfers[id]
	delete(h.transfers, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	if t.stop != nil {
		t.stop()
	}
	if t.ln != nil {
		_ = t.ln.Close()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

// Close останавливает все передачи и дожидается горутин
func (h *TCPHelper) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.transfers))
	for id := range h.transfers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Stop(id)
	}
	h.wg.Wait()
}
