package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/sockopt"
)

// Config конфигурация UDP медиамоста
type Config struct {
	// BindAddr локальный адрес сокетов
	BindAddr string `mapstructure:"bind_addr" yaml:"bind_addr"`
	// PublicAddr адрес, объявляемый в кандидатах. Пустой - адрес привязки.
	PublicAddr string `mapstructure:"public_addr" yaml:"public_addr"`
	// PortMin, PortMax диапазон RTP портов, нули - порты выбирает ОС
	PortMin int `mapstructure:"port_min" yaml:"port_min"`
	PortMax int `mapstructure:"port_max" yaml:"port_max"`
	// DTMFDuration длительность одного DTMF события
	DTMFDuration time.Duration `mapstructure:"dtmf_duration" yaml:"dtmf_duration"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		BindAddr:     "127.0.0.1",
		PortMin:      10000,
		PortMax:      20000,
		DTMFDuration: 100 * time.Millisecond,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("некорректный bind_addr %q", c.BindAddr)
	}
	if c.PortMin != 0 || c.PortMax != 0 {
		if _, err := newPortPool(c.PortMin, c.PortMax); err != nil {
			return err
		}
	}
	if c.DTMFDuration <= 0 {
		c.DTMFDuration = 100 * time.Millisecond
	}
	return nil
}

func (c *Config) announced() string {
	if c.PublicAddr != "" {
		return c.PublicAddr
	}
	return c.BindAddr
}

type udpStream struct {
	handle string
	port   int
	conn   net.PacketConn

	mu        sync.Mutex
	req       StartRequest
	remote    *net.UDPAddr
	dtmf      *dtmfSender
	encrypt   *srtp.Context
	decrypt   *srtp.Context
	direction Direction

	sent     uint64
	received uint64
	dropped  uint64
}

// UDPBridge медиамост поверх UDP сокетов.
// Декодирование аудио не выполняется: поток принимает пакеты, при SRTP
// расшифровывает их и ведет счетчики, исходящая ветка используется для DTMF
// и проб связности.
type UDPBridge struct {
	cfg   Config
	ports *portPool
	log   *logrus.Entry

	mu       sync.Mutex
	reserved map[int]net.PacketConn
	streams  map[string]*udpStream
	closed   bool

	wg sync.WaitGroup
}

var _ Bridge = (*UDPBridge)(nil)

// NewUDPBridge создает мост
func NewUDPBridge(cfg Config, log *logrus.Logger) (*UDPBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &UDPBridge{
		cfg:      cfg,
		log:      logger.WithComponent(log, "bridge"),
		reserved: make(map[int]net.PacketConn),
		streams:  make(map[string]*udpStream),
	}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		pp, err := newPortPool(cfg.PortMin, cfg.PortMax)
		if err != nil {
			return nil, err
		}
		b.ports = pp
	}
	return b, nil
}

// listen открывает сокет на порту из диапазона или на порту ОС
func (b *UDPBridge) listen(ctx context.Context, addr string) (net.PacketConn, int, error) {
	lc := sockopt.Voice().ListenConfig()
	if b.ports == nil {
		conn, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(addr, "0"))
		if err != nil {
			return nil, 0, err
		}
		return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
	}

	var lastErr error
	for attempt := 0; attempt < 16; attempt++ {
		port, err := b.ports.allocate()
		if err != nil {
			return nil, 0, err
		}
		conn, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			return conn, port, nil
		}
		b.ports.release(port)
		lastErr = err
	}
	return nil, 0, fmt.Errorf("не удалось занять порт: %w", lastErr)
}

func (b *UDPBridge) releasePort(port int) {
	if b.ports != nil {
		b.ports.release(port)
	}
}

// Reserve резервирует локальный порт для кандидата
func (b *UDPBridge) Reserve(ctx context.Context, addr string) (Reservation, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return Reservation{}, ErrClosed
	}

	if addr == "" {
		addr = b.cfg.BindAddr
	}
	conn, port, err := b.listen(ctx, addr)
	if err != nil {
		return Reservation{}, err
	}

	b.mu.Lock()
	b.reserved[port] = conn
	b.mu.Unlock()

	b.log.WithField("port", port).Debug("порт зарезервирован")
	return Reservation{Addr: b.cfg.announced(), Port: port}, nil
}

// Release закрывает резерв, не переданный потоку
func (b *UDPBridge) Release(r Reservation) {
	b.mu.Lock()
	conn, ok := b.reserved[r.Port]
	delete(b.reserved, r.Port)
	b.mu.Unlock()
	if ok {
		_ = conn.Close()
		b.releasePort(r.Port)
	}
}

// Start запускает поток на зарезервированном порту или обновляет существующий.
// Если резерва на LocalPort нет, выделяется новый порт и возвращается в результате.
func (b *UDPBridge) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.RemoteAddr == "" || req.RemotePort <= 0 || req.RemotePort > 65535 {
		return StartResult{}, fmt.Errorf("%w: удаленный адрес %s:%d", ErrInvalidRequest, req.RemoteAddr, req.RemotePort)
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.RemoteAddr, strconv.Itoa(req.RemotePort)))
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var enc, dec *srtp.Context
	if req.SRTP != nil {
		if enc, err = newSRTPContext(req.SRTP.Local); err != nil {
			return StartResult{}, fmt.Errorf("локальные параметры SRTP: %w", err)
		}
		if dec, err = newSRTPContext(req.SRTP.Remote); err != nil {
			return StartResult{}, fmt.Errorf("удаленные параметры SRTP: %w", err)
		}
	}

	if req.Handle != "" {
		b.mu.Lock()
		s, ok := b.streams[req.Handle]
		b.mu.Unlock()
		if !ok {
			return StartResult{}, fmt.Errorf("%w: %s", ErrUnknownHandle, req.Handle)
		}
		s.update(req, remote, enc, dec)
		return StartResult{Handle: s.handle, LocalPort: s.port}, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return StartResult{}, ErrClosed
	}
	conn, ok := b.reserved[req.LocalPort]
	delete(b.reserved, req.LocalPort)
	b.mu.Unlock()

	port := req.LocalPort
	if !ok {
		addr := req.LocalAddr
		if addr == "" || addr == b.cfg.PublicAddr {
			addr = b.cfg.BindAddr
		}
		if conn, port, err = b.listen(ctx, addr); err != nil {
			return StartResult{}, err
		}
	}

	s := &udpStream{handle: uuid.NewString(), port: port, conn: conn}
	s.update(req, remote, enc, dec)

	b.mu.Lock()
	b.streams[s.handle] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.receive(s)

	b.log.WithFields(logrus.Fields{
		"sid":     req.SID,
		"content": req.Content,
		"handle":  s.handle,
		"local":   port,
		"remote":  remote.String(),
		"codec":   req.Codec,
		"srtp":    req.SRTP != nil,
	}).Info("медиапоток запущен")
	return StartResult{Handle: s.handle, LocalPort: port}, nil
}

func (s *udpStream) update(req StartRequest, remote *net.UDPAddr, enc, dec *srtp.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req = req
	s.remote = remote
	s.direction = req.Direction
	s.encrypt, s.decrypt = enc, dec
	if req.DTMFPayloadType == 0 {
		s.dtmf = nil
		return
	}
	if s.dtmf == nil || s.dtmf.payloadType != req.DTMFPayloadType {
		s.dtmf = newDTMFSender(req.DTMFPayloadType, req.ClockRate, rand.Uint32())
	}
}

// receive читает входящие пакеты до закрытия сокета
func (b *UDPBridge) receive(s *udpStream) {
	defer b.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		dec := s.decrypt
		recv := s.direction.CanReceive()
		s.mu.Unlock()
		if !recv || stun.IsMessage(buf[:n]) {
			continue
		}
		if dec != nil {
			if _, err := dec.DecryptRTP(nil, buf[:n], nil); err != nil {
				atomic.AddUint64(&s.dropped, 1)
				continue
			}
		}
		atomic.AddUint64(&s.received, 1)
	}
}

func (b *UDPBridge) find(handle string) (*udpStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return s, nil
}

// Stop закрывает поток и освобождает его порт
func (b *UDPBridge) Stop(_ context.Context, handle string) error {
	b.mu.Lock()
	s, ok := b.streams[handle]
	delete(b.streams, handle)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	err := s.conn.Close()
	b.releasePort(s.port)
	b.log.WithField("handle", handle).Debug("медиапоток остановлен")
	return err
}

// Probe отправляет STUN Binding Request удаленной стороне с локального порта потока
func (b *UDPBridge) Probe(_ context.Context, req ProbeRequest) error {
	s, err := b.find(req.Handle)
	if err != nil {
		return err
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.RemoteAddr, strconv.Itoa(req.RemotePort)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest, stun.NewUsername(req.RemoteUsername)}
	if req.Password != "" {
		setters = append(setters, stun.NewShortTermIntegrity(req.Password))
	}
	setters = append(setters, stun.Fingerprint)
	msg, err := stun.Build(setters...)
	if err != nil {
		return fmt.Errorf("сборка STUN запроса: %w", err)
	}
	if _, err := s.conn.WriteTo(msg.Raw, remote); err != nil {
		return fmt.Errorf("отправка STUN запроса: %w", err)
	}
	return nil
}

// SendDTMF отправляет цифры событиями telephone-event
func (b *UDPBridge) SendDTMF(_ context.Context, handle string, digits string, duration time.Duration) error {
	s, err := b.find(handle)
	if err != nil {
		return err
	}
	parsed, err := ParseDigits(digits)
	if err != nil {
		return err
	}
	if duration <= 0 {
		duration = b.cfg.DTMFDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dtmf == nil {
		return errors.New("telephone-event не согласован для потока")
	}
	if !s.direction.CanSend() {
		return fmt.Errorf("отправка запрещена направлением %s", s.direction)
	}
	for _, d := range parsed {
		packets, err := s.dtmf.packets(d, duration)
		if err != nil {
			return err
		}
		for _, p := range packets {
			if err := s.write(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// write сериализует, при необходимости шифрует и отправляет пакет. Вызывается под s.mu.
func (s *udpStream) write(p *rtp.Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	if s.encrypt != nil {
		if raw, err = s.encrypt.EncryptRTP(nil, raw, &p.Header); err != nil {
			return fmt.Errorf("шифрование SRTP: %w", err)
		}
	}
	if _, err := s.conn.WriteTo(raw, s.remote); err != nil {
		return err
	}
	atomic.AddUint64(&s.sent, 1)
	return nil
}

// Stats возвращает счетчики отправленных, принятых и отброшенных пакетов
func (b *UDPBridge) Stats(handle string) (sent, received, dropped uint64, err error) {
	s, err := b.find(handle)
	if err != nil {
		return 0, 0, 0, err
	}
	return atomic.LoadUint64(&s.sent), atomic.LoadUint64(&s.received), atomic.LoadUint64(&s.dropped), nil
}

// Close останавливает все потоки и освобождает резервы
func (b *UDPBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := b.streams
	reserved := b.reserved
	b.streams = make(map[string]*udpStream)
	b.reserved = make(map[int]net.PacketConn)
	b.mu.Unlock()

	for _, s := range streams {
		_ = s.conn.Close()
		b.releasePort(s.port)
	}
	for port, conn := range reserved {
		_ = conn.Close()
		b.releasePort(port)
	}
	b.wg.Wait()
	return nil
}
