// Package bridge описывает контракт медиамоста, которым сессии Jingle
// управляют RTP потоками, и содержит его UDP реализацию.
//
// Мост резервирует локальные адреса для кандидатов, запускает и
// останавливает поток для выбранного кодека, отправляет пробу для обхода NAT
// и DTMF события по RFC 4733.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/pion/dtls/v2"
)

var (
	// ErrUnknownHandle мост не знает такого потока
	ErrUnknownHandle = errors.New("неизвестный идентификатор медиапотока")
	// ErrNoReservation локальный адрес не зарезервирован
	ErrNoReservation = errors.New("локальный адрес не зарезервирован")
	// ErrClosed мост закрыт
	ErrClosed = errors.New("медиамост закрыт")
	// ErrInvalidRequest в запросе нет обязательных параметров
	ErrInvalidRequest = errors.New("некорректный запрос медиамоста")
)

// Direction определяет направление медиа потока
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Неактивно
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Mute возвращает направление без исходящей ветки
func (d Direction) Mute() Direction {
	switch d {
	case DirectionSendRecv:
		return DirectionRecvOnly
	case DirectionSendOnly:
		return DirectionInactive
	default:
		return d
	}
}

// Reservation зарезервированный локальный адрес кандидата
type Reservation struct {
	Addr string
	Port int
}

// SRTPKeys параметры SRTP одной стороны: профиль и SDES key params
// ("inline:base64(key||salt)[|lifetime][|mki:len]")
type SRTPKeys struct {
	Profile   dtls.SRTPProtectionProfile
	KeyParams string
}

// SRTP параметры шифрования потока. Local шифрует исходящий поток,
// Remote расшифровывает входящий.
type SRTP struct {
	Local  SRTPKeys
	Remote SRTPKeys
}

// StartRequest запрос запуска или обновления медиапотока.
// Пустой Handle создает новый поток.
type StartRequest struct {
	Handle  string
	SID     string
	Content string

	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int

	PayloadType uint8
	Codec       string
	ClockRate   uint32
	// DTMFPayloadType payload type telephone-event, 0 - не согласован
	DTMFPayloadType uint8

	RTCP      bool
	Direction Direction
	SRTP      *SRTP
}

// StartResult результат запуска: идентификатор потока и фактический локальный порт
type StartResult struct {
	Handle    string
	LocalPort int
}

// ProbeRequest запрос проверки связности (STUN Binding) для ICE/P2P.
// Имена пользователей составлены из фрагментов обеих сторон в обратном порядке.
type ProbeRequest struct {
	Handle         string
	LocalUsername  string
	RemoteUsername string
	Password       string
	RemoteAddr     string
	RemotePort     int
}

// Bridge контракт медиамоста
type Bridge interface {
	// Reserve резервирует локальный адрес для кандидата (пустой addr - любой)
	Reserve(ctx context.Context, addr string) (Reservation, error)
	// Release освобождает резерв, не использованный потоком
	Release(r Reservation)
	// Start запускает или обновляет поток
	Start(ctx context.Context, req StartRequest) (StartResult, error)
	// Stop останавливает поток
	Stop(ctx context.Context, handle string) error
	// Probe отправляет пробу для обхода NAT
	Probe(ctx context.Context, req ProbeRequest) error
	// SendDTMF отправляет последовательность цифр событиями RFC 4733
	SendDTMF(ctx context.Context, handle string, digits string, duration time.Duration) error
}
