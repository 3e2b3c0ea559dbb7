package bridge

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit код события RFC 4733
type DTMFDigit uint8

const (
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFD     DTMFDigit = 15
)

const dtmfSymbols = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if int(d) < len(dtmfSymbols) {
		return string(dtmfSymbols[d])
	}
	return "?"
}

// ParseDigits переводит строку цифр в коды событий. Регистр букв не важен.
func ParseDigits(s string) ([]DTMFDigit, error) {
	out := make([]DTMFDigit, 0, len(s))
	for _, r := range strings.ToUpper(s) {
		idx := strings.IndexRune(dtmfSymbols, r)
		if idx < 0 {
			return nil, fmt.Errorf("недопустимый символ DTMF %q", r)
		}
		out = append(out, DTMFDigit(idx))
	}
	return out, nil
}

// dtmfRepeat сколько раз повторяются начальный и конечный пакеты события
const dtmfRepeat = 3

// dtmfSender формирует RTP пакеты telephone-event для одного потока
type dtmfSender struct {
	payloadType uint8
	clockRate   uint32
	ssrc        uint32
	seq         uint16
	timestamp   uint32
}

func newDTMFSender(payloadType uint8, clockRate uint32, ssrc uint32) *dtmfSender {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &dtmfSender{payloadType: payloadType, clockRate: clockRate, ssrc: ssrc}
}

// packets возвращает пакеты одного события: начало с маркером и конец с флагом E.
// Все пакеты события несут одну метку времени.
func (s *dtmfSender) packets(d DTMFDigit, duration time.Duration) ([]*rtp.Packet, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}
	samples := duration.Seconds() * float64(s.clockRate)
	if samples > 0xFFFF {
		samples = 0xFFFF
	}

	out := make([]*rtp.Packet, 0, 2*dtmfRepeat)
	for i := 0; i < 2*dtmfRepeat; i++ {
		end := i >= dtmfRepeat
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: eventPayload(d, end, 10, uint16(samples)),
		})
		s.seq++
	}
	s.timestamp += uint32(samples)
	return out, nil
}

// eventPayload кодирует событие: event(8) | E R volume(6) | duration(16)
func eventPayload(d DTMFDigit, end bool, volume uint8, duration uint16) []byte {
	b := make([]byte, 4)
	b[0] = uint8(d)
	b[1] = volume & 0x3F
	if end {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], duration)
	return b
}
