package jingle

import (
	"strings"
	"time"

	"github.com/arzzra/jingle_phone/pkg/bridge"
)

// Role роль стороны в сессии
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// Senders какие стороны отправляют медиа content
type Senders int

const (
	SendersUnknown Senders = iota
	SendersBoth
	SendersInitiator
	SendersResponder
)

func (s Senders) String() string {
	switch s {
	case SendersBoth:
		return "both"
	case SendersInitiator:
		return "initiator"
	case SendersResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Disposition назначение content
type Disposition int

const (
	DispositionSession Disposition = iota
	DispositionEarlyMedia
)

func (d Disposition) String() string {
	if d == DispositionEarlyMedia {
		return "early-session"
	}
	return "session"
}

// ContentType тип content: приложение и транспорт
type ContentType int

const (
	ContentUnknown ContentType = iota
	ContentICEUDP
	ContentRawUDP
	ContentP2P
	ContentGoogleRaw
	ContentFileOffer
	ContentFileRequest
)

func (t ContentType) String() string {
	switch t {
	case ContentICEUDP:
		return "ice-udp-audio"
	case ContentRawUDP:
		return "raw-udp-audio"
	case ContentP2P:
		return "p2p-audio"
	case ContentGoogleRaw:
		return "google-raw-audio"
	case ContentFileOffer:
		return "file-offer"
	case ContentFileRequest:
		return "file-request"
	default:
		return "unknown"
	}
}

// IsAudio проверяет, что content аудио
func (t ContentType) IsAudio() bool {
	switch t {
	case ContentICEUDP, ContentRawUDP, ContentP2P, ContentGoogleRaw:
		return true
	}
	return false
}

// IsFile проверяет, что content передачи файла
func (t ContentType) IsFile() bool { return t == ContentFileOffer || t == ContentFileRequest }

// usesCredentials транспорты с ufrag/pwd или username/password
func (t ContentType) usesCredentials() bool { return t == ContentICEUDP || t == ContentP2P }

// ParseContentType разбирает имя типа content
func ParseContentType(s string) ContentType {
	for t := ContentICEUDP; t <= ContentFileRequest; t++ {
		if strings.EqualFold(t.String(), s) {
			return t
		}
	}
	return ContentUnknown
}

// FileInfo метаданные файла
type FileInfo struct {
	Name        string
	Size        int64
	Hash        string
	Date        time.Time
	Description string
}

// Content один согласуемый поток внутри сессии.
//
// Content принадлежит сессии, но ссылается на нее только через sid.
type Content struct {
	Name        string
	Type        ContentType
	Creator     Role
	Senders     Senders
	Disposition Disposition

	Local  Transport
	Remote Transport

	Media MediaList

	LocalCrypto    []Crypto
	RemoteCrypto   []Crypto
	CryptoRequired bool

	File *FileInfo

	sid       string
	relayUsed bool

	// состояние медиамоста
	rtcp       bool
	reserved   *bridge.Reservation
	handle     string
	rtpStarted bool
}

// SID возвращает идентификатор владеющей сессии
func (c *Content) SID() string { return c.sid }

// RelayUsed сообщает, израсходована ли замена на relay кандидата
func (c *Content) RelayUsed() bool { return c.relayUsed }

// IsSession проверяет disposition session
func (c *Content) IsSession() bool { return c.Disposition == DispositionSession }

// IsEarlyMedia проверяет disposition early-session
func (c *Content) IsEarlyMedia() bool { return c.Disposition == DispositionEarlyMedia }

// isValidAudio аудио content с непустым списком кодеков
func (c *Content) isValidAudio() bool { return c.Type.IsAudio() && !c.Media.Empty() }

// hasRemoteRTP проверяет наличие удаленного кандидата RTP
func (c *Content) hasRemoteRTP() bool { return c.Remote.Find(ComponentRTP) != nil }

// snapshot глубокая копия для исходящего сообщения
func (c *Content) snapshot() *Content {
	out := &Content{
		Name:           c.Name,
		Type:           c.Type,
		Creator:        c.Creator,
		Senders:        c.Senders,
		Disposition:    c.Disposition,
		Local:          c.Local.clone(),
		Remote:         c.Remote.clone(),
		Media:          c.Media.Clone(),
		LocalCrypto:    append([]Crypto(nil), c.LocalCrypto...),
		RemoteCrypto:   append([]Crypto(nil), c.RemoteCrypto...),
		CryptoRequired: c.CryptoRequired,
		sid:            c.sid,
		relayUsed:      c.relayUsed,
		rtcp:           c.rtcp,
	}
	if c.File != nil {
		f := *c.File
		out.File = &f
	}
	return out
}

func snapshots(list []*Content) []*Content {
	out := make([]*Content, 0, len(list))
	for _, c := range list {
		out = append(out, c.snapshot())
	}
	return out
}
