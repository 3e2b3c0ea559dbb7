package jingle

import "strings"

// Локальные коды причин завершения, которые получает приложение
const (
	ReasonHangup         = "hangup"
	ReasonNormal         = "normal"
	ReasonBusy           = "busy"
	ReasonRejected       = "rejected"
	ReasonNoRoute        = "noroute"
	ReasonNoMedia        = "nomedia"
	ReasonTransferred    = "transferred"
	ReasonFailure        = "failure"
	ReasonNoConn         = "noconn"
	ReasonNoAnswer       = "noanswer"
	ReasonOffline        = "offline"
	ReasonShutdown       = "shutdown"
	ReasonNoTransport    = "notransport"
	ReasonCryptoRequired = "crypto-required"
	ReasonTimeout        = "timeout"
	ReasonDropped        = "dropped"
	ReasonRedirected     = "redirected"
)

// Version стратегия версии протокола, выбирается один раз при создании сессии.
// Все различия версий собраны здесь, остальной код их не проверяет.
type Version interface {
	// Name имя версии для журналов
	Name() string
	// AudioTransports транспорты исходящего аудио в порядке предпочтения
	AudioTransports(rawFirst bool) []ContentType
	// AcceptsLateCandidates принимает ли транспорт кандидатов после первого
	AcceptsLateCandidates(t ContentType) bool
	// SupportsRTPInfo поддерживает ли версия ringing/hold/active в session-info
	SupportsRTPInfo() bool
	// TerminateReason переводит локальную причину в причину протокола и текст
	TerminateReason(local string) (reason, text string)
	// LocalReason переводит причину протокола в локальную
	LocalReason(remote string) string
}

// NewVersion возвращает стратегию по имени: "0" - устаревшая, иначе текущая
func NewVersion(name string) Version {
	if strings.TrimSpace(name) == "0" {
		return version0{}
	}
	return version1{}
}

// version1 текущая версия Jingle
type version1 struct{}

func (version1) Name() string { return "1" }

func (version1) AudioTransports(rawFirst bool) []ContentType {
	if rawFirst {
		return []ContentType{ContentRawUDP, ContentICEUDP}
	}
	return []ContentType{ContentICEUDP, ContentRawUDP}
}

func (version1) AcceptsLateCandidates(t ContentType) bool { return t != ContentP2P }

func (version1) SupportsRTPInfo() bool { return true }

var terminateReasons = map[string]string{
	ReasonNormal:         "success",
	ReasonHangup:         "success",
	ReasonBusy:           "busy",
	ReasonRejected:       "decline",
	ReasonNoRoute:        "decline",
	ReasonNoMedia:        "media-error",
	ReasonTransferred:    "success",
	ReasonNoTransport:    "failed-transport",
	ReasonCryptoRequired: "security-error",
	ReasonTimeout:        "timeout",
	ReasonNoAnswer:       "timeout",
}

func (version1) TerminateReason(local string) (string, string) {
	if r, ok := terminateReasons[local]; ok {
		return r, ""
	}
	return "general-error", local
}

var localReasons = map[string]string{
	"success":            ReasonHangup,
	"busy":               ReasonBusy,
	"decline":            ReasonRejected,
	"media-error":        ReasonNoMedia,
	"failed-transport":   ReasonNoTransport,
	"connectivity-error": ReasonNoTransport,
	"security-error":     ReasonCryptoRequired,
	"timeout":            ReasonTimeout,
	"cancel":             ReasonHangup,
	"gone":               ReasonOffline,
}

func (version1) LocalReason(remote string) string {
	if r, ok := localReasons[remote]; ok {
		return r
	}
	return ReasonFailure
}

// version0 устаревшая версия: только P2P, без rtp-info и без причин завершения
type version0 struct{}

func (version0) Name() string { return "0" }

func (version0) AudioTransports(bool) []ContentType { return []ContentType{ContentP2P} }

func (version0) AcceptsLateCandidates(ContentType) bool { return false }

func (version0) SupportsRTPInfo() bool { return false }

func (version0) TerminateReason(local string) (string, string) { return "", local }

func (version0) LocalReason(remote string) string {
	if remote == "" {
		return ReasonHangup
	}
	return ReasonFailure
}
