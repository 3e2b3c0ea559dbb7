package jingle

import (
	"strings"

	"github.com/google/uuid"
)

// Компоненты кандидата
const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// GenerationAbsent атрибут generation не передан
const GenerationAbsent = -1

// CandidateRelay тип кандидата через TURN relay
const CandidateRelay = "relay"

// Candidate предложенная транспортная точка content
type Candidate struct {
	ID         string
	Address    string
	Port       int
	Component  int
	Generation int
	Network    string
	Priority   uint32
	Protocol   string
	Type       string
	// Username и Password учетные данные транспорта P2P
	Username string
	Password string
}

// IsRelay проверяет, что кандидат получен через relay
func (c Candidate) IsRelay() bool { return strings.EqualFold(c.Type, CandidateRelay) }

// sameIdentity сравнивает кандидатов по id
func (c Candidate) sameIdentity(o Candidate) bool { return c.ID == o.ID }

// Transport набор кандидатов одной стороны content с учетными данными
type Transport struct {
	Ufrag      string
	Pwd        string
	Candidates []Candidate
}

// Find возвращает кандидата для компонента
func (t *Transport) Find(component int) *Candidate {
	for i := range t.Candidates {
		if t.Candidates[i].Component == component {
			return &t.Candidates[i]
		}
	}
	return nil
}

// set заменяет или добавляет кандидата компонента
func (t *Transport) set(c Candidate) {
	for i := range t.Candidates {
		if t.Candidates[i].Component == c.Component {
			t.Candidates[i] = c
			return
		}
	}
	t.Candidates = append(t.Candidates, c)
}

func (t Transport) clone() Transport {
	out := t
	out.Candidates = append([]Candidate(nil), t.Candidates...)
	return out
}

func newCandidateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// randomToken возвращает случайную строку для ufrag/pwd длиной n (не больше 32)
func randomToken(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// checkRecvCandidate проверяет полноту полученного кандидата для транспорта content.
// Адрес и порт обязательны для всех. raw-udp требует id, компонент и
// неотрицательный generation, тип кандидата для него не нужен. ICE
// дополнительно требует network, priority, protocol udp и тип. Транспорты
// Google не описывают обязательных атрибутов. Для остальных content
// кандидаты не принимаются.
func checkRecvCandidate(t ContentType, c Candidate) bool {
	if c.Address == "" || c.Port <= 0 {
		return false
	}
	switch t {
	case ContentRawUDP, ContentICEUDP:
	case ContentP2P, ContentGoogleRaw:
		return true
	default:
		return false
	}
	if c.ID == "" || (c.Component != ComponentRTP && c.Component != ComponentRTCP) || c.Generation < 0 {
		return false
	}
	if t == ContentRawUDP {
		return true
	}
	return c.Network != "" && c.Priority != 0 &&
		strings.EqualFold(c.Protocol, "udp") && c.Type != ""
}

// candidateUpdate результат updateCandidate
type candidateUpdate int

const (
	candidateRejected candidateUpdate = iota
	candidateAccepted
	candidateReplaced
	candidateRelayFallback
)

// updateCandidate применяет полученного кандидата компонента к content.
//
// Первый кандидат принимается всегда. Кандидат типа relay заменяет текущий
// один раз на content. Для устаревшей версии протокола и транспорта P2P
// остальные поздние кандидаты отклоняются. Иначе кандидат с тем же id
// заменяет текущий только с большим generation, с другим id - с generation
// не меньше текущего.
func updateCandidate(c *Content, v Version, recv Candidate) candidateUpdate {
	cur := c.Remote.Find(recv.Component)
	if cur == nil {
		c.Remote.set(recv)
		return candidateAccepted
	}
	if recv.IsRelay() && !c.relayUsed {
		c.relayUsed = true
		c.Remote.set(recv)
		return candidateRelayFallback
	}
	if !v.AcceptsLateCandidates(c.Type) {
		return candidateRejected
	}
	if recv.sameIdentity(*cur) {
		if recv.Generation <= cur.Generation {
			return candidateRejected
		}
	} else if recv.Generation < cur.Generation {
		return candidateRejected
	}
	c.Remote.set(recv)
	return candidateReplaced
}
