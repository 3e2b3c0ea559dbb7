package jingle

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// State состояние жизненного цикла сессии
type State int

const (
	StatePending State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "pending"
	}
}

func parseState(s string) State {
	switch s {
	case "active":
		return StateActive
	case "terminated":
		return StateTerminated
	default:
		return StatePending
	}
}

// События автомата сессии
const (
	eventActivate  = "activate"
	eventTerminate = "terminate"
)

// HoldFlags кто удерживает вызов
type HoldFlags int

const (
	OnHoldLocal HoldFlags = 1 << iota
	OnHoldRemote
)

// transferState передача вызова, выполняемая сессией
type transferState struct {
	active bool
	// outID id нашего запроса transfer
	outID string
	// recv входящий запрос transfer, ожидающий ответа
	recv *Event
	to   jid.JID
	sid  string
	// deadline срок ответа на наш запрос transfer
	deadline time.Time
}

// Session одна сессия Jingle с удаленной стороной.
//
// Все изменения выполняются под mu. Уведомления приложения копятся в notes
// и вызываются после освобождения блокировки.
type Session struct {
	mu      sync.Mutex
	engine  *Engine
	log     *logrus.Entry
	version Version
	fsm     *fsm.FSM

	sid      string
	local    jid.JID
	remote   jid.JID
	role     Role
	outgoing bool
	created  time.Time
	deadline time.Time

	// signaled initiate отправлен или получен
	signaled bool
	initID   string
	hungup   bool
	reason   string
	answered bool

	contents []*Content
	current  string

	formats        MediaList
	secure         bool
	secureRequired bool
	muted          bool

	ringSent    bool
	contentSent string

	subject      string
	transferFrom jid.JID

	holdFlags   HoldFlags
	holdOutID   string
	activeOutID string

	xfer      transferState
	redirects int

	ft *fileTransfer

	notes []func()
}

func newSession(e *Engine, sid string, local, remote jid.JID, outgoing bool, initial State) *Session {
	s := &Session{
		engine:         e,
		version:        e.version,
		sid:            sid,
		local:          local,
		remote:         remote,
		outgoing:       outgoing,
		role:           RoleResponder,
		created:        e.now(),
		formats:        e.cfg.Formats.Clone(),
		secure:         e.cfg.UseCrypto,
		secureRequired: e.cfg.UseCrypto && e.cfg.CryptoMandatory,
		redirects:      e.cfg.RedirectCount,
	}
	if outgoing {
		s.role = RoleInitiator
		s.deadline = s.created.Add(e.cfg.PendingTimeout)
	}
	s.log = e.log.WithFields(logrus.Fields{
		"sid":    sid,
		"remote": remote.String(),
	})
	s.initStateMachine(initial)
	return s
}

// initStateMachine инициализирует автомат pending -> active -> terminated
func (s *Session) initStateMachine(initial State) {
	s.fsm = fsm.NewFSM(
		initial.String(),
		fsm.Events{
			{Name: eventActivate, Src: []string{StatePending.String()}, Dst: StateActive.String()},
			{Name: eventTerminate, Src: []string{StatePending.String(), StateActive.String()}, Dst: StateTerminated.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("состояние сессии изменено")
			},
		},
	)
}

// unlock освобождает блокировку и выполняет накопленные уведомления
func (s *Session) unlock() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

// note откладывает уведомление приложения до освобождения блокировки
func (s *Session) note(fn func()) {
	if s.engine.app != nil {
		s.notes = append(s.notes, fn)
	}
}

func (s *Session) app() Application { return s.engine.app }

func (s *Session) stateLocked() State { return parseState(s.fsm.Current()) }

func (s *Session) activateLocked(ctx context.Context) {
	if s.stateLocked() == StatePending {
		if err := s.fsm.Event(ctx, eventActivate); err != nil {
			s.log.WithError(err).Debug("переход в active")
		}
	}
}

// send заполняет адресацию и передает сообщение транспорту
func (s *Session) send(ctx context.Context, out Outbound) (string, error) {
	out.SID = s.sid
	out.From = s.local
	out.To = s.remote
	if s.role == RoleInitiator {
		out.Initiator = s.local
	} else {
		out.Initiator = s.remote
	}
	if out.ID == "" {
		out.ID = s.engine.nextID()
	}
	id, err := s.engine.signaler.Send(ctx, out)
	if err != nil {
		s.log.WithError(err).WithField("action", string(out.Action)).Warn("не удалось отправить сообщение")
		return "", err
	}
	if id == "" {
		id = out.ID
	}
	return id, nil
}

// confirm отвечает на запрос не больше одного раза
func (s *Session) confirm(ctx context.Context, ev *Event, err error) {
	if ev == nil || ev.confirmed || ev.isResponse() {
		return
	}
	ev.confirmed = true
	var se *stanza.Error
	if err != nil {
		e := toStanzaError(err)
		se = &e
	}
	if cerr := s.engine.signaler.Confirm(ctx, ev, se); cerr != nil {
		s.log.WithError(cerr).WithField("action", string(ev.Action)).Warn("не удалось ответить на запрос")
	}
}

// hangupLocked завершает сессию. Повторные вызовы ничего не делают.
// sendTerminate false, если завершение пришло от удаленной стороны.
func (s *Session) hangupLocked(ctx context.Context, reason string, sendTerminate bool) {
	if s.hungup {
		return
	}
	s.hungup = true
	s.reason = reason
	if err := s.fsm.Event(ctx, eventTerminate); err != nil {
		s.log.WithError(err).Debug("переход в terminated")
	}

	if s.xfer.active {
		s.finishTransferLocked(ctx, ErrBadRequest("сессия завершена"))
	}
	for _, c := range s.contents {
		s.stopContent(ctx, c)
	}
	s.current = ""
	if s.ft != nil {
		s.ft.stop()
	}

	if sendTerminate && s.signaled {
		r, text := s.version.TerminateReason(reason)
		_, _ = s.send(ctx, Outbound{Action: ActTerminate, Reason: r, Text: text})
	}

	s.engine.metrics.SessionTerminated(reason)
	s.engine.sessions.Delete(s.sid)
	s.log.WithField("reason", reason).Info("сессия завершена")
	s.note(func() { s.app().OnHangup(s, reason) })
}

// fail завершает сессию по критической ошибке
func (s *Session) fail(ctx context.Context, err error) {
	s.log.WithError(err).Warn("критическая ошибка сессии")
	s.hangupLocked(ctx, GetReason(err), true)
}

// findContent ищет content по имени
func (s *Session) findContent(name string) (int, *Content) {
	for i, c := range s.contents {
		if c.Name == name {
			return i, c
		}
	}
	return -1, nil
}

func (s *Session) currentContent() *Content {
	if s.current == "" {
		return nil
	}
	_, c := s.findContent(s.current)
	return c
}

func (s *Session) isAudio() bool { return s.ft == nil }

// SID идентификатор сессии
func (s *Session) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Local локальная сторона
func (s *Session) Local() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Remote удаленная сторона
func (s *Session) Remote() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// State текущее состояние
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Role роль локальной стороны
func (s *Session) Role() Role { return s.role }

// Outgoing исходящая ли сессия
func (s *Session) Outgoing() bool { return s.outgoing }

// Reason причина завершения, пустая для живой сессии
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Answered получен или отправлен accept
func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// Subject тема вызова
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Contents копии content сессии
func (s *Session) Contents() []*Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshots(s.contents)
}

// CurrentContent копия текущего аудио content или nil
func (s *Session) CurrentContent() *Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.currentContent(); c != nil {
		return c.snapshot()
	}
	return nil
}

// HoldFlags флаги удержания
func (s *Session) HoldFlags() HoldFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdFlags
}

// Formats согласованные кодеки сессии
func (s *Session) Formats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formats.Formats()
}

// Hangup завершает сессию с локальной причиной
func (s *Session) Hangup(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.unlock()
	if reason == "" {
		reason = ReasonHangup
	}
	s.hangupLocked(ctx, reason, true)
}

// Answer принимает входящую сессию
func (s *Session) Answer(ctx context.Context) error {
	return s.AnswerWith(ctx, MediaParams{})
}

// AnswerWith как Answer, дополнительно сужает кодеки ответа синонимами или
// аудио секцией SDP приложения
func (s *Session) AnswerWith(ctx context.Context, p MediaParams) error {
	s.mu.Lock()
	defer s.unlock()
	if s.outgoing || s.stateLocked() != StateActive {
		return ErrInvalidState(s.stateLocked(), "answer").WithSID(s.sid)
	}
	if s.answered {
		return nil
	}
	if s.ft != nil {
		return s.answerFileLocked(ctx)
	}
	if err := s.restrictMediaLocked(p, false); err != nil {
		return err
	}
	if c := s.currentContent(); !p.empty() && c != nil && c.rtpStarted && c.isValidAudio() && !c.IsEarlyMedia() {
		if err := s.startRtp(ctx, c); err != nil {
			return err
		}
	}

	// early media уступает место content session
	if c := s.currentContent(); c == nil || c.IsEarlyMedia() || !c.isValidAudio() {
		if err := s.resetCurrentAudioContent(ctx, false, false, nil); err != nil {
			return err
		}
		if s.currentContent() == nil {
			err := ErrNoCommonMedia("")
			s.fail(ctx, err)
			return err
		}
	}
	if _, err := s.send(ctx, Outbound{Action: ActAccept, Contents: s.acceptContents()}); err != nil {
		s.hangupLocked(ctx, ReasonNoConn, false)
		return err
	}
	s.answered = true
	return nil
}

// acceptContents content для session-accept: текущий и остальные session
func (s *Session) acceptContents() []*Content {
	out := make([]*Content, 0, len(s.contents))
	for _, c := range s.contents {
		if c.Name == s.current || (c.IsSession() && c.isValidAudio()) {
			out = append(out, c.snapshot())
		}
	}
	return out
}

// Ringing отправляет ringing один раз
func (s *Session) Ringing(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()
	if s.outgoing || s.stateLocked() != StateActive || s.answered {
		return ErrInvalidState(s.stateLocked(), "ringing").WithSID(s.sid)
	}
	if s.ringSent {
		return nil
	}
	if !s.version.SupportsRTPInfo() {
		return ErrNotImplemented(ActRinging)
	}
	if _, err := s.send(ctx, Outbound{Action: ActRinging}); err != nil {
		return err
	}
	s.ringSent = true
	return nil
}
