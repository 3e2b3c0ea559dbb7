package jingle

import (
	"context"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/presence"
)

// canTransferLocked передача возможна только в отвеченном аудио вызове
func (s *Session) canTransferLocked() bool {
	return s.stateLocked() == StateActive && s.answered && !s.xfer.active && s.ft == nil
}

// Transfer передает собеседника на target. Если attendedSID не пуст, передача
// выполняется с консультацией: target берется из сессии attendedSID.
func (s *Session) Transfer(ctx context.Context, target jid.JID, attendedSID, subject string) error {
	var other *Session
	if attendedSID != "" {
		if attendedSID == s.SID() {
			return ErrBadRequest("передача в ту же сессию").WithSID(attendedSID)
		}
		var ok bool
		if other, ok = s.engine.sessions.Get(attendedSID); !ok {
			return ErrSessionNotFound(attendedSID)
		}
		target = other.Remote()
	}

	s.mu.Lock()
	defer s.unlock()
	if !s.canTransferLocked() {
		return ErrInvalidState(s.stateLocked(), "transfer").WithSID(s.sid)
	}
	if target.Resourcepart() == "" && s.engine.presence != nil {
		if res, ok := s.engine.presence.FindResource(s.local, target, presence.CapAudio); ok {
			if full, err := target.WithResource(res.Name); err == nil {
				target = full
			}
		}
	}

	info := &TransferInfo{Target: target, From: s.remote, SID: attendedSID, Subject: subject}
	id, err := s.send(ctx, Outbound{Action: ActTransfer, Transfer: info})
	if err != nil {
		return err
	}
	s.xfer = transferState{
		active:   true,
		outID:    id,
		to:       target,
		sid:      attendedSID,
		deadline: s.engine.now().Add(s.engine.cfg.TransferTimeout),
	}
	s.log.WithFields(logrus.Fields{
		"target":   target.String(),
		"attended": attendedSID != "",
	}).Info("запрошена передача вызова")
	return nil
}

// onTransferRequest принимает запрос передачи. Ответ на него отправляется
// после завершения работы приложения.
func (s *Session) onTransferRequest(ctx context.Context, ev *Event) error {
	if !s.canTransferLocked() {
		return ErrInvalidState(s.stateLocked(), string(ev.Action))
	}
	if ev.Transfer == nil {
		return ErrBadRequest("нет параметров передачи")
	}
	if ev.Transfer.Target.String() == "" {
		return ErrBadRequest("не указана цель передачи")
	}
	if ev.Transfer.SID != "" && ev.Transfer.SID == s.sid {
		return ErrBadRequest("передача в ту же сессию")
	}

	from := s.transferFrom
	if from.String() == "" {
		from = s.remote
	}
	s.xfer = transferState{active: true, recv: ev, to: ev.Transfer.Target, sid: ev.Transfer.SID}
	req := TransferRequest{SID: s.sid, Target: ev.Transfer.Target, From: from, Subject: ev.Transfer.Subject}
	s.engine.runTransfer(s, req, ev.Transfer.SID)
	return nil
}

// runTransfer выполняет передачу вне блокировки сессии и возвращает
// результат в очередь сессии
func (e *Engine) runTransfer(s *Session, req TransferRequest, attendedSID string) {
	e.wg.Add(1)
	logger.SafeGo(e.log, "transfer", func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.TransferTimeout)
		defer cancel()

		var err error
		switch {
		case e.app == nil:
			err = ErrNotImplemented(ActTransfer)
		case attendedSID != "":
			target, ok := e.sessions.Get(attendedSID)
			if !ok {
				err = ErrSessionNotFound(attendedSID)
				break
			}
			err = e.app.ConnectPeers(ctx, s, target)
		default:
			err = e.app.RouteTransfer(ctx, req)
		}
		e.submit(req.SID, func(ctx context.Context) { s.transferTerminated(ctx, err) })
	})
}

// transferTerminated отвечает на запрос передачи результатом приложения
func (s *Session) transferTerminated(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.unlock()
	if !s.xfer.active || s.xfer.recv == nil {
		return
	}
	s.finishTransferLocked(ctx, err)
}

// finishTransferLocked закрывает передачу. Ошибка приложения передается
// удаленной стороне как undefined-condition.
func (s *Session) finishTransferLocked(ctx context.Context, err error) {
	recv := s.xfer.recv
	s.xfer = transferState{}
	if recv == nil {
		return
	}
	if err != nil {
		s.log.WithError(err).Info("передача вызова не удалась")
		fe := NewSessionError("TRANSFER_FAILED", "передача вызова не удалась", ErrorCategoryNegotiation, ErrorSeverityError).
			WithCause(err).WithSID(s.sid)
		fe.Condition = stanza.UndefinedCondition
		err = fe
	} else {
		s.log.Info("передача вызова выполнена")
	}
	s.confirm(ctx, recv, err)
}

// redirectLocked переадресует неотвеченный исходящий вызов на target.
// Каждая переадресация уменьшает счетчик, при нуле решает приложение.
func (s *Session) redirectLocked(ctx context.Context, target jid.JID) {
	if s.redirects <= 0 {
		s.log.WithField("target", target.String()).Info("счетчик переадресаций исчерпан")
		s.note(func() { s.app().Forward(s, target) })
		s.hangupLocked(ctx, ReasonRedirected, false)
		return
	}
	s.redirects--

	for _, c := range s.contents {
		s.stopContent(ctx, c)
	}
	s.contents = nil
	s.current = ""
	s.ringSent = false
	s.contentSent = ""
	s.signaled = false
	s.initID = ""

	old := s.sid
	s.sid = s.engine.newSID()
	s.engine.sessions.Rekey(old, s.sid, s)
	s.remote = target
	if target.Resourcepart() == "" && s.engine.presence != nil {
		if res, ok := s.engine.presence.FindResource(s.local, target, presence.CapAudio); ok {
			if full, err := target.WithResource(res.Name); err == nil {
				s.remote = full
			}
		}
	}
	s.log = s.engine.log.WithFields(logrus.Fields{
		"sid":    s.sid,
		"remote": s.remote.String(),
	})
	s.log.WithFields(logrus.Fields{
		"previous": old,
		"target":   target.String(),
		"left":     s.redirects,
	}).Info("переадресация вызова")
	s.initiateLocked(ctx)
}
