package jingle

import (
	"context"

	"github.com/sirupsen/logrus"
)

// handle обрабатывает одно событие сессии. Запрос подтверждается ровно один
// раз: обработчик может ответить сам, иначе ответ отправляется по его ошибке.
func (s *Session) handle(ctx context.Context, ev *Event) {
	s.mu.Lock()
	defer s.unlock()

	if s.hungup {
		s.confirm(ctx, ev, ErrInvalidState(StateTerminated, string(ev.Action)).WithSID(s.sid))
		return
	}
	if ev.isResponse() {
		s.handleResponse(ctx, ev)
		return
	}

	var err error
	switch ev.Action {
	case ActInitiate:
		err = ErrInvalidState(s.stateLocked(), string(ev.Action))
	case ActAccept:
		err = s.onAccept(ctx, ev)
	case ActTerminate, ActRedirect:
		s.onTerminate(ctx, ev)
	case ActTransportInfo:
		err = s.onTransportInfo(ctx, ev)
	case ActTransportAccept, ActTransportReject:
		err = ErrBadRequest("неожиданное действие " + string(ev.Action))
	case ActTransportReplace:
		s.confirm(ctx, ev, nil)
		_, _ = s.send(ctx, Outbound{Action: ActTransportReject, Contents: ev.Contents})
	case ActContentAccept:
		err = s.onContentAccept(ctx, ev)
	case ActContentAdd:
		err = s.onContentAdd(ctx, ev)
	case ActContentModify:
		err = ErrNotAllowed(ev.Action)
	case ActContentReject, ActContentRemove:
		err = s.onContentRemove(ctx, ev)
	case ActTransfer:
		// ответ отправит transferTerminated
		if err = s.onTransferRequest(ctx, ev); err == nil {
			return
		}
	case ActRinging:
		if s.outgoing && !s.ringSent {
			s.ringSent = true
			s.note(func() { s.app().OnRinging(s) })
		}
	case ActHold, ActActive, ActMute:
		err = s.onAudioInfo(ctx, ev)
	case ActTrying, ActReceived:
	case ActDTMF:
		err = s.onDTMF(ev)
	case ActStreamHost:
		if err = s.onStreamHosts(ctx, ev); err == nil {
			return
		}
	default:
		err = ErrNotImplemented(ev.Action)
	}
	if err != nil {
		s.log.WithError(err).WithField("action", string(ev.Action)).Debug("запрос отклонен")
	}
	s.confirm(ctx, ev, err)
}

// processInitiate принимает входящий initiate. Ошибка означает, что сессия
// не создана и запрос нужно отклонить.
func (s *Session) processInitiate(ctx context.Context, ev *Event) error {
	s.signaled = true
	s.subject = ev.Subject
	if ev.Transfer != nil {
		s.transferFrom = ev.Transfer.From
	}

	ok, remove, err := s.processContentAdd(ctx, ActInitiate, ev.Contents)
	if err != nil {
		return err
	}
	var audio, files []*Content
	for _, c := range ok {
		if c.Type.IsFile() {
			files = append(files, c)
		} else {
			audio = append(audio, c)
		}
	}

	switch {
	case len(audio) > 0 && hasSessionContent(audio):
		remove = append(remove, files...)
		s.contents = audio
	case len(audio) == 0 && len(files) > 0 && hasSessionContent(files):
		s.contents = files
		s.ft = newFileTransfer(s, HostRemote)
	default:
		return ErrBadRequest("No acceptable session content(s)").WithSID(s.sid)
	}

	s.confirm(ctx, ev, nil)
	if len(remove) > 0 {
		_, _ = s.send(ctx, Outbound{Action: ActContentRemove, Contents: remove})
	}
	s.activateLocked(ctx)
	s.log.WithFields(logrus.Fields{
		"contents": len(s.contents),
		"rejected": len(remove),
		"file":     s.ft != nil,
	}).Info("входящая сессия")
	s.note(func() { s.app().OnIncoming(s) })
	return nil
}

func hasSessionContent(list []*Content) bool {
	for _, c := range list {
		if c.IsSession() {
			return true
		}
	}
	return false
}

// applyCandidate применяет кандидата и учитывает замену
func (s *Session) applyCandidate(c *Content, cand Candidate) bool {
	switch updateCandidate(c, s.version, cand) {
	case candidateAccepted:
		return true
	case candidateReplaced:
		s.engine.metrics.CandidateReplaced("generation")
		return true
	case candidateRelayFallback:
		s.engine.metrics.CandidateReplaced("relay")
		return true
	default:
		s.log.WithFields(logrus.Fields{
			"content":    c.Name,
			"component":  cand.Component,
			"generation": cand.Generation,
		}).Debug("кандидат отклонен")
		return false
	}
}

// applyRemote переносит учетные данные, кодеки и кандидатов ответа в content.
// Возвращает false, если общих кодеков нет.
func (s *Session) applyRemote(c *Content, rc *Content) (changed, ok bool) {
	if rc.Remote.Ufrag != "" {
		c.Remote.Ufrag = rc.Remote.Ufrag
		c.Remote.Pwd = rc.Remote.Pwd
	}
	if len(rc.RemoteCrypto) > 0 {
		c.RemoteCrypto = append([]Crypto(nil), rc.RemoteCrypto...)
	}
	if !rc.Media.Empty() && !matchMedia(&c.Media, rc.Media) {
		s.engine.metrics.ContentRejected("no-media")
		return false, false
	}
	for _, comp := range []int{ComponentRTP, ComponentRTCP} {
		cand := rc.Remote.Find(comp)
		if cand == nil || !checkRecvCandidate(c.Type, *cand) {
			continue
		}
		if s.applyCandidate(c, *cand) {
			changed = true
		}
	}
	return changed, true
}

func (s *Session) onAccept(ctx context.Context, ev *Event) error {
	if !s.outgoing {
		return ErrInvalidState(s.stateLocked(), string(ev.Action))
	}
	if s.answered {
		return nil
	}
	s.confirm(ctx, ev, nil)
	if s.ft != nil {
		s.answered = true
		return s.onFileAccepted(ctx)
	}

	var first *Content
	for _, rc := range ev.Contents {
		_, c := s.findContent(rc.Name)
		if c == nil || !c.Type.IsAudio() {
			continue
		}
		changed, ok := s.applyRemote(c, rc)
		if !ok {
			c.Media = MediaList{}
			continue
		}
		if changed && first == nil && c.IsSession() {
			first = c
		}
	}
	s.answered = true
	if first != nil {
		if err := s.resetCurrentAudioContent(ctx, false, true, first); err != nil {
			return nil
		}
	}
	if cur := s.currentContent(); cur == nil || !cur.IsSession() {
		if err := s.resetCurrentAudioContent(ctx, false, true, nil); err != nil {
			return nil
		}
	}
	if s.currentContent() == nil {
		s.hangupLocked(ctx, ReasonNoMedia, true)
		return nil
	}
	s.log.Info("сессия принята")
	s.note(func() { s.app().OnAnswered(s) })
	return nil
}

func (s *Session) onTerminate(ctx context.Context, ev *Event) {
	s.confirm(ctx, ev, nil)
	if ev.Redirect.String() != "" && s.outgoing && !s.answered && s.ft == nil {
		s.redirectLocked(ctx, ev.Redirect)
		return
	}
	reason := s.version.LocalReason(ev.Reason)
	s.log.WithFields(logrus.Fields{
		"remote_reason": ev.Reason,
		"text":          ev.Text,
	}).Debug("удаленная сторона завершила сессию")
	s.hangupLocked(ctx, reason, false)
}

func (s *Session) onTransportInfo(ctx context.Context, ev *Event) error {
	if s.ft != nil {
		return ErrNotAllowed(ev.Action)
	}
	s.confirm(ctx, ev, nil)

	var restart *Content
	for _, rc := range ev.Contents {
		_, c := s.findContent(rc.Name)
		if c == nil || !c.Type.IsAudio() {
			continue
		}
		if rc.Remote.Ufrag != "" {
			c.Remote.Ufrag = rc.Remote.Ufrag
			c.Remote.Pwd = rc.Remote.Pwd
		}
		changed := false
		for _, cand := range rc.Remote.Candidates {
			if !checkRecvCandidate(c.Type, cand) {
				s.engine.metrics.ContentRejected("candidate")
				continue
			}
			if s.applyCandidate(c, cand) {
				changed = true
			}
		}
		if changed && c.Name == s.current {
			restart = c
		}
	}

	switch {
	case restart != nil:
		_ = s.startRtp(ctx, restart)
	case s.current == "" && s.answered && s.holdFlags == 0:
		_ = s.resetCurrentAudioContent(ctx, false, true, nil)
	}
	return nil
}

func (s *Session) onContentAccept(ctx context.Context, ev *Event) error {
	if s.ft != nil {
		return ErrNotAllowed(ev.Action)
	}
	s.confirm(ctx, ev, nil)
	for _, rc := range ev.Contents {
		_, c := s.findContent(rc.Name)
		if c == nil || !c.Type.IsAudio() {
			continue
		}
		if changed, ok := s.applyRemote(c, rc); ok && changed && c.Name == s.current {
			_ = s.startRtp(ctx, c)
			if s.hungup {
				return nil
			}
		}
	}
	if s.current == "" && s.answered && s.holdFlags == 0 {
		_ = s.resetCurrentAudioContent(ctx, false, true, nil)
	}
	return nil
}

func (s *Session) onContentAdd(ctx context.Context, ev *Event) error {
	if s.ft != nil {
		return ErrNotAllowed(ev.Action)
	}
	ok, remove, err := s.processContentAdd(ctx, ev.Action, ev.Contents)
	if err != nil {
		return err
	}
	s.confirm(ctx, ev, nil)
	if len(remove) > 0 {
		_, _ = s.send(ctx, Outbound{Action: ActContentRemove, Contents: remove})
	}
	if len(ok) == 0 {
		return nil
	}

	var early *Content
	for _, c := range ok {
		if err := s.initLocalCandidates(ctx, c, false); err != nil {
			s.fail(ctx, err)
			return nil
		}
		s.contents = append(s.contents, c)
		if early == nil && c.IsEarlyMedia() {
			early = c
		}
	}
	_, _ = s.send(ctx, Outbound{Action: ActContentAccept, Contents: snapshots(ok)})

	switch {
	case s.outgoing && !s.answered && early != nil:
		_ = s.resetCurrentAudioContent(ctx, true, true, early)
	case s.current == "" && s.answered && s.holdFlags == 0:
		_ = s.resetCurrentAudioContent(ctx, false, true, nil)
	}
	return nil
}

func (s *Session) onContentRemove(ctx context.Context, ev *Event) error {
	for _, rc := range ev.Contents {
		i, c := s.findContent(rc.Name)
		if c == nil {
			continue
		}
		if s.ft != nil && i == 0 && s.ft.state() != FileIdle {
			s.confirm(ctx, ev, nil)
			s.hangupLocked(ctx, ReasonFailure, true)
			return nil
		}
		s.stopContent(ctx, c)
		s.removeContent(c.Name)
	}
	s.confirm(ctx, ev, nil)

	switch {
	case len(s.contents) == 0:
		s.hangupLocked(ctx, ReasonNoMedia, true)
	case s.ft == nil && s.current == "" && s.answered && s.holdFlags == 0:
		_ = s.resetCurrentAudioContent(ctx, false, true, nil)
	}
	return nil
}

func (s *Session) onDTMF(ev *Event) error {
	if ev.DTMF == "" {
		return ErrBadRequest("пустой DTMF")
	}
	digits := ev.DTMF
	s.note(func() { s.app().OnDTMF(s, digits) })
	return nil
}

// handleResponse обрабатывает результат или ошибку на наш запрос
func (s *Session) handleResponse(ctx context.Context, ev *Event) {
	failed := ev.Action == ActError
	switch {
	case s.ft != nil && ev.ID != "" && ev.ID == s.ft.stanzaID:
		s.ft.onResponse(ctx, ev)
	case ev.ID != "" && ev.ID == s.holdOutID:
		s.holdOutID = ""
		if !failed {
			s.note(func() { s.app().OnUpdate(s, Update{Hold: true}) })
		}
	case ev.ID != "" && ev.ID == s.activeOutID:
		s.activeOutID = ""
		if failed {
			return
		}
		s.holdFlags &^= OnHoldLocal
		s.note(func() { s.app().OnUpdate(s, Update{Active: true}) })
		if s.holdFlags == 0 {
			_ = s.resetCurrentAudioContent(ctx, false, true, nil)
		}
	case s.xfer.active && ev.ID != "" && ev.ID == s.xfer.outID:
		s.xfer = transferState{}
		if failed {
			s.log.WithField("error", ev.Error).Info("передача вызова отклонена")
		}
	case failed && ev.ID != "" && ev.ID == s.initID:
		s.hangupLocked(ctx, ReasonNoConn, false)
	default:
		s.log.WithFields(logrus.Fields{
			"id":     ev.ID,
			"failed": failed,
		}).Debug("ответ без ожидающего запроса")
	}
}
