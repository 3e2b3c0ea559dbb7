package jingle

import "context"

// Hold ставит вызов на удержание с нашей стороны
func (s *Session) Hold(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.checkHoldLocked("hold"); err != nil {
		return err
	}
	if s.holdFlags&OnHoldLocal != 0 {
		return ErrPolicyDenied("hold", "вызов уже удерживается")
	}
	id, err := s.send(ctx, Outbound{Action: ActHold})
	if err != nil {
		return err
	}
	s.holdOutID = id
	s.holdFlags |= OnHoldLocal
	s.removeCurrentAudioContent(ctx)
	s.log.Debug("вызов удерживается")
	return nil
}

// Active снимает наше удержание
func (s *Session) Active(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.checkHoldLocked("active"); err != nil {
		return err
	}
	if s.holdFlags&OnHoldLocal == 0 {
		return ErrPolicyDenied("active", "вызов уже активен")
	}
	if s.holdFlags&OnHoldRemote != 0 {
		return ErrPolicyDenied("active", "вызов удерживается другой стороной")
	}
	id, err := s.send(ctx, Outbound{Action: ActActive})
	if err != nil {
		return err
	}
	s.activeOutID = id
	return nil
}

// checkHoldLocked общие условия для удержания: отвеченный аудио вызов без передачи
func (s *Session) checkHoldLocked(op string) error {
	if s.stateLocked() != StateActive || !s.answered || s.ft != nil {
		return ErrInvalidState(s.stateLocked(), op).WithSID(s.sid)
	}
	if s.xfer.active {
		return ErrPolicyDenied(op, "выполняется передача вызова").WithSID(s.sid)
	}
	if !s.version.SupportsRTPInfo() {
		return ErrNotImplemented(Action(op))
	}
	return nil
}

// onAudioInfo удержание, возобновление и mute от удаленной стороны
func (s *Session) onAudioInfo(ctx context.Context, ev *Event) error {
	if s.ft != nil || !s.version.SupportsRTPInfo() {
		return ErrNotImplemented(ev.Action)
	}
	if ev.Action == ActMute {
		return ErrNotImplemented(ev.Action)
	}
	if s.xfer.active {
		return ErrPolicyDenied(string(ev.Action), "выполняется передача вызова")
	}

	attrs := ev.Attrs
	hold := ev.Action == ActHold
	switch {
	case hold && s.holdFlags == 0:
		s.confirm(ctx, ev, nil)
		s.holdFlags |= OnHoldRemote
		s.removeCurrentAudioContent(ctx)
		s.note(func() { s.app().OnUpdate(s, Update{Hold: true, Remote: true, Attrs: attrs}) })
	case !hold && s.holdFlags&OnHoldRemote != 0:
		s.confirm(ctx, ev, nil)
		s.holdFlags &^= OnHoldRemote
		s.removeCurrentAudioContent(ctx)
		s.note(func() { s.app().OnUpdate(s, Update{Active: true, Remote: true, Attrs: attrs}) })
		if s.holdFlags == 0 {
			_ = s.resetCurrentAudioContent(ctx, false, true, nil)
		}
	case s.holdFlags&OnHoldLocal != 0:
		return ErrBadRequest("already on hold by the other party")
	default:
		// повтор текущего состояния подтверждается без изменений
		s.confirm(ctx, ev, nil)
	}
	return nil
}
