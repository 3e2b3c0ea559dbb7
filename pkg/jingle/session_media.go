package jingle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/jingle_phone/pkg/bridge"
)

// hostPriority приоритет host кандидата для компонента
func hostPriority(component int) uint32 {
	return 126<<24 | 65535<<8 | uint32(256-component)
}

// buildAudioContent создает локальный аудио content для исходящего предложения
func (s *Session) buildAudioContent(ctx context.Context, t ContentType, senders Senders, rtcp bool) (*Content, error) {
	c := &Content{
		Name:        s.sid + "_content_" + randomToken(8),
		Type:        t,
		Creator:     s.role,
		Senders:     senders,
		Disposition: DispositionSession,
		Media:       s.formats.Clone(),
		sid:         s.sid,
		rtcp:        rtcp,
	}
	if t.usesCredentials() {
		c.Local.Ufrag = randomToken(16)
		c.Local.Pwd = randomToken(24)
	}
	if s.secure {
		crypto, err := newLocalCrypto(s.engine.cfg.Suites)
		if err != nil {
			return nil, err
		}
		c.LocalCrypto = crypto
		c.CryptoRequired = s.secureRequired
	}
	// raw-udp не имеет transport-info до ответа, кандидаты нужны сразу
	if t == ContentRawUDP || c.CryptoRequired {
		if err := s.initLocalCandidates(ctx, c, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// initLocalCandidates резервирует локальный адрес и строит host кандидатов
func (s *Session) initLocalCandidates(ctx context.Context, c *Content, sendInfo bool) error {
	if c.Local.Find(ComponentRTP) != nil {
		return nil
	}
	r, err := s.engine.bridge.Reserve(ctx, s.engine.cfg.LocalAddr)
	if err != nil {
		return ErrNoTransport("не удалось зарезервировать локальный адрес").WithCause(err).WithSID(s.sid)
	}
	c.reserved = &r
	s.addHostCandidate(c, ComponentRTP, r.Addr, r.Port, 0)
	if c.rtcp {
		s.addHostCandidate(c, ComponentRTCP, r.Addr, r.Port+1, 0)
	}
	if sendInfo {
		s.sendTransportInfo(ctx, c)
	}
	return nil
}

func (s *Session) addHostCandidate(c *Content, component int, addr string, port, generation int) {
	cand := Candidate{
		ID:         newCandidateID(),
		Address:    addr,
		Port:       port,
		Component:  component,
		Generation: generation,
		Network:    "0",
		Priority:   hostPriority(component),
		Protocol:   "udp",
		Type:       "host",
	}
	if c.Type == ContentP2P {
		cand.Username = c.Local.Ufrag
		cand.Password = c.Local.Pwd
	}
	c.Local.set(cand)
}

func (s *Session) sendTransportInfo(ctx context.Context, c *Content) {
	_, _ = s.send(ctx, Outbound{Action: ActTransportInfo, Contents: []*Content{c.snapshot()}})
}

// stopContent останавливает поток content и освобождает резерв
func (s *Session) stopContent(ctx context.Context, c *Content) {
	if c.handle != "" {
		if err := s.engine.bridge.Stop(ctx, c.handle); err != nil {
			s.log.WithError(err).WithField("content", c.Name).Debug("остановка потока")
		}
		c.handle = ""
	}
	c.rtpStarted = false
	if c.reserved != nil {
		s.engine.bridge.Release(*c.reserved)
		c.reserved = nil
	}
}

// startRtp запускает или обновляет медиапоток content.
// Ошибка с критической важностью уже привела к завершению сессии.
func (s *Session) startRtp(ctx context.Context, c *Content) error {
	local := c.Local.Find(ComponentRTP)
	remote := c.Remote.Find(ComponentRTP)
	if local == nil || remote == nil {
		return nil
	}
	if c.Media.Empty() {
		return ErrNoCommonMedia(c.Name).WithSID(s.sid)
	}

	var srtp *bridge.SRTP
	if len(c.LocalCrypto) > 0 || c.CryptoRequired {
		var ok bool
		srtp, ok = matchCrypto(c.LocalCrypto, c.RemoteCrypto)
		if !ok && c.CryptoRequired {
			err := ErrCryptoRequired(c.Name).WithSID(s.sid)
			s.fail(ctx, err)
			return err
		}
	}

	codec := c.Media.Codecs[0]
	dir := bridge.DirectionSendRecv
	if s.muted {
		dir = dir.Mute()
	}
	req := bridge.StartRequest{
		Handle:          c.handle,
		SID:             s.sid,
		Content:         c.Name,
		LocalAddr:       local.Address,
		LocalPort:       local.Port,
		RemoteAddr:      remote.Address,
		RemotePort:      remote.Port,
		PayloadType:     codec.ID,
		Codec:           codec.Name,
		ClockRate:       codec.ClockRate,
		DTMFPayloadType: c.Media.TelEvent,
		RTCP:            c.rtcp && c.Remote.Find(ComponentRTCP) != nil,
		Direction:       dir,
		SRTP:            srtp,
	}
	res, err := s.engine.bridge.Start(ctx, req)
	if err != nil {
		e := ErrNoTransport("не удалось запустить медиапоток").WithCause(err).WithSID(s.sid)
		s.fail(ctx, e)
		return e
	}
	c.handle = res.Handle
	c.reserved = nil
	c.rtpStarted = true

	if res.LocalPort != 0 && res.LocalPort != local.Port {
		gen := local.Generation + 1
		s.addHostCandidate(c, ComponentRTP, local.Address, res.LocalPort, gen)
		if c.rtcp {
			s.addHostCandidate(c, ComponentRTCP, local.Address, res.LocalPort+1, gen)
		}
		s.sendTransportInfo(ctx, c)
		local = c.Local.Find(ComponentRTP)
	}

	s.log.WithFields(logrus.Fields{
		"content": c.Name,
		"codec":   codec.String(),
		"local":   fmt.Sprintf("%s:%d", local.Address, local.Port),
		"remote":  fmt.Sprintf("%s:%d", remote.Address, remote.Port),
		"secure":  srtp != nil,
	}).Debug("медиапоток запущен")

	switch {
	case c.Type.usesCredentials():
		probe := bridge.ProbeRequest{
			Handle:         c.handle,
			LocalUsername:  c.Remote.Ufrag + c.Local.Ufrag,
			RemoteUsername: c.Local.Ufrag + c.Remote.Ufrag,
			Password:       c.Remote.Pwd,
			RemoteAddr:     remote.Address,
			RemotePort:     remote.Port,
		}
		if err := s.engine.bridge.Probe(ctx, probe); err != nil {
			s.log.WithError(err).WithField("content", c.Name).Debug("проба NAT")
		}
	case c.Type == ContentRawUDP:
		_, _ = s.send(ctx, Outbound{Action: ActTrying})
	}
	return nil
}

// resetCurrentAudioContent выбирает текущий аудио content и запускает его поток.
// Предыдущий текущий content останавливается, если выбран другой.
func (s *Session) resetCurrentAudioContent(ctx context.Context, early, sendInfo bool, next *Content) error {
	prev := s.currentContent()

	if next == nil || !next.isValidAudio() {
		next = s.selectAudioContent(early)
	}
	if prev != nil && prev != next {
		s.stopContent(ctx, prev)
	}
	if next == nil {
		s.current = ""
		return nil
	}
	if s.current != next.Name {
		s.contentSent = ""
	}
	s.current = next.Name

	if err := s.initLocalCandidates(ctx, next, sendInfo); err != nil {
		s.fail(ctx, err)
		return err
	}
	if early && s.contentSent != next.Name {
		s.contentSent = next.Name
		formats := next.Media.Formats()
		s.note(func() { s.app().OnProgress(s, formats) })
	}
	return s.startRtp(ctx, next)
}

// selectAudioContent предпочитает content с известным удаленным адресом
func (s *Session) selectAudioContent(early bool) *Content {
	var first *Content
	for _, c := range s.contents {
		if !c.isValidAudio() || c.IsEarlyMedia() != early {
			continue
		}
		if c.hasRemoteRTP() {
			return c
		}
		if first == nil {
			first = c
		}
	}
	return first
}

// removeCurrentAudioContent останавливает текущий поток. Content с
// шифрованием заменяется копией с новыми ключами: повторно использовать
// ключ SRTP с новым потоком нельзя.
func (s *Session) removeCurrentAudioContent(ctx context.Context) {
	c := s.currentContent()
	if c == nil {
		return
	}
	s.stopContent(ctx, c)
	s.current = ""
	if len(c.LocalCrypto) == 0 || c.Local.Find(ComponentRTP) == nil {
		return
	}

	clone, err := s.buildAudioContent(ctx, c.Type, c.Senders, c.rtcp)
	if err != nil {
		s.log.WithError(err).Warn("не удалось заменить content")
		return
	}
	clone.Media = c.Media.Clone()
	clone.Disposition = c.Disposition
	if _, err := s.send(ctx, Outbound{Action: ActContentAdd, Contents: []*Content{clone.snapshot()}}); err != nil {
		s.stopContent(ctx, clone)
		return
	}
	_, _ = s.send(ctx, Outbound{Action: ActContentRemove, Contents: []*Content{c.snapshot()}})
	s.removeContent(c.Name)
	s.contents = append(s.contents, clone)
}

func (s *Session) removeContent(name string) {
	if i, _ := s.findContent(name); i >= 0 {
		s.contents = append(s.contents[:i], s.contents[i+1:]...)
	}
	if s.current == name {
		s.current = ""
	}
}

// rejectCause проверяет полученный content и возвращает причину отказа
func (s *Session) rejectCause(action Action, recv *Content, sender Role) string {
	switch {
	case recv.Type == ContentUnknown:
		return "unknown-type"
	case recv.Type.IsFile() && action != ActInitiate:
		return "file-outside-initiate"
	case recv.Creator != sender:
		return "creator"
	}
	if recv.Type.IsFile() {
		if recv.File == nil {
			return "file-info"
		}
		return ""
	}
	rtp := recv.Remote.Find(ComponentRTP)
	if rtp == nil && recv.Type == ContentRawUDP {
		return "rtp-candidate"
	}
	if rtp != nil && !checkRecvCandidate(recv.Type, *rtp) {
		return "rtp-candidate"
	}
	if rtcp := recv.Remote.Find(ComponentRTCP); rtcp != nil && !checkRecvCandidate(recv.Type, *rtcp) {
		return "rtcp-candidate"
	}
	media := s.formats.Clone()
	if !matchMedia(&media, recv.Media) {
		return "no-media"
	}
	for _, cr := range recv.RemoteCrypto {
		if !cr.valid() {
			return "crypto"
		}
	}
	return ""
}

// processContentAdd разделяет полученные content на принятые и отклоненные.
// Повтор имени существующего content отклоняет действие целиком.
func (s *Session) processContentAdd(ctx context.Context, action Action, recv []*Content) (ok, remove []*Content, err error) {
	sender := RoleInitiator
	if s.role == RoleInitiator {
		sender = RoleResponder
	}
	seen := make(map[string]bool, len(recv))
	for _, rc := range recv {
		if _, dup := s.findContent(rc.Name); dup != nil || seen[rc.Name] {
			return nil, nil, ErrConflict(rc.Name).WithSID(s.sid)
		}
		seen[rc.Name] = true
	}

	for _, rc := range recv {
		if cause := s.rejectCause(action, rc, sender); cause != "" {
			s.engine.metrics.ContentRejected(cause)
			s.log.WithFields(logrus.Fields{
				"content": rc.Name,
				"cause":   cause,
			}).Debug("content отклонен")
			remove = append(remove, rc)
			continue
		}
		c, buildErr := s.acceptedContent(ctx, rc)
		if buildErr != nil {
			return nil, nil, buildErr
		}
		ok = append(ok, c)
	}
	return ok, remove, nil
}

// acceptedContent строит content сессии из принятого удаленного
func (s *Session) acceptedContent(_ context.Context, rc *Content) (*Content, error) {
	c := &Content{
		Name:         rc.Name,
		Type:         rc.Type,
		Creator:      rc.Creator,
		Senders:      rc.Senders,
		Disposition:  rc.Disposition,
		Remote:       rc.Remote.clone(),
		RemoteCrypto: append([]Crypto(nil), rc.RemoteCrypto...),
		sid:          s.sid,
		rtcp:         rc.Remote.Find(ComponentRTCP) != nil,
	}
	if rc.File != nil {
		f := *rc.File
		c.File = &f
		return c, nil
	}
	c.Media = s.formats.Clone()
	matchMedia(&c.Media, rc.Media)
	if c.Type.usesCredentials() {
		c.Local.Ufrag = randomToken(16)
		c.Local.Pwd = randomToken(24)
	}
	if s.secure || len(rc.RemoteCrypto) > 0 {
		crypto, err := newLocalCrypto(s.engine.cfg.Suites)
		if err != nil {
			return nil, err
		}
		c.LocalCrypto = crypto
		c.CryptoRequired = s.secureRequired
	}
	return c, nil
}

// EarlyMedia запускает early media на content early-session
func (s *Session) EarlyMedia(ctx context.Context, formats []string) error {
	return s.EarlyMediaWith(ctx, MediaParams{Formats: formats})
}

// EarlyMediaWith как EarlyMedia, кодеки задаются синонимами или SDP
func (s *Session) EarlyMediaWith(ctx context.Context, p MediaParams) error {
	s.mu.Lock()
	defer s.unlock()
	if s.outgoing || s.stateLocked() != StateActive || s.answered || s.ft != nil {
		return ErrInvalidState(s.stateLocked(), "early-media").WithSID(s.sid)
	}
	if err := s.restrictMediaLocked(p, true); err != nil {
		return err
	}
	if err := s.resetCurrentAudioContent(ctx, true, true, nil); err != nil {
		return err
	}
	if s.currentContent() == nil {
		return ErrNoCommonMedia("").WithSID(s.sid)
	}
	return nil
}

// restrictMediaLocked сужает кодеки сессии и content с заданным назначением.
// Payload type остаются согласованными с удаленной стороной, content без
// общих кодеков теряют медиа. Ничего не меняет, если общих кодеков нет ни
// у одного content.
func (s *Session) restrictMediaLocked(p MediaParams, early bool) error {
	if p.empty() {
		return nil
	}
	f, err := p.restrict(s.formats)
	if err != nil {
		var se *SessionError
		if errors.As(err, &se) {
			return se.WithSID(s.sid)
		}
		return err
	}
	matched := make(map[*Content]MediaList)
	for _, c := range s.contents {
		if !c.isValidAudio() || c.IsEarlyMedia() != early {
			continue
		}
		media := f.Clone()
		if matchMedia(&media, c.Media) {
			matched[c] = media
		}
	}
	if len(matched) == 0 {
		return ErrNoCommonMedia("").WithField("formats", strings.Join(f.Formats(), ",")).WithSID(s.sid)
	}
	s.formats = f
	for _, c := range s.contents {
		if !c.isValidAudio() || c.IsEarlyMedia() != early {
			continue
		}
		if media, ok := matched[c]; ok {
			c.Media = media
		} else {
			c.Media = MediaList{}
		}
	}
	return nil
}

// Mute переключает отправку медиа без изменения сигнализации
func (s *Session) Mute(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.unlock()
	if s.stateLocked() != StateActive {
		return ErrInvalidState(s.stateLocked(), "mute").WithSID(s.sid)
	}
	if s.muted == on {
		return nil
	}
	s.muted = on
	if c := s.currentContent(); c != nil && c.rtpStarted {
		return s.startRtp(ctx, c)
	}
	return nil
}

// SendDTMF отправляет цифры событиями RTP или session-info по настройке
func (s *Session) SendDTMF(ctx context.Context, digits string) error {
	if digits == "" {
		return errors.New("пустая последовательность DTMF")
	}
	cfg := s.engine.cfg

	s.mu.Lock()
	if s.stateLocked() != StateActive || s.ft != nil {
		state := s.stateLocked()
		s.mu.Unlock()
		return ErrInvalidState(state, "dtmf").WithSID(s.sid)
	}
	handle := ""
	if c := s.currentContent(); c != nil && c.rtpStarted && c.Media.TelEvent != 0 {
		handle = c.handle
	}
	if cfg.DTMFMethod == DTMFInfo || handle == "" {
		defer s.unlock()
		if cfg.SingleTone {
			for _, d := range digits {
				if _, err := s.send(ctx, Outbound{Action: ActDTMF, DTMF: string(d)}); err != nil {
					return err
				}
			}
			return nil
		}
		_, err := s.send(ctx, Outbound{Action: ActDTMF, DTMF: digits})
		return err
	}
	s.mu.Unlock()

	// медиамост блокируется на время отправки пакетов
	return s.engine.bridge.SendDTMF(ctx, handle, digits, cfg.DTMFDuration)
}
