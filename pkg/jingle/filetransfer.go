package jingle

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/jingle_phone/pkg/socks"
)

// FileState состояние установки соединения передачи файла
type FileState int

const (
	FileIdle FileState = iota
	FileWaitEstablish
	FileEstablished
	FileRunning
	FileTerminated
)

var fileStateNames = map[FileState]string{
	FileIdle:          "idle",
	FileWaitEstablish: "wait-establish",
	FileEstablished:   "established",
	FileRunning:       "running",
	FileTerminated:    "terminated",
}

func (s FileState) String() string { return fileStateNames[s] }

func parseFileState(name string) FileState {
	for st, n := range fileStateNames {
		if n == name {
			return st
		}
	}
	return FileIdle
}

// События автомата передачи файла, по одному на целевое состояние
var fileEvents = map[FileState]string{
	FileIdle:          "reset",
	FileWaitEstablish: "wait",
	FileEstablished:   "establish",
	FileRunning:       "run",
	FileTerminated:    "terminate",
}

// HostDirection чья сторона предоставляет stream host
type HostDirection int

const (
	HostNone HostDirection = iota
	HostLocal
	HostRemote
)

func (d HostDirection) String() string {
	switch d {
	case HostLocal:
		return "local"
	case HostRemote:
		return "remote"
	default:
		return "none"
	}
}

// fileTransfer установка SOCKS5 соединения для сессии передачи файла
type fileTransfer struct {
	s     *Session
	fsm   *fsm.FSM
	dir   HostDirection
	flips int

	// hosts кандидаты stream host, первый проверяется сейчас
	hosts []StreamHost
	// request запрос streamhost удаленной стороны, ожидающий ответа
	request *Event
	// stanzaID id нашего запроса streamhost
	stanzaID string
	// used удаленная сторона подтвердила наш stream host
	used      bool
	listening bool
}

func newFileTransfer(s *Session, dir HostDirection) *fileTransfer {
	ft := &fileTransfer{s: s, dir: dir}
	idle := FileIdle.String()
	wait := FileWaitEstablish.String()
	established := FileEstablished.String()
	running := FileRunning.String()
	ft.fsm = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: fileEvents[FileWaitEstablish], Src: []string{idle}, Dst: wait},
			{Name: fileEvents[FileEstablished], Src: []string{idle, wait}, Dst: established},
			{Name: fileEvents[FileRunning], Src: []string{established}, Dst: running},
			{Name: fileEvents[FileIdle], Src: []string{wait, established}, Dst: idle},
			{Name: fileEvents[FileTerminated], Src: []string{idle, wait, established, running}, Dst: FileTerminated.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("состояние передачи файла изменено")
			},
		},
	)
	return ft
}

func (ft *fileTransfer) state() FileState { return parseFileState(ft.fsm.Current()) }

// setState выполняет переход, только если состояние меняется
func (ft *fileTransfer) setState(ctx context.Context, st FileState) {
	if ft.state() == st {
		return
	}
	if err := ft.fsm.Event(ctx, fileEvents[st]); err != nil {
		ft.s.log.WithError(err).WithField("state", st.String()).Debug("переход передачи файла")
	}
}

// changeHostDir меняет сторону stream host. Смена возможна один раз:
// исходящая сессия уходит с local на remote, входящая с remote на local.
func (ft *fileTransfer) changeHostDir() bool {
	fromLocal := ft.dir == HostRemote
	if ft.dir != HostNone && ft.s.outgoing != fromLocal {
		if ft.dir == HostLocal {
			ft.dir = HostRemote
		} else {
			ft.dir = HostLocal
		}
		ft.flips++
		ft.s.engine.metrics.HostDirectionFlipped()
		ft.s.log.WithField("direction", ft.dir.String()).Info("сменена сторона stream host")
		return true
	}
	ft.dir = HostNone
	return false
}

// dst адрес назначения SOCKS5 для сессии
func (ft *fileTransfer) dst() string {
	s := ft.s
	initiator, target := s.remote, s.local
	if s.outgoing {
		initiator, target = s.local, s.remote
	}
	return socks.DstAddr(s.sid, initiator.String(), target.String())
}

// setupSocks начинает следующую попытку соединения. Возвращает false, если
// попыток не осталось: тогда состояние Idle после смены стороны или Terminated.
func (ft *fileTransfer) setupSocks(ctx context.Context) bool {
	s := ft.s
	helper := s.engine.socks
	if helper == nil {
		ft.setState(ctx, FileTerminated)
		return false
	}
	base := s.engine.ctx

	if len(ft.hosts) == 0 {
		if ft.dir == HostLocal && !ft.listening {
			if ft.offerListener(ctx) {
				return true
			}
		}
	} else {
		if ft.state() != FileIdle {
			ft.hosts = ft.hosts[1:]
		}
		for len(ft.hosts) > 0 {
			h := ft.hosts[0]
			if err := helper.Connect(base, s.sid, ft.dst(), h.Addr, h.Port); err != nil {
				s.log.WithError(err).WithField("host", h.JID.String()).Debug("stream host пропущен")
				ft.hosts = ft.hosts[1:]
				continue
			}
			ft.setState(ctx, FileWaitEstablish)
			return true
		}
		if ft.dir == HostLocal && !ft.listening && ft.offerListener(ctx) {
			return true
		}
	}

	if ft.changeHostDir() {
		ft.setState(ctx, FileIdle)
		return false
	}
	ft.setState(ctx, FileTerminated)
	return false
}

// offerListener поднимает локальный stream host и предлагает его
func (ft *fileTransfer) offerListener(ctx context.Context) bool {
	s := ft.s
	ep, err := s.engine.socks.Listen(s.engine.ctx, s.sid, ft.dst())
	if err != nil {
		s.log.WithError(err).Warn("не удалось поднять локальный stream host")
		return false
	}
	ft.listening = true
	host := StreamHost{JID: s.local, Addr: ep.Addr, Port: ep.Port, Local: true}
	ft.setState(ctx, FileWaitEstablish)
	id, err := s.send(ctx, Outbound{Action: ActStreamHost, StreamHosts: []StreamHost{host}})
	if err != nil {
		return false
	}
	ft.stanzaID = id
	return true
}

// answerRequest отвечает на запрос streamhost удаленной стороны.
// Пустой used означает, что подключиться не удалось.
func (ft *fileTransfer) answerRequest(ctx context.Context, used string) {
	s := ft.s
	req := ft.request
	ft.request = nil
	if req == nil {
		return
	}
	if used == "" {
		s.confirm(ctx, req, ErrNoTransport("нет доступного stream host"))
		return
	}
	req.confirmed = true
	_, _ = s.send(ctx, Outbound{ID: req.ID, Action: ActStreamHostUsed, StreamHostUsed: used})
}

// maybeStart запускает передачу, когда соединение готово и сессия принята
func (ft *fileTransfer) maybeStart(ctx context.Context) {
	if ft.s.answered && ft.used && ft.state() == FileEstablished {
		ft.start(ctx)
	}
}

func (ft *fileTransfer) start(ctx context.Context) {
	s := ft.s
	if len(s.contents) == 0 || s.app() == nil {
		s.hangupLocked(ctx, ReasonFailure, true)
		return
	}
	c := s.contents[0]
	send := (c.Type == ContentFileOffer) == s.outgoing
	var info FileInfo
	if c.File != nil {
		info = *c.File
	}
	payload, err := s.app().OpenFile(s, info, send)
	if err != nil {
		s.log.WithError(err).Warn("приложение не открыло файл")
		s.hangupLocked(ctx, ReasonFailure, true)
		return
	}
	if err := s.engine.socks.Start(s.engine.ctx, s.sid, payload); err != nil {
		s.log.WithError(err).Warn("не удалось начать передачу")
		s.hangupLocked(ctx, ReasonFailure, true)
		return
	}
	ft.setState(ctx, FileRunning)
	s.log.WithFields(logrus.Fields{
		"file": info.Name,
		"send": send,
	}).Info("передача файла начата")
	s.note(func() { s.app().OnFileStatus(s, FileRunning, 0) })
}

func (ft *fileTransfer) stop() {
	if ft.s.engine.socks != nil {
		ft.s.engine.socks.Stop(ft.s.sid)
	}
	ft.listening = false
	ft.setState(context.Background(), FileTerminated)
}

// handleSocks обрабатывает уведомление помощника SOCKS5
func (ft *fileTransfer) handleSocks(ctx context.Context, n socks.Notification) {
	s := ft.s
	switch n.Status {
	case socks.StatusEstablished:
		if ft.state() != FileWaitEstablish {
			s.log.WithField("state", ft.state().String()).Debug("лишнее уведомление о соединении")
			return
		}
		ft.setState(ctx, FileEstablished)
		switch {
		case ft.dir == HostLocal && n.Host != "" && len(ft.hosts) > 0:
			// соединение с proxy установлено, предлагаем его удаленной стороне
			id, err := s.send(ctx, Outbound{Action: ActStreamHost, StreamHosts: ft.hosts[:1]})
			if err != nil {
				s.hangupLocked(ctx, ReasonFailure, true)
				return
			}
			ft.stanzaID = id
		case ft.dir == HostRemote && len(ft.hosts) > 0:
			ft.answerRequest(ctx, ft.hosts[0].JID.String())
			ft.used = true
		}
		s.note(func() { s.app().OnFileStatus(s, FileEstablished, 0) })
		ft.maybeStart(ctx)

	case socks.StatusRunning:
		bytes := n.Bytes
		s.note(func() { s.app().OnFileStatus(s, FileRunning, bytes) })

	case socks.StatusTerminated:
		switch ft.state() {
		case FileWaitEstablish:
			ft.retry(ctx)
		case FileRunning:
			bytes := n.Bytes
			s.note(func() { s.app().OnFileStatus(s, FileTerminated, bytes) })
			if n.Err == nil {
				s.hangupLocked(ctx, ReasonNormal, true)
			} else {
				s.log.WithError(n.Err).Info("передача файла прервана")
				s.hangupLocked(ctx, ReasonFailure, true)
			}
		case FileIdle, FileTerminated:
		default:
			s.hangupLocked(ctx, ReasonFailure, true)
		}
	}
}

// retry переходит к следующему stream host после неудачи
func (ft *fileTransfer) retry(ctx context.Context) {
	s := ft.s
	if ft.setupSocks(ctx) {
		return
	}
	if ft.state() == FileIdle {
		if ft.dir == HostRemote {
			// сторона сменилась: удаленная сторона должна предложить свои
			ft.answerRequest(ctx, "")
			if id, err := s.send(ctx, Outbound{Action: ActStreamHost}); err == nil {
				ft.stanzaID = id
				return
			}
		} else {
			ft.answerRequest(ctx, "")
			if ft.setupSocks(ctx) {
				return
			}
		}
	}
	ft.answerRequest(ctx, "")
	s.hangupLocked(ctx, ReasonNoTransport, true)
}

// onResponse обрабатывает ответ на наш запрос streamhost
func (ft *fileTransfer) onResponse(ctx context.Context, ev *Event) {
	s := ft.s
	ft.stanzaID = ""
	if ev.Action == ActError {
		if !s.outgoing {
			s.hangupLocked(ctx, ReasonNoTransport, true)
			return
		}
		switch ft.state() {
		case FileWaitEstablish, FileEstablished:
			s.engine.socks.Stop(s.sid)
			ft.listening = false
			ft.hosts = nil
			ft.setState(ctx, FileIdle)
			if !ft.changeHostDir() {
				s.hangupLocked(ctx, ReasonNoTransport, true)
			}
		default:
			s.hangupLocked(ctx, ReasonNoTransport, true)
		}
		return
	}
	if ft.state() == FileIdle {
		return
	}
	ft.used = true
	ft.maybeStart(ctx)
}

// onStreamHosts принимает список stream host удаленной стороны.
// Ответ на запрос отправляется, когда определится результат соединения.
func (s *Session) onStreamHosts(ctx context.Context, ev *Event) error {
	ft := s.ft
	if ft == nil {
		return ErrNotAllowed(ev.Action)
	}
	if ft.dir != HostRemote || ft.state() != FileIdle {
		return ErrInvalidState(s.stateLocked(), string(ev.Action))
	}
	ft.request = ev
	ft.hosts = nil
	for _, h := range ev.StreamHosts {
		if h.Addr != "" && h.Port > 0 {
			ft.hosts = append(ft.hosts, h)
		}
	}
	s.log.WithField("hosts", len(ft.hosts)).Debug("получены stream host")
	if ft.setupSocks(ctx) {
		return nil
	}
	ft.answerRequest(ctx, "")
	if ft.state() == FileIdle && ft.setupSocks(ctx) {
		return nil
	}
	s.hangupLocked(ctx, ReasonNoTransport, true)
	return nil
}

// answerFileLocked принимает входящую передачу файла
func (s *Session) answerFileLocked(ctx context.Context) error {
	if _, err := s.send(ctx, Outbound{Action: ActAccept, Contents: snapshots(s.contents[:1])}); err != nil {
		s.hangupLocked(ctx, ReasonNoConn, false)
		return err
	}
	s.answered = true
	s.ft.maybeStart(ctx)
	return nil
}

// onFileAccepted удаленная сторона приняла нашу передачу файла
func (s *Session) onFileAccepted(ctx context.Context) error {
	s.ft.maybeStart(ctx)
	return nil
}

// initiateFileLocked отправляет initiate передачи файла и начинает поиск соединения
func (s *Session) initiateFileLocked(ctx context.Context) {
	id, err := s.send(ctx, Outbound{Action: ActInitiate, Contents: snapshots(s.contents), Subject: s.subject})
	if err != nil {
		s.hangupLocked(ctx, ReasonNoConn, false)
		return
	}
	s.initID = id
	s.signaled = true
	if s.ft.setupSocks(ctx) {
		return
	}
	if s.ft.state() == FileTerminated {
		s.hangupLocked(ctx, ReasonNoConn, true)
		return
	}
	// stream host нет у нас, просим удаленную сторону
	if id, err := s.send(ctx, Outbound{Action: ActStreamHost}); err == nil {
		s.ft.stanzaID = id
	}
}

// handleSocks передает уведомление SOCKS5 передаче файла сессии
func (s *Session) handleSocks(ctx context.Context, n socks.Notification) {
	s.mu.Lock()
	defer s.unlock()
	if s.hungup || s.ft == nil {
		return
	}
	s.ft.handleSocks(ctx, n)
}

// FileState состояние передачи файла, FileIdle для аудио сессии
func (s *Session) FileState() FileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ft == nil {
		return FileIdle
	}
	return s.ft.state()
}

// HostDirection текущая сторона stream host
func (s *Session) HostDirection() HostDirection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ft == nil {
		return HostNone
	}
	return s.ft.dir
}

// HostFlips сколько раз менялась сторона stream host
func (s *Session) HostFlips() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ft == nil {
		return 0
	}
	return s.ft.flips
}
