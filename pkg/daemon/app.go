package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/socks"
)

var (
	// ErrNoRouting у демона нет маршрутизации вызовов к третьей стороне
	ErrNoRouting = errors.New("маршрутизация передачи не поддерживается")
	// ErrFilesDisabled прием файлов выключен: не задан каталог
	ErrFilesDisabled = errors.New("прием файлов выключен")
	// ErrSendUnsupported отправка файлов из демона не поддерживается
	ErrSendUnsupported = errors.New("отправка файлов не поддерживается")
)

// AppConfig поведение CallControl
type AppConfig struct {
	AutoAnswer  bool
	DownloadDir string
}

// CallControl встроенный уровень управления вызовами jingled.
//
// Отвечает на входящие аудио вызовы при AutoAnswer, принимает файлы в
// DownloadDir и ведет счетчики завершений по причинам.
type CallControl struct {
	cfg AppConfig
	log *logrus.Entry

	mu      sync.Mutex
	files   map[string]io.Closer
	reasons map[string]int
}

// NewCallControl создает уровень управления вызовами
func NewCallControl(cfg AppConfig, log *logrus.Logger) *CallControl {
	return &CallControl{
		cfg:     cfg,
		log:     logger.WithComponent(log, "app"),
		files:   make(map[string]io.Closer),
		reasons: make(map[string]int),
	}
}

func (c *CallControl) entry(s *jingle.Session) *logrus.Entry {
	return c.log.WithFields(logrus.Fields{"sid": s.SID(), "remote": s.Remote().String()})
}

func isFileSession(s *jingle.Session) bool {
	for _, ct := range s.Contents() {
		if ct.Type == jingle.ContentFileOffer {
			return true
		}
	}
	return false
}

// answer вызывается вне уведомления, чтобы не задерживать очередь сессии
func (c *CallControl) answer(s *jingle.Session) {
	logger.SafeGo(c.log, "answer", func() {
		if err := s.Answer(context.Background()); err != nil {
			c.entry(s).WithError(err).Warn("не удалось ответить на вызов")
		}
	})
}

// OnIncoming реализует jingle.Application
func (c *CallControl) OnIncoming(s *jingle.Session) {
	c.entry(s).WithField("subject", s.Subject()).Info("входящий вызов")
	if isFileSession(s) {
		if c.cfg.DownloadDir == "" {
			s.Hangup(context.Background(), jingle.ReasonRejected)
		}
		return
	}
	if c.cfg.AutoAnswer {
		c.answer(s)
	}
}

// OnRinging реализует jingle.Application
func (c *CallControl) OnRinging(s *jingle.Session) { c.entry(s).Info("вызов") }

// OnAnswered реализует jingle.Application
func (c *CallControl) OnAnswered(s *jingle.Session) {
	c.entry(s).WithField("formats", s.Formats()).Info("вызов принят")
}

// OnProgress реализует jingle.Application
func (c *CallControl) OnProgress(s *jingle.Session, formats []string) {
	c.entry(s).WithField("formats", formats).Info("ранние медиа")
}

// OnUpdate реализует jingle.Application
func (c *CallControl) OnUpdate(s *jingle.Session, u jingle.Update) {
	c.entry(s).WithFields(logrus.Fields{
		"hold":   u.Hold,
		"active": u.Active,
		"remote": u.Remote,
	}).Info("изменение удержания")
}

// OnDTMF реализует jingle.Application
func (c *CallControl) OnDTMF(s *jingle.Session, digits string) {
	c.entry(s).WithField("digits", digits).Info("получен DTMF")
}

// OnHangup реализует jingle.Application
func (c *CallControl) OnHangup(s *jingle.Session, reason string) {
	c.entry(s).WithField("reason", reason).Info("вызов завершен")
	c.closeFile(s.SID())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons[reason]++
}

// Hangups возвращает количество завершений по причинам
func (c *CallControl) Hangups() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.reasons))
	for k, v := range c.reasons {
		out[k] = v
	}
	return out
}

// RouteTransfer реализует jingle.Application
func (c *CallControl) RouteTransfer(_ context.Context, req jingle.TransferRequest) error {
	c.log.WithFields(logrus.Fields{"sid": req.SID, "target": req.Target.String()}).
		Info("передача отклонена: нет маршрутизации")
	return ErrNoRouting
}

// ConnectPeers реализует jingle.Application
func (c *CallControl) ConnectPeers(_ context.Context, transferred, target *jingle.Session) error {
	c.log.WithFields(logrus.Fields{"sid": transferred.SID(), "target_sid": target.SID()}).
		Info("передача с консультацией отклонена: нет маршрутизации")
	return ErrNoRouting
}

// Forward реализует jingle.Application
func (c *CallControl) Forward(s *jingle.Session, target jid.JID) {
	c.entry(s).WithField("target", target.String()).Info("перенаправление не выполняется")
}

// OpenFile реализует jingle.Application. Вызывается под блокировкой сессии.
func (c *CallControl) OpenFile(s *jingle.Session, f jingle.FileInfo, send bool) (socks.Payload, error) {
	if send {
		return socks.Payload{}, ErrSendUnsupported
	}
	if c.cfg.DownloadDir == "" {
		return socks.Payload{}, ErrFilesDisabled
	}
	name := filepath.Base(filepath.Clean("/" + f.Name))
	if name == "/" || name == "." {
		return socks.Payload{}, fmt.Errorf("недопустимое имя файла %q", f.Name)
	}
	file, err := os.Create(filepath.Join(c.cfg.DownloadDir, name))
	if err != nil {
		return socks.Payload{}, fmt.Errorf("не удалось создать файл: %w", err)
	}

	c.mu.Lock()
	c.files[s.SID()] = file
	c.mu.Unlock()
	return socks.Payload{Sink: file, Size: f.Size}, nil
}

// OnFileStatus реализует jingle.Application
func (c *CallControl) OnFileStatus(s *jingle.Session, state jingle.FileState, bytes int64) {
	c.entry(s).WithFields(logrus.Fields{"state": state.String(), "bytes": bytes}).Debug("состояние передачи файла")
	switch state {
	case jingle.FileEstablished:
		if !s.Outgoing() && !s.Answered() && c.cfg.DownloadDir != "" {
			c.answer(s)
		}
	case jingle.FileTerminated:
		c.closeFile(s.SID())
	}
}

func (c *CallControl) closeFile(sid string) {
	c.mu.Lock()
	f, ok := c.files[sid]
	delete(c.files, sid)
	c.mu.Unlock()
	if ok {
		if err := f.Close(); err != nil {
			c.log.WithError(err).WithField("sid", sid).Warn("не удалось закрыть файл")
		}
	}
}
