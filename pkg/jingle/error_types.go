package jingle

import (
	"errors"
	"fmt"
	"time"

	"mellium.im/xmpp/stanza"
)

// ErrorCategory категории ошибок согласования
type ErrorCategory string

const (
	// Некорректное или неполное предложение
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	// Нет общего кодека, кандидата или шифрования
	ErrorCategoryNegotiation ErrorCategory = "NEGOTIATION"
	// Исчерпаны транспорты (stream host, медиамост)
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	// Функция намеренно не поддерживается, сессия продолжается
	ErrorCategoryPolicy ErrorCategory = "POLICY"
	// Присутствие не подтверждено или поток не восстановлен
	ErrorCategoryTimeout ErrorCategory = "TIMEOUT"
	// Операция недопустима в текущем состоянии
	ErrorCategoryState ErrorCategory = "STATE"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // Сессия завершается
	ErrorSeverityError    ErrorSeverity = "ERROR"    // Операция не выполнена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // Отклонен отдельный content, сессия продолжается
	ErrorSeverityInfo     ErrorSeverity = "INFO"
)

// String возвращает строковое представление уровня критичности
func (es ErrorSeverity) String() string {
	return string(es)
}

// SessionError структурированная ошибка сессии с контекстом.
//
// Condition используется для ответа на входящий запрос, Reason - стабильный
// код причины завершения, который получает приложение.
type SessionError struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Category  ErrorCategory    `json:"category"`
	Severity  ErrorSeverity    `json:"severity"`
	SID       string           `json:"sid,omitempty"`
	Condition stanza.Condition `json:"condition,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`

	Fields map[string]interface{} `json:"fields,omitempty"`
	Cause  error                  `json:"cause,omitempty"`
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	if e.SID != "" {
		return fmt.Sprintf("[%s:%s] %s (sid: %s)", e.Category, e.Code, e.Message, e.SID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле к ошибке
func (e *SessionError) WithField(key string, value interface{}) *SessionError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *SessionError) WithCause(cause error) *SessionError {
	e.Cause = cause
	return e
}

// WithSID привязывает ошибку к сессии
func (e *SessionError) WithSID(sid string) *SessionError {
	e.SID = sid
	return e
}

// StanzaError возвращает ошибку протокола для ответа на запрос
func (e *SessionError) StanzaError() stanza.Error {
	cond := e.Condition
	if cond == "" {
		cond = stanza.UndefinedCondition
	}
	typ := stanza.Cancel
	switch e.Category {
	case ErrorCategoryValidation:
		typ = stanza.Modify
	case ErrorCategoryTimeout:
		typ = stanza.Wait
	}
	return stanza.Error{Type: typ, Condition: cond}
}

// NewSessionError создает новую структурированную ошибку
func NewSessionError(code, message string, category ErrorCategory, severity ErrorSeverity) *SessionError {
	return &SessionError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Fields:    make(map[string]interface{}),
	}
}

// Предопределенные ошибки

func ErrBadRequest(message string) *SessionError {
	err := NewSessionError("BAD_REQUEST", message, ErrorCategoryValidation, ErrorSeverityError)
	err.Condition = stanza.BadRequest
	err.Reason = ReasonFailure
	return err
}

func ErrContentRejected(content, cause string) *SessionError {
	err := NewSessionError(
		"CONTENT_REJECTED",
		fmt.Sprintf("content '%s' отклонен: %s", content, cause),
		ErrorCategoryValidation,
		ErrorSeverityWarning,
	).WithField("content", content).WithField("cause", cause)
	err.Condition = stanza.NotAcceptable
	return err
}

func ErrConflict(content string) *SessionError {
	err := NewSessionError(
		"CONTENT_CONFLICT",
		fmt.Sprintf("content '%s' уже существует", content),
		ErrorCategoryValidation,
		ErrorSeverityError,
	).WithField("content", content)
	err.Condition = stanza.Conflict
	return err
}

func ErrNoCommonMedia(content string) *SessionError {
	err := NewSessionError(
		"NO_COMMON_MEDIA",
		fmt.Sprintf("нет общих кодеков для content '%s'", content),
		ErrorCategoryNegotiation,
		ErrorSeverityWarning,
	).WithField("content", content)
	err.Condition = stanza.NotAcceptable
	err.Reason = ReasonNoMedia
	return err
}

func ErrCryptoRequired(content string) *SessionError {
	err := NewSessionError(
		"CRYPTO_REQUIRED",
		"шифрование обязательно, но общий набор не найден",
		ErrorCategoryNegotiation,
		ErrorSeverityCritical,
	).WithField("content", content)
	err.Condition = stanza.NotAcceptable
	err.Reason = ReasonCryptoRequired
	return err
}

func ErrNoTransport(message string) *SessionError {
	err := NewSessionError("NO_TRANSPORT", message, ErrorCategoryTransport, ErrorSeverityCritical)
	err.Condition = stanza.RemoteServerNotFound
	err.Reason = ReasonNoTransport
	return err
}

func ErrNotAllowed(action Action) *SessionError {
	err := NewSessionError(
		"NOT_ALLOWED",
		fmt.Sprintf("действие '%s' не разрешено", action),
		ErrorCategoryPolicy,
		ErrorSeverityWarning,
	).WithField("action", string(action))
	err.Condition = stanza.NotAllowed
	return err
}

func ErrNotImplemented(action Action) *SessionError {
	err := NewSessionError(
		"NOT_IMPLEMENTED",
		fmt.Sprintf("действие '%s' не реализовано", action),
		ErrorCategoryPolicy,
		ErrorSeverityWarning,
	).WithField("action", string(action))
	err.Condition = stanza.FeatureNotImplemented
	return err
}

func ErrPolicyDenied(operation, reason string) *SessionError {
	err := NewSessionError(
		"POLICY_DENIED",
		fmt.Sprintf("операция '%s' отклонена: %s", operation, reason),
		ErrorCategoryPolicy,
		ErrorSeverityWarning,
	).WithField("operation", operation)
	err.Condition = stanza.NotAllowed
	return err
}

func ErrInvalidState(state State, operation string) *SessionError {
	err := NewSessionError(
		"INVALID_STATE",
		fmt.Sprintf("нельзя выполнить '%s' в состоянии %s", operation, state),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("state", state.String()).WithField("operation", operation)
	err.Condition = stanza.UnexpectedRequest
	return err
}

func ErrSessionNotFound(sid string) *SessionError {
	err := NewSessionError("SESSION_NOT_FOUND", "сессия не найдена", ErrorCategoryState, ErrorSeverityError)
	err.SID = sid
	err.Condition = stanza.ItemNotFound
	return err
}

func ErrOffline(remote string) *SessionError {
	err := NewSessionError(
		"OFFLINE",
		fmt.Sprintf("удаленная сторона %s недоступна", remote),
		ErrorCategoryTimeout,
		ErrorSeverityCritical,
	).WithField("remote", remote)
	err.Condition = stanza.RecipientUnavailable
	err.Reason = ReasonOffline
	return err
}

// GetErrorCategory извлекает категорию ошибки
func GetErrorCategory(err error) ErrorCategory {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrorCategoryState
}

// GetReason извлекает код причины завершения, по умолчанию failure
func GetReason(err error) string {
	var se *SessionError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	return ReasonFailure
}

// IsPolicyDenial проверяет, отклонена ли операция политикой
func IsPolicyDenial(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPolicy
}

// toStanzaError строит ответ на запрос по произвольной ошибке
func toStanzaError(err error) stanza.Error {
	var se *SessionError
	if errors.As(err, &se) {
		return se.StanzaError()
	}
	return stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError}
}
