package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict нарушение уникального ограничения при записи.
	ErrConflict = errors.New("unique constraint violation")
	// ErrDataInvalid запись не прошла валидацию и отброшена.
	ErrDataInvalid = errors.New("invalid record")
)

// AuthError неверные учётные данные, повтор бесполезен.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (status %d): %s", e.Status, e.Message)
}

// QuotaExceededError квота исчерпана до ResetAt.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded until %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// TransientError таймаут, обрыв соединения или 5xx.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RemoteLogicError транспорт отработал, но API вернул ошибку приложения.
type RemoteLogicError struct {
	Status   int
	Messages []string
}

func (e *RemoteLogicError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("remote error (status %d)", e.Status)
	}
	return fmt.Sprintf("remote error (status %d): %v", e.Status, e.Messages)
}

// IsRetryable сообщает, имеет ли смысл повторять операцию.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent сообщает, что ошибку нельзя исправить повтором в текущем окне.
func IsPermanent(err error) bool {
	var auth *AuthError
	var quota *QuotaExceededError
	var logic *RemoteLogicError
	return errors.As(err, &auth) || errors.As(err, &quota) || errors.As(err, &logic)
}
