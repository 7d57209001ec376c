package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrUnauthenticated подпись вебхука отсутствует или неверна
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnknownProvider для провайдера не зарегистрирован нормализатор
	ErrUnknownProvider = errors.New("unknown webhook provider")

	// ErrMalformedEvent подпись верна, но событие не удалось разобрать
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrUnresolvedAccount событие не удалось сопоставить с локальным аккаунтом
	ErrUnresolvedAccount = errors.New("unresolved account")

	// ErrDuplicateEvent событие с этим натуральным ключом уже обработано
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInsufficientFunds недостаточно кредитов
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStaleSubscriptionUpdate событие описывает более ранний период, чем сохранённый
	ErrStaleSubscriptionUpdate = errors.New("stale subscription update")

	// ErrInvalidTransition недопустимый переход состояния задачи
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrStorageFailure хранилище недоступно, операцию можно повторить
	ErrStorageFailure = errors.New("storage failure")
)

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// UnresolvedAccountError событие прошло проверку подписи, но аккаунт не найден.
// Несёт идентификаторы события, чтобы оператор мог сверить данные вручную.
type UnresolvedAccountError struct {
	Provider   string
	EventID    string
	EventType  string
	CustomerID string
	AccountID  string
}

func (e *UnresolvedAccountError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("unresolved account: %s event %s (%s) references unknown account %s",
			e.Provider, e.EventID, e.EventType, e.AccountID)
	}
	return fmt.Sprintf("unresolved account: %s event %s (%s) has no account for customer %q",
		e.Provider, e.EventID, e.EventType, e.CustomerID)
}

func (e *UnresolvedAccountError) Is(target error) bool {
	return target == ErrUnresolvedAccount
}

// StorageError оборачивает ошибку драйвера БД.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// NewStorageError создает ошибку хранилища; nil остаётся nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// MalformedEventError содержит причину, по которой аутентичное событие не разобрано.
type MalformedEventError struct {
	Provider  string
	EventID   string
	EventType string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event %s (%s): %s", e.Provider, e.EventID, e.EventType, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}
