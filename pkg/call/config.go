package call

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Значения по умолчанию.
const (
	DefaultContentAddCandidateWait = time.Second
	DefaultTransportInfoWait       = time.Second
	DefaultResponseTimeout         = 5 * time.Second
)

var (
	ErrInvalidCandidateWait     = errors.New("content-add candidate wait must be positive")
	ErrInvalidTransportInfoWait = errors.New("transport-info wait must be positive")
	ErrInvalidResponseTimeout   = errors.New("response timeout must be positive")
)

// Config параметры ядра звонка.
type Config struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// ContentAddCandidateWait сколько ждать кандидатов для content-add без транспорта.
	ContentAddCandidateWait time.Duration
	// TransportInfoWait сколько transport-info ждет обработки session-initiate.
	TransportInfoWait time.Duration
	// ResponseTimeout ожидание ответа на IQ, отправленный через SendAndWait.
	ResponseTimeout time.Duration

	// OnTransfer вызывается при входящем запросе перевода. nil - запрос только логируется.
	OnTransfer TransferHandler
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Logger:                  slog.Default(),
		ContentAddCandidateWait: DefaultContentAddCandidateWait,
		TransportInfoWait:       DefaultTransportInfoWait,
		ResponseTimeout:         DefaultResponseTimeout,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.ContentAddCandidateWait <= 0 {
		return ErrInvalidCandidateWait
	}
	if c.TransportInfoWait <= 0 {
		return ErrInvalidTransportInfoWait
	}
	if c.ResponseTimeout <= 0 {
		return ErrInvalidResponseTimeout
	}
	return nil
}

// withDefaults заполняет нулевые поля значениями по умолчанию.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.ContentAddCandidateWait == 0 {
		c.ContentAddCandidateWait = d.ContentAddCandidateWait
	}
	if c.TransportInfoWait == 0 {
		c.TransportInfoWait = d.TransportInfoWait
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	return c
}
