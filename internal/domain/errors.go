package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "get_bucket")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DataNotAvailableError says a timestamp or index has no data yet,
// or lies before the retained history. Callers retry later.
type DataNotAvailableError struct {
	Instrument string
	Index      int64
	Timestamp  float64
}

func (e *DataNotAvailableError) Error() string {
	msg := "data not available"
	if e.Instrument != "" {
		msg += " [" + e.Instrument + "]"
	}
	if e.Index >= 0 {
		msg += " index=" + strconv.FormatInt(e.Index, 10)
	}
	if e.Timestamp != 0 {
		msg += " ts=" + strconv.FormatFloat(e.Timestamp, 'f', -1, 64)
	}
	return msg
}

func (e *DataNotAvailableError) IsRetriable() bool {
	return true
}

func (e *DataNotAvailableError) Is(target error) bool {
	return target == ErrDataNotAvailable
}

// NewDataNotAvailable builds a DataNotAvailableError. Pass index -1 when unknown.
func NewDataNotAvailable(instrument string, index int64, ts float64) *DataNotAvailableError {
	return &DataNotAvailableError{Instrument: instrument, Index: index, Timestamp: ts}
}

// CorruptRecordError reports a width, checksum or alignment mismatch.
type CorruptRecordError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptRecordError) Error() string {
	msg := "corrupt record"
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Offset >= 0 {
		msg += " @" + strconv.FormatInt(e.Offset, 10)
	}
	return msg + ": " + e.Err.Error()
}

func (e *CorruptRecordError) IsRetriable() bool {
	return false
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrCorruptRecord
}

// InconsistencyError reports a structural problem in upstream data,
// such as a crossed book. It is diagnostic only.
type InconsistencyError struct {
	Instrument string
	Index      int64
	Bid        float64
	Ask        float64
	Timestamp  float64
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("crossed book [%s] index=%d bid=%v ask=%v ts=%v",
		e.Instrument, e.Index, e.Bid, e.Ask, e.Timestamp)
}

func (e *InconsistencyError) Is(target error) bool {
	return target == ErrInconsistency
}

var (
	// ErrDataNotAvailable matches every DataNotAvailableError.
	ErrDataNotAvailable = errors.New("data not available")

	// ErrCorruptRecord matches every CorruptRecordError.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrInconsistency matches every InconsistencyError.
	ErrInconsistency = errors.New("structural inconsistency")

	// ErrConnectionLost is returned to readers released by a closed connection. Retriable.
	ErrConnectionLost = errors.New("connection lost")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")

	// ErrInvalidInstrument is returned when an instrument is unknown or malformed. Not retriable.
	ErrInvalidInstrument = errors.New("invalid instrument")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
