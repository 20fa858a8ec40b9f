package err

import (
	"encoding/json"
	"errors"
)

// ConfigurationError represents errors that are a result of bad flags, configuration
// settings, environment values or a host that cannot run the agent (for example a
// missing systemctl binary). They are fatal at startup.
type ConfigurationError struct {
	Err error
}

// ConnectionError represents a failure talking to the MQTT broker: connect,
// publish or disconnect.
type ConnectionError struct {
	// Op is the broker operation that failed (connect, publish, disconnect)
	Op string
	// Topic is set for publish failures
	Topic string
	Err   error
}

// EventsError is returned by the tick loop when a dequeued journal record
// could not be interpreted.
type EventsError struct {
	Msg string
	Err error
}

// StatsError is returned by the tick loop when a dequeued stats row could not
// be interpreted or aggregated.
type StatsError struct {
	Msg string
	Err error
}

// ProcessingError is the generic failure for anything that is neither an
// events nor a stats failure.
type ProcessingError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	return e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Error() string {
	msg := "mqtt " + e.Op
	if e.Topic != "" {
		msg += " " + e.Topic
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *EventsError) Error() string {
	return joinMsg(e.Msg, e.Err)
}

func (e *EventsError) Unwrap() error {
	return e.Err
}

func (e *StatsError) Error() string {
	return joinMsg(e.Msg, e.Err)
}

func (e *StatsError) Unwrap() error {
	return e.Err
}

func (e *ProcessingError) Error() string {
	return joinMsg(e.Msg, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsKnownProcessingError reports whether err carries an EventsError or a
// StatsError, the two kinds the run loop may log and skip.
func IsKnownProcessingError(err error) bool {
	var eventsErr *EventsError
	var statsErr *StatsError
	return errors.As(err, &eventsErr) || errors.As(err, &statsErr)
}

func joinMsg(msg string, err error) string {
	switch {
	case err == nil && msg == "":
		return "an unknown error occurred"
	case err == nil:
		return msg
	case msg == "":
		return err.Error()
	default:
		return msg + ": " + err.Error()
	}
}

// Will try and json unmarshal an error string into a slice of interfaces
// that match the slog algorithm for varadic parameters (alternating key value pairs)
func TryConvertErrorToAttrs(err error) []any {
	var result map[string]any
	umError := json.Unmarshal([]byte(err.Error()), &result)
	if umError != nil {
		return nil
	}
	attrs := make([]any, 0, len(result)*2)
	for k, v := range result {
		attrs = append(attrs, k, v)
	}
	return attrs
}
