package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kong/systemctl2mqtt/internal/filter"
	"github.com/kong/systemctl2mqtt/internal/log"
)

// ReloadingMessage is what systemd logs when it reloads its unit files.
const ReloadingMessage = "Reloading."

// ErrStreamClosed is returned by a reader whose stream reached EOF.
var ErrStreamClosed = errors.New("stream closed")

// JournalRecord is the part of a journal JSON line the agent acts on.
type JournalRecord struct {
	Unit      string `json:"UNIT"`
	Message   string `json:"MESSAGE"`
	JobType   string `json:"JOB_TYPE,omitempty"`
	JobResult string `json:"JOB_RESULT,omitempty"`
}

// UnmarshalJSON accepts every field encoding of journalctl --output=json.
func (r *JournalRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Unit      journalField `json:"UNIT"`
		Message   journalField `json:"MESSAGE"`
		JobType   journalField `json:"JOB_TYPE"`
		JobResult journalField `json:"JOB_RESULT"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = JournalRecord{
		Unit:      string(raw.Unit),
		Message:   string(raw.Message),
		JobType:   string(raw.JobType),
		JobResult: string(raw.JobResult),
	}
	return nil
}

// journalField is a journal value. journalctl writes a string, null for
// fields too large to show, an array of byte values for non-printable or
// non UTF-8 data, and an array of values for fields set more than once (the
// first one is kept).
type journalField string

func (f *journalField) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s, err := journalValue(v)
	if err != nil {
		return err
	}
	*f = journalField(s)
	return nil
}

func journalValue(v any) (string, error) {
	switch typed := v.(type) {
	case nil:
		return "", nil
	case string:
		return typed, nil
	case []any:
		if len(typed) == 0 {
			return "", nil
		}
		if _, isByte := typed[0].(float64); !isByte {
			return journalValue(typed[0])
		}
		b := make([]byte, len(typed))
		for i, e := range typed {
			n, ok := e.(float64)
			if !ok || n < 0 || n > 255 || n != float64(int(n)) {
				return "", fmt.Errorf("invalid journal byte %v", e)
			}
			b[i] = byte(n)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unexpected journal value of type %T", v)
	}
}

// IsReload reports whether the record announces a daemon reload.
func (r JournalRecord) IsReload() bool {
	return r.Message == ReloadingMessage
}

// IsJob reports whether the record carries both a job type and a result.
func (r JournalRecord) IsJob() bool {
	return r.JobType != "" && r.JobResult != ""
}

// EventReader tails the journal and queues the records of monitored units.
type EventReader struct {
	source Source
	policy *filter.Policy
	filter *RecordFilter
	out    chan<- JournalRecord
	logger *slog.Logger
}

// NewEventReader builds a reader. recordFilter may be nil.
func NewEventReader(source Source, policy *filter.Policy, recordFilter *RecordFilter,
	out chan<- JournalRecord, logger *slog.Logger,
) *EventReader {
	return &EventReader{
		source: source,
		policy: policy,
		filter: recordFilter,
		out:    out,
		logger: log.Component(logger, log.ComponentEventReader),
	}
}

// Run reads the stream until it closes or a line cannot be decoded. It never
// retries; restarting is the supervisor's job.
func (r *EventReader) Run(ctx context.Context) error {
	r.logger.Info("starting events reader", "source", fmt.Sprint(r.source))
	stream, err := r.source.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	err = scanLines(ctx, stream, r.handle(ctx))
	if err != nil {
		return err
	}
	return ErrStreamClosed
}

func (r *EventReader) handle(ctx context.Context) func(string) error {
	return func(line string) error {
		var record JournalRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return fmt.Errorf("decode journal line: %w", err)
		}
		if !r.accept(record) {
			return nil
		}
		if r.filter != nil {
			ok, err := r.filter.MatchJSON([]byte(line))
			if err != nil {
				r.logger.Warn("event filter failed", "error", err)
				return nil
			}
			if !ok {
				return nil
			}
		}
		r.logger.Log(ctx, log.LevelTrace, "read journal event line", "line", line)
		return send(ctx, r.out, record)
	}
}

// accept applies the unit filter. Manager messages without a unit are
// only of interest when they announce a reload.
func (r *EventReader) accept(record JournalRecord) bool {
	if record.Unit == "" {
		return record.IsReload()
	}
	return r.policy.Allows(record.Unit)
}
