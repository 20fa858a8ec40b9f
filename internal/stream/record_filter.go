package stream

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// RecordFilter is a jq predicate over raw journal records. A record passes
// when the first value the expression yields is truthy (neither false nor
// null). An expression that yields nothing rejects the record.
type RecordFilter struct {
	expr string
	code *gojq.Code
}

// NewRecordFilter compiles expr, for example `.PRIORITY != "7"`.
func NewRecordFilter(expr string) (*RecordFilter, error) {
	parsed, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid event filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("invalid event filter %q: %w", expr, err)
	}
	return &RecordFilter{expr: expr, code: code}, nil
}

func (f *RecordFilter) String() string {
	return f.expr
}

// MatchJSON decodes record and evaluates the predicate against it.
func (f *RecordFilter) MatchJSON(record []byte) (bool, error) {
	var payload any
	if err := json.Unmarshal(record, &payload); err != nil {
		return false, fmt.Errorf("record is not valid JSON: %w", err)
	}
	return f.Match(payload)
}

// Match evaluates the predicate against a decoded record.
func (f *RecordFilter) Match(payload any) (bool, error) {
	iter := f.code.Run(payload)
	value, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := value.(error); isErr {
		return false, fmt.Errorf("event filter failed: %w", err)
	}
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return true, nil
	}
}
