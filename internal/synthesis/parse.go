package synthesis

import (
	"fmt"

	"github.com/lorenzotomasdiez/roundtable/internal/llm"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
)

// ParseError reports model output that could not be decoded into the
// expected shape, even after relaxed extraction.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("synthesis: parse %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// decode parses strictly first and falls back to pulling a JSON object out of
// surrounding prose.
func decode(stage, raw string, v any) error {
	strictErr := llm.DecodeStrict(raw, v)
	if strictErr == nil {
		return nil
	}
	observability.Logger().Debug("strict parse failed, trying relaxed", "stage", stage, "error", strictErr)
	if err := llm.DecodeRelaxed(raw, v); err != nil {
		return &ParseError{Stage: stage, Err: err}
	}
	return nil
}
