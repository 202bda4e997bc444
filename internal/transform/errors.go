package transform

import "fmt"

// MalformedRecordError reports a raw record missing a required field or
// carrying a value that cannot be coerced.
type MalformedRecordError struct {
	Index  int    // position in the input batch
	CoinID string // empty when the id itself is missing
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.CoinID == "" {
		return fmt.Sprintf("malformed record at index %d: field %q %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed record at index %d (%s): field %q %s", e.Index, e.CoinID, e.Field, e.Reason)
}
