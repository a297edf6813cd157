package protocol

import "fmt"

// Reasons carried by ProtocolError.
const (
	ReasonMalformed   = "malformed"
	ReasonUnmatchedID = "unmatched_id"
)

// ProtocolError reports a malformed or unmatched inbound frame.
type ProtocolError struct {
	Reason string
	ID     *int64
	Detail string
	Err    error
}

// UnmatchedID builds the error for a response whose id no caller is waiting on.
func UnmatchedID(id int64) *ProtocolError {
	return &ProtocolError{Reason: ReasonUnmatchedID, ID: &id, Detail: "no pending request"}
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.ID != nil {
		msg += fmt.Sprintf(" id=%d", *e.ID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
