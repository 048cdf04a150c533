package stream

import "fmt"

// ErrorConsumed is the message of the Error event yielded when a stream is
// iterated a second time.
const ErrorConsumed = "stream already consumed"

// StreamAbortError reports a run that failed before completing.
type StreamAbortError struct {
	UserID string
	Err    error
}

func (e *StreamAbortError) Error() string {
	return fmt.Sprintf("chat stream for user %s aborted: %v", e.UserID, e.Err)
}

func (e *StreamAbortError) Unwrap() error {
	return e.Err
}
