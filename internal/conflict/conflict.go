// Package conflict decides whether a WOPI PutFile may overwrite a file.
//
// The checks of a Pipeline run in order before any byte is written; the
// first one that objects stops the pipeline and its Verdict tells the
// handler how to answer the editor.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/session"
)

var (
	// ErrTimestampConflict is returned when the editor's expected
	// last-modified time is not the file's actual one.
	ErrTimestampConflict = errors.New("timestamp conflict")
	// ErrMalformedTimestamp is returned when the timestamp header cannot be parsed.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
)

// Outcome classifies a Verdict.
type Outcome int

const (
	// Proceed means every check passed and the write may happen.
	Proceed Outcome = iota
	// LockConflict means the presented lock token is not the current one.
	LockConflict
	// TimestampConflict means the file changed since the editor loaded it.
	TimestampConflict
	// Invalid means the request itself is malformed.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case LockConflict:
		return "lock_conflict"
	case TimestampConflict:
		return "timestamp_conflict"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Request is what the checks know about a pending write.
type Request struct {
	FileID string
	// LockToken is the X-WOPI-Lock header, "" when absent.
	LockToken string
	// Timestamp is the raw expected last-modified header, "" when absent.
	Timestamp string
	// LastModified is the file's current last-modified time from storage.
	LastModified time.Time
}

// Verdict is the result of a pipeline evaluation.
type Verdict struct {
	Outcome Outcome
	// CurrentLock is the authoritative lock token on a LockConflict ("" when unlocked).
	CurrentLock string
	// LastModified is the file's actual last-modified time on a TimestampConflict.
	LastModified time.Time
	Err          error
}

// Passed reports whether the write may go ahead.
func (v Verdict) Passed() bool {
	return v.Outcome == Proceed
}

// Check inspects a request. It returns nil to let the pipeline continue,
// a Verdict to stop it, or an error when it could not decide.
type Check func(ctx context.Context, req Request) (*Verdict, error)

// Pipeline runs checks in order.
type Pipeline struct {
	checks []Check
}

// NewPipeline returns a Pipeline running checks in the given order.
func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: checks}
}

// Evaluate runs the checks until one of them objects.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (Verdict, error) {
	for _, check := range p.checks {
		v, err := check(ctx, req)
		if err != nil {
			return Verdict{}, err
		}
		if v != nil && !v.Passed() {
			return *v, nil
		}
	}
	return Verdict{Outcome: Proceed}, nil
}

// LockCheck requires the request token to be the file's current lock token.
// A missing token on a locked file and a token on an unlocked file are both
// conflicts.
func LockCheck(registry session.Registry) Check {
	return func(ctx context.Context, req Request) (*Verdict, error) {
		current, err := registry.GetLock(ctx, req.FileID)
		if err != nil {
			return nil, fmt.Errorf("failed to read lock: %w", err)
		}
		currentToken := ""
		if current != nil {
			currentToken = current.Token
		}
		if currentToken == req.LockToken {
			return nil, nil
		}
		return &Verdict{
			Outcome:     LockConflict,
			CurrentLock: currentToken,
			Err:         &session.LockMismatchError{FileID: req.FileID, CurrentToken: currentToken},
		}, nil
	}
}

// TimestampCheck compares the expected last-modified time, when one was sent,
// with the actual one at microsecond precision, the precision it is rendered at.
func TimestampCheck() Check {
	return func(ctx context.Context, req Request) (*Verdict, error) {
		if req.Timestamp == "" {
			return nil, nil
		}
		expected, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			return &Verdict{
				Outcome: Invalid,
				Err:     fmt.Errorf("%w %q: %w", ErrMalformedTimestamp, req.Timestamp, err),
			}, nil
		}
		actual := req.LastModified.Truncate(time.Microsecond)
		if expected.Truncate(time.Microsecond).Equal(actual) {
			return nil, nil
		}
		return &Verdict{
			Outcome:      TimestampConflict,
			LastModified: req.LastModified,
			Err:          ErrTimestampConflict,
		}, nil
	}
}
