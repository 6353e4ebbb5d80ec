package resource

import (
	"context"
	"errors"
	"fmt"
)

// Code is an XA return code.
type Code int32

const (
	RBRollback  Code = 100 // rollback, unspecified reason
	RBCommFail  Code = 101
	RBDeadlock  Code = 102
	RBIntegrity Code = 103
	RBOther     Code = 104
	RBProto     Code = 105
	RBTimeout   Code = 106
	RBTransient Code = 107

	HeurHazard   Code = 8
	HeurCommit   Code = 7
	HeurRollback Code = 6
	HeurMixed    Code = 5
	Retry        Code = 4
	ReadOnly     Code = 3
	OK           Code = 0

	ErrAsync   Code = -2
	ErrRM      Code = -3
	ErrNotA    Code = -4
	ErrInval   Code = -5
	ErrProto   Code = -6
	ErrRMFail  Code = -7
	ErrDupID   Code = -8
	ErrOutside Code = -9
)

var codeNames = map[Code]string{
	RBRollback: "XA_RBROLLBACK", RBCommFail: "XA_RBCOMMFAIL", RBDeadlock: "XA_RBDEADLOCK",
	RBIntegrity: "XA_RBINTEGRITY", RBOther: "XA_RBOTHER", RBProto: "XA_RBPROTO",
	RBTimeout: "XA_RBTIMEOUT", RBTransient: "XA_RBTRANSIENT",
	HeurHazard: "XA_HEURHAZ", HeurCommit: "XA_HEURCOM", HeurRollback: "XA_HEURRB",
	HeurMixed: "XA_HEURMIX", Retry: "XA_RETRY", ReadOnly: "XA_RDONLY", OK: "XA_OK",
	ErrAsync: "XAER_ASYNC", ErrRM: "XAER_RMERR", ErrNotA: "XAER_NOTA", ErrInval: "XAER_INVAL",
	ErrProto: "XAER_PROTO", ErrRMFail: "XAER_RMFAIL", ErrDupID: "XAER_DUPID", ErrOutside: "XAER_OUTSIDE",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("XA(%d)", int32(c))
}

// XAError is the failure a resource manager reports for a branch operation.
type XAError struct {
	Code Code
	Err  error
}

func NewXAError(code Code, format string, args ...interface{}) *XAError {
	return &XAError{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *XAError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *XAError) Unwrap() error { return e.Err }

// CodeOf extracts the XA code from err. Errors that carry none map to
// ErrRMFail for context deadlines and cancellations and to ErrRM otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var xe *XAError
	if errors.As(err, &xe) {
		return xe.Code
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrRMFail
	}
	return ErrRM
}

func IsRollbackVote(err error) bool {
	c := CodeOf(err)
	return c >= RBRollback && c <= RBTransient
}

func IsHeuristic(err error) bool {
	switch CodeOf(err) {
	case HeurHazard, HeurCommit, HeurRollback, HeurMixed:
		return true
	}
	return false
}

// IsRetryable reports failures that may clear on their own: the resource
// manager is unavailable or asked to be called again.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case Retry, ErrRMFail, ErrRM, ErrAsync:
		return true
	}
	return false
}

// IsNotFound reports that the resource manager does not know the branch.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotA
}

var (
	// ErrUnreachable marks a resource manager that could not be reached.
	ErrUnreachable = errors.New("resource manager unreachable")
	// ErrVoteNegative marks a prepare that answered with a rollback vote.
	ErrVoteNegative = errors.New("resource manager voted to roll back")
)
