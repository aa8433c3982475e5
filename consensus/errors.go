package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrHalted           = errors.New("consensus halted")
	ErrStaleCommit      = errors.New("commit height is not above the last committed height")
	ErrCommitInProgress = errors.New("another commit is being applied")
	ErrInvalidProof     = errors.New("invalid aggregated signature")
	ErrNoVotes          = errors.New("no votes to aggregate")

	ErrDuplicateProposal = errors.New("proposal already received")
)

// RejectReason 消息被处理器拒绝的原因
type RejectReason uint8

const (
	ReasonMalformed RejectReason = iota + 1
	ReasonUnknownValidator
	ReasonBadSignature
	ReasonHeightTooOld
	ReasonHeightTooFarAhead
	ReasonRoundNotStarted
	ReasonDuplicateEquivocating
	ReasonInvalidProposer
	ReasonInvalidLockProof
	ReasonInvalidBlock
)

func (r RejectReason) String() string {
	switch r {
	case ReasonMalformed:
		return "Malformed"
	case ReasonUnknownValidator:
		return "UnknownValidator"
	case ReasonBadSignature:
		return "BadSignature"
	case ReasonHeightTooOld:
		return "HeightTooOld"
	case ReasonHeightTooFarAhead:
		return "HeightTooFarAhead"
	case ReasonRoundNotStarted:
		return "RoundNotStarted"
	case ReasonDuplicateEquivocating:
		return "DuplicateEquivocating"
	case ReasonInvalidProposer:
		return "InvalidProposer"
	case ReasonInvalidLockProof:
		return "InvalidLockProof"
	case ReasonInvalidBlock:
		return "InvalidBlock"
	default:
		return "Unknown"
	}
}

// RejectedError 处理器拒绝一条消息，消息不会修改任何共识状态
type RejectedError struct {
	Reason RejectReason
	Err    error
}

func reject(reason RejectReason, err error) *RejectedError {
	return &RejectedError{Reason: reason, Err: err}
}

func rejectf(reason RejectReason, format string, args ...interface{}) *RejectedError {
	return &RejectedError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rejected: %v", e.Reason)
	}
	return fmt.Sprintf("rejected (%v): %v", e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// IsRejected err是否是因为reason被拒绝
func IsRejected(err error, reason RejectReason) bool {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason == reason
	}
	return false
}

// ApplyError 账本无法执行一个已经获得+2/3 precommit的区块
type ApplyError struct {
	Height int64
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply block %d: %v", e.Height, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// HaltError 共识停止的原因，errors.Is(err, ErrHalted)成立，同时可以展开到底层错误
type HaltError struct {
	Height int64
	Err    error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("%v at height %d: %v", ErrHalted, e.Height, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

func (e *HaltError) Is(target error) bool { return target == ErrHalted }
