package types

import (
	"fmt"
	"time"
)

// DuplicateVoteEvidence 同一验证者在同一轮对同一类型投出两张不同的票
// VoteA是先被接受的那张
type DuplicateVoteEvidence struct {
	VoteA     *Vote     `json:"vote_a"`
	VoteB     *Vote     `json:"vote_b"`
	Timestamp time.Time `json:"timestamp"`
}

func NewDuplicateVoteEvidence(first, second *Vote, t time.Time) *DuplicateVoteEvidence {
	return &DuplicateVoteEvidence{
		VoteA:     first.Copy(),
		VoteB:     second.Copy(),
		Timestamp: t,
	}
}

func (ev *DuplicateVoteEvidence) ValidatorIndex() int32 {
	return ev.VoteA.ValidatorIndex
}

func (ev *DuplicateVoteEvidence) Height() int64 {
	return ev.VoteA.Height
}

func (ev *DuplicateVoteEvidence) String() string {
	return fmt.Sprintf("DuplicateVoteEvidence{%v %v}", ev.VoteA, ev.VoteB)
}
