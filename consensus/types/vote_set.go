package types

import (
	"errors"
	"sort"

	"github.com/ArkEcosystem/mainsail-sub010/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrDuplicateVote       = errors.New("duplicate vote")
	ErrConflictingVote     = errors.New("conflicting vote")
	ErrVoteMismatch        = errors.New("vote does not belong to this round")
	ErrInvalidValidatorIdx = errors.New("invalid validator index")
	ErrProposalExists      = errors.New("a different proposal is already set for this round")
	ErrProposalMismatch    = errors.New("proposal does not belong to this round")
	ErrCommitNotPersisted  = errors.New("commit for current height is not persisted yet")
	ErrHeightMismatch      = errors.New("height does not match the repository height")
	ErrRoundDecrease       = errors.New("round can not decrease within a height")
)

type VoteOutcomeType uint8

const (
	VotePending       = VoteOutcomeType(0x00)
	VoteQuorumOnValue = VoteOutcomeType(0x01) // 某个区块获得+2/3
	VoteQuorumOnNil   = VoteOutcomeType(0x02) // nil获得+2/3
	VoteQuorumAny     = VoteOutcomeType(0x03) // 总票数+2/3，但没有单一的值达到
)

func (t VoteOutcomeType) String() string {
	switch t {
	case VotePending:
		return "Pending"
	case VoteQuorumOnValue:
		return "QuorumOnValue"
	case VoteQuorumOnNil:
		return "QuorumOnNil"
	case VoteQuorumAny:
		return "QuorumAny"
	default:
		return "Unknown"
	}
}

// VoteOutcome 接受一张投票后，这一轮该类型投票的统计结果
type VoteOutcome struct {
	Type    VoteOutcomeType
	BlockID tmbytes.HexBytes
}

func (o VoteOutcome) HasQuorum() bool {
	return o.Type != VotePending
}

// voteSet 一轮里某一类型的投票，每个验证者最多一张
// 计票每次都从已接受的投票重新推导
type voteSet struct {
	voteType   types.SignedMsgType
	height     int64
	round      int32
	validators *types.ValidatorSet
	votes      map[int32]*types.Vote
}

func newVoteSet(height int64, round int32, voteType types.SignedMsgType, vals *types.ValidatorSet) *voteSet {
	return &voteSet{
		voteType:   voteType,
		height:     height,
		round:      round,
		validators: vals,
		votes:      make(map[int32]*types.Vote),
	}
}

// addVote 返回该验证者之前已被接受的投票(如果有)
func (vs *voteSet) addVote(vote *types.Vote) (*types.Vote, error) {
	if vote.Type != vs.voteType || vote.Height != vs.height || vote.Round != vs.round {
		return nil, ErrVoteMismatch
	}
	if _, val := vs.validators.GetByIndex(vote.ValidatorIndex); val == nil {
		return nil, ErrInvalidValidatorIdx
	}

	if existing, ok := vs.votes[vote.ValidatorIndex]; ok {
		if existing.SameVote(vote) {
			return existing, ErrDuplicateVote
		}
		return existing, ErrConflictingVote
	}

	vs.votes[vote.ValidatorIndex] = vote.Copy()
	return nil, nil
}

func (vs *voteSet) getVote(valIdx int32) *types.Vote {
	return vs.votes[valIdx]
}

func (vs *voteSet) weightOf(valIdx int32) int64 {
	_, val := vs.validators.GetByIndex(valIdx)
	if val == nil {
		return 0
	}
	return val.VotingPower
}

// tally 按blockID统计权重，nil票的key为空串
func (vs *voteSet) tally() (byBlock map[string]int64, total int64) {
	byBlock = make(map[string]int64)
	for idx, vote := range vs.votes {
		w := vs.weightOf(idx)
		byBlock[string(vote.BlockID)] += w
		total += w
	}
	return byBlock, total
}

// majority 返回获得+2/3的值，nil也算一个值
func (vs *voteSet) majority() (tmbytes.HexBytes, bool) {
	byBlock, _ := vs.tally()
	quorum := vs.validators.QuorumThreshold()
	for key, w := range byBlock {
		if w >= quorum {
			if key == "" {
				return nil, true
			}
			return tmbytes.HexBytes(key), true
		}
	}
	return nil, false
}

func (vs *voteSet) outcome() VoteOutcome {
	if blockID, ok := vs.majority(); ok {
		if len(blockID) == 0 {
			return VoteOutcome{Type: VoteQuorumOnNil}
		}
		return VoteOutcome{Type: VoteQuorumOnValue, BlockID: blockID}
	}
	if vs.totalWeight() >= vs.validators.QuorumThreshold() {
		return VoteOutcome{Type: VoteQuorumAny}
	}
	return VoteOutcome{Type: VotePending}
}

func (vs *voteSet) totalWeight() int64 {
	_, total := vs.tally()
	return total
}

func (vs *voteSet) weightFor(blockID tmbytes.HexBytes) int64 {
	byBlock, _ := vs.tally()
	return byBlock[string(blockID)]
}

// votesFor 返回投给blockID的投票，key为验证者编号
func (vs *voteSet) votesFor(blockID tmbytes.HexBytes) map[int32]*types.Vote {
	res := make(map[int32]*types.Vote)
	for idx, vote := range vs.votes {
		if string(vote.BlockID) == string(blockID) {
			res[idx] = vote
		}
	}
	return res
}

// list 按验证者编号排序
func (vs *voteSet) list() []*types.Vote {
	votes := make([]*types.Vote, 0, len(vs.votes))
	for _, vote := range vs.votes {
		votes = append(votes, vote)
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].ValidatorIndex < votes[j].ValidatorIndex
	})
	return votes
}

func (vs *voteSet) size() int {
	return len(vs.votes)
}
