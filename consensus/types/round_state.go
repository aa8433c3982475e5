package types

import (
	"bytes"
	"fmt"

	"github.com/ArkEcosystem/mainsail-sub010/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmtime "github.com/tendermint/tendermint/types/time"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

// RoundStepType
const (
	RoundStepPropose   = RoundStepType(0x01) // 等待或发布提案
	RoundStepPrevote   = RoundStepType(0x02) // 已经prevote，等待+2/3 prevote
	RoundStepPrecommit = RoundStepType(0x03) // 已经precommit，等待+2/3 precommit
	RoundStepCommit    = RoundStepType(0x04) // 收到+2/3 precommit，正在提交
)

// IsValid returns true if the step is valid, false if unknown/undefined.
func (rs RoundStepType) IsValid() bool {
	return uint8(rs) >= 0x01 && uint8(rs) <= 0x04
}

// String returns a string
func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepPropose:
		return "RoundStepPropose"
	case RoundStepPrevote:
		return "RoundStepPrevote"
	case RoundStepPrecommit:
		return "RoundStepPrecommit"
	case RoundStepCommit:
		return "RoundStepCommit"
	default:
		return "RoundStepUnknown" // Cannot panic.
	}
}

//-----------------------------------------------------------------------------

// RoundState 一个(height, round)的投票箱：这一轮的提案和所有已接受的投票
// 锁定相关的变量属于整个高度，保存在共享的HeightContext中
// NOTE: 只能由共识的事件循环访问
type RoundState struct {
	Height int64
	Round  int32

	step       RoundStepType
	validators *types.ValidatorSet
	hc         *HeightContext

	proposal   *types.Proposal
	prevotes   *voteSet
	precommits *voteSet
}

func newRoundState(hc *HeightContext, round int32, vals *types.ValidatorSet) *RoundState {
	return &RoundState{
		Height:     hc.Height,
		Round:      round,
		step:       RoundStepPropose,
		validators: vals,
		hc:         hc,
		prevotes:   newVoteSet(hc.Height, round, types.PrevoteType, vals),
		precommits: newVoteSet(hc.Height, round, types.PrecommitType, vals),
	}
}

func (rs *RoundState) Step() RoundStepType {
	return rs.step
}

// SetStep 只由共识服务调用，RoundState自己从不推进step
func (rs *RoundState) SetStep(step RoundStepType) {
	rs.step = step
}

func (rs *RoundState) Validators() *types.ValidatorSet {
	return rs.validators
}

func (rs *RoundState) HeightContext() *HeightContext {
	return rs.hc
}

//-----------------------------------------------------------------------------
// proposal

// SetProposal 一轮只接受一个提案，重复设置同一个提案不报错
func (rs *RoundState) SetProposal(proposal *types.Proposal) error {
	if proposal.Height != rs.Height || proposal.Round != rs.Round {
		return ErrProposalMismatch
	}
	if rs.proposal != nil {
		if bytes.Equal(rs.proposal.BlockID(), proposal.BlockID()) &&
			rs.proposal.ValidRound == proposal.ValidRound {
			return nil
		}
		return ErrProposalExists
	}

	rs.proposal = proposal
	// 提案可能晚于+2/3 prevote到达
	rs.evaluatePrevoteQuorum()
	return nil
}

func (rs *RoundState) HasProposal() bool {
	return rs.proposal != nil
}

func (rs *RoundState) Proposal() *types.Proposal {
	return rs.proposal
}

// ProposalBlock 返回提案区块，没有提案时返回nil
func (rs *RoundState) ProposalBlock() *types.Block {
	if rs.proposal == nil {
		return nil
	}
	return rs.proposal.Block
}

func (rs *RoundState) ProposalBlockID() tmbytes.HexBytes {
	return rs.proposal.BlockID()
}

//-----------------------------------------------------------------------------
// votes

// AddPrevote 重复的投票返回ErrDuplicateVote，冲突的投票记录为证据并返回ErrConflictingVote
// 两种情况都不会改变计票结果
func (rs *RoundState) AddPrevote(vote *types.Vote) (VoteOutcome, error) {
	if err := rs.addVote(rs.prevotes, vote); err != nil {
		return VoteOutcome{}, err
	}

	outcome := rs.prevotes.outcome()
	if outcome.Type == VoteQuorumOnValue {
		rs.evaluatePrevoteQuorum()
	}
	return outcome, nil
}

// AddPrecommit 和AddPrevote的过滤规则一致
func (rs *RoundState) AddPrecommit(vote *types.Vote) (VoteOutcome, error) {
	if err := rs.addVote(rs.precommits, vote); err != nil {
		return VoteOutcome{}, err
	}
	return rs.precommits.outcome(), nil
}

func (rs *RoundState) addVote(vs *voteSet, vote *types.Vote) error {
	existing, err := vs.addVote(vote)
	if err == ErrConflictingVote {
		rs.hc.Evidence.Add(types.NewDuplicateVoteEvidence(existing, vote, tmtime.Now()))
	}
	return err
}

// EvaluateLock 重新检查prevote的结果，更新valid值和锁
// 返回这一次调用是否修改了锁
func (rs *RoundState) EvaluateLock() bool {
	return rs.evaluatePrevoteQuorum()
}

// evaluatePrevoteQuorum
// +2/3 prevote投给了提案区块时：
//   - 无条件更新validValue/validRound (只会向更高的轮次更新)
//   - 只有当这一轮是当前轮并且处于Prevote阶段时才更新锁
func (rs *RoundState) evaluatePrevoteQuorum() bool {
	blockID, ok := rs.prevotes.majority()
	if !ok || len(blockID) == 0 || rs.proposal == nil {
		return false
	}
	if !bytes.Equal(blockID, rs.proposal.BlockID()) {
		return false
	}

	rs.hc.setValid(rs.Round, rs.proposal.Block)

	if rs.step != RoundStepPrevote || rs.Round != rs.hc.Round {
		return false
	}
	return rs.hc.lock(rs.Round, rs.proposal.Block)
}

func (rs *RoundState) GetPrevote(valIdx int32) *types.Vote {
	return rs.prevotes.getVote(valIdx)
}

func (rs *RoundState) GetPrecommit(valIdx int32) *types.Vote {
	return rs.precommits.getVote(valIdx)
}

// Prevotes 按验证者编号排序的全部prevote
func (rs *RoundState) Prevotes() []*types.Vote {
	return rs.prevotes.list()
}

// Precommits 按验证者编号排序的全部precommit
func (rs *RoundState) Precommits() []*types.Vote {
	return rs.precommits.list()
}

func (rs *RoundState) PrevotesFor(blockID tmbytes.HexBytes) map[int32]*types.Vote {
	return rs.prevotes.votesFor(blockID)
}

func (rs *RoundState) PrecommitsFor(blockID tmbytes.HexBytes) map[int32]*types.Vote {
	return rs.precommits.votesFor(blockID)
}

// PrevoteMajority 返回获得+2/3 prevote的值，nil票也可能是结果
func (rs *RoundState) PrevoteMajority() (tmbytes.HexBytes, bool) {
	return rs.prevotes.majority()
}

// PrecommitMajority 返回获得+2/3 precommit的值，nil票也可能是结果
func (rs *RoundState) PrecommitMajority() (tmbytes.HexBytes, bool) {
	return rs.precommits.majority()
}

func (rs *RoundState) HasMajorityPrevotesAny() bool {
	return rs.prevotes.totalWeight() >= rs.validators.QuorumThreshold()
}

func (rs *RoundState) HasMajorityPrecommitsAny() bool {
	return rs.precommits.totalWeight() >= rs.validators.QuorumThreshold()
}

// HasMajorityPrevotesForProposal 提案区块获得了+2/3 prevote
func (rs *RoundState) HasMajorityPrevotesForProposal() bool {
	if rs.proposal == nil {
		return false
	}
	return rs.prevotes.weightFor(rs.proposal.BlockID()) >= rs.validators.QuorumThreshold()
}

// HasMajorityPrecommitsForProposal 提案区块获得了+2/3 precommit
func (rs *RoundState) HasMajorityPrecommitsForProposal() bool {
	if rs.proposal == nil {
		return false
	}
	return rs.precommits.weightFor(rs.proposal.BlockID()) >= rs.validators.QuorumThreshold()
}

func (rs *RoundState) HasMajorityPrevotesForNil() bool {
	return rs.prevotes.weightFor(nil) >= rs.validators.QuorumThreshold()
}

// HasMinorityPrevotesOrPrecommits 在这一轮发过prevote或precommit的验证者权重至少为f+1
func (rs *RoundState) HasMinorityPrevotesOrPrecommits() bool {
	var weight int64
	for _, val := range rs.validators.Validators {
		if rs.prevotes.getVote(val.Index) != nil || rs.precommits.getVote(val.Index) != nil {
			weight += val.VotingPower
		}
	}
	return weight >= rs.validators.MinorityThreshold()
}

func (rs *RoundState) PrevoteWeight() int64 {
	return rs.prevotes.totalWeight()
}

func (rs *RoundState) PrecommitWeight() int64 {
	return rs.precommits.totalWeight()
}

//-----------------------------------------------------------------------------

// RoundStateSnapshot 供外部只读的诊断信息
type RoundStateSnapshot struct {
	Height          int64            `json:"height"`
	Round           int32            `json:"round"`
	Step            string           `json:"step"`
	ProposalBlockID tmbytes.HexBytes `json:"proposal_block_id"`
	Prevotes        []*types.Vote    `json:"prevotes"`
	Precommits      []*types.Vote    `json:"precommits"`
	PrevoteWeight   int64            `json:"prevote_weight"`
	PrecommitWeight int64            `json:"precommit_weight"`
}

func (rs *RoundState) Snapshot() RoundStateSnapshot {
	return RoundStateSnapshot{
		Height:          rs.Height,
		Round:           rs.Round,
		Step:            rs.step.String(),
		ProposalBlockID: rs.proposal.BlockID(),
		Prevotes:        rs.Prevotes(),
		Precommits:      rs.Precommits(),
		PrevoteWeight:   rs.PrevoteWeight(),
		PrecommitWeight: rs.PrecommitWeight(),
	}
}

func (rs *RoundState) String() string {
	return fmt.Sprintf("RoundState{%v/%v %v proposal=%v prevotes=%d precommits=%d}",
		rs.Height, rs.Round, rs.step, rs.proposal, rs.prevotes.size(), rs.precommits.size())
}
