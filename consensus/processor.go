package consensus

import (
	"bytes"
	"errors"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	"github.com/ArkEcosystem/mainsail-sub010/types"
	"github.com/tendermint/tendermint/libs/log"
)

// processorEnv 处理器共享的上下文
// repo在高度切换时原地更新，所以处理器总是看到当前高度
type processorEnv struct {
	chainID       string
	config        *Config
	repo          *cstypes.RoundStateRepository
	validateBlock func(block *types.Block) error
	logger        log.Logger
}

func (env *processorEnv) aggregator() *Aggregator {
	return NewAggregator(env.chainID, env.repo.Validators())
}

// checkHeightRound 高度必须等于当前高度，轮次不能超过当前轮次太多
func (env *processorEnv) checkHeightRound(height int64, round int32) error {
	switch current := env.repo.Height(); {
	case height < current:
		return rejectf(ReasonHeightTooOld, "height %d, current %d", height, current)
	case height > current:
		return rejectf(ReasonHeightTooFarAhead, "height %d, current %d", height, current)
	}
	if active := env.repo.ActiveRound(); round > active+env.config.MaxRoundLookahead {
		return rejectf(ReasonRoundNotStarted, "round %d, active round %d", round, active)
	}
	return nil
}

//-----------------------------------------------------------------------------

// ProposalProcessor
// 检查顺序：格式 -> 高度轮次 -> 签名 -> proposer -> lock proof -> 区块 -> 写入RoundState
// 任何一步失败都不会修改状态
type ProposalProcessor struct {
	env *processorEnv
}

func (p *ProposalProcessor) Process(proposal *types.Proposal) (*cstypes.RoundState, error) {
	if err := proposal.ValidateBasic(); err != nil {
		return nil, reject(ReasonMalformed, err)
	}
	if err := p.env.checkHeightRound(proposal.Height, proposal.Round); err != nil {
		return nil, err
	}
	if p.seen(proposal) {
		return nil, reject(ReasonDuplicateEquivocating, ErrDuplicateProposal)
	}

	// 验签需要的公钥来自验证者集合，所以先查找验证者
	vals := p.env.repo.Validators()
	_, val := vals.GetByIndex(proposal.ProposerIndex)
	if val == nil {
		return nil, rejectf(ReasonUnknownValidator, "proposer index %d", proposal.ProposerIndex)
	}
	if err := proposal.Verify(p.env.chainID, val.PubKey); err != nil {
		return nil, reject(ReasonBadSignature, err)
	}

	proposer, err := vals.GetProposer(proposal.Height, proposal.Round)
	if err != nil {
		return nil, reject(ReasonUnknownValidator, err)
	}
	if !bytes.Equal(proposer.Address, val.Address) {
		return nil, rejectf(ReasonInvalidProposer, "got %v, expected %v", val.Address, proposer.Address)
	}

	if proposal.HasValidRound() {
		if err := p.verifyLockProof(proposal); err != nil {
			return nil, err
		}
	}

	if err := p.env.validateBlock(proposal.Block); err != nil {
		return nil, reject(ReasonInvalidBlock, err)
	}

	rs, err := p.env.repo.GetRoundState(proposal.Height, proposal.Round)
	if err != nil {
		return nil, reject(ReasonHeightTooOld, err)
	}
	if err := rs.SetProposal(proposal); err != nil {
		if errors.Is(err, cstypes.ErrProposalExists) {
			return rs, reject(ReasonDuplicateEquivocating, err)
		}
		return nil, reject(ReasonMalformed, err)
	}
	return rs, nil
}

// seen 已经收到过同一个提案，不需要再验签和转发
func (p *ProposalProcessor) seen(proposal *types.Proposal) bool {
	if !p.env.repo.HasRoundState(proposal.Round) {
		return false
	}
	rs, err := p.env.repo.GetRoundState(proposal.Height, proposal.Round)
	if err != nil || !rs.HasProposal() {
		return false
	}
	existing := rs.Proposal()
	return existing.ValidRound == proposal.ValidRound &&
		existing.ProposerIndex == proposal.ProposerIndex &&
		bytes.Equal(existing.BlockID(), proposal.BlockID())
}

// verifyLockProof validRound上必须有+2/3 prevote投给提案区块
func (p *ProposalProcessor) verifyLockProof(proposal *types.Proposal) error {
	if proposal.ValidRound >= proposal.Round {
		return rejectf(ReasonInvalidLockProof, "valid round %d is not below round %d", proposal.ValidRound, proposal.Round)
	}
	if proposal.LockProof == nil {
		return rejectf(ReasonInvalidLockProof, "missing lock proof for valid round %d", proposal.ValidRound)
	}

	template := &types.Vote{
		Type:    types.PrevoteType,
		Height:  proposal.Height,
		Round:   proposal.ValidRound,
		BlockID: proposal.BlockID(),
	}
	if err := p.env.aggregator().Verify(proposal.LockProof, template); err != nil {
		return reject(ReasonInvalidLockProof, err)
	}
	return nil
}

//-----------------------------------------------------------------------------

// VoteProcessor prevote和precommit共用同一套检查，只是写入的集合不同
type VoteProcessor struct {
	env      *processorEnv
	voteType types.SignedMsgType
}

func (p *VoteProcessor) Process(vote *types.Vote) (*cstypes.RoundState, cstypes.VoteOutcome, error) {
	if err := vote.ValidateBasic(); err != nil {
		return nil, cstypes.VoteOutcome{}, reject(ReasonMalformed, err)
	}
	if vote.Type != p.voteType {
		return nil, cstypes.VoteOutcome{}, rejectf(ReasonMalformed, "expected %v, got %v", p.voteType, vote.Type)
	}
	if err := p.env.checkHeightRound(vote.Height, vote.Round); err != nil {
		return nil, cstypes.VoteOutcome{}, err
	}

	_, val := p.env.repo.Validators().GetByIndex(vote.ValidatorIndex)
	if val == nil {
		return nil, cstypes.VoteOutcome{}, rejectf(ReasonUnknownValidator, "validator index %d", vote.ValidatorIndex)
	}
	if err := vote.Verify(p.env.chainID, val.PubKey); err != nil {
		return nil, cstypes.VoteOutcome{}, reject(ReasonBadSignature, err)
	}

	rs, err := p.env.repo.GetRoundState(vote.Height, vote.Round)
	if err != nil {
		return nil, cstypes.VoteOutcome{}, reject(ReasonHeightTooOld, err)
	}

	var outcome cstypes.VoteOutcome
	if p.voteType == types.PrevoteType {
		outcome, err = rs.AddPrevote(vote)
	} else {
		outcome, err = rs.AddPrecommit(vote)
	}
	switch {
	case err == nil:
		return rs, outcome, nil
	case errors.Is(err, cstypes.ErrDuplicateVote), errors.Is(err, cstypes.ErrConflictingVote):
		return rs, outcome, reject(ReasonDuplicateEquivocating, err)
	default:
		return nil, outcome, reject(ReasonMalformed, err)
	}
}

func NewPrevoteProcessor(env *processorEnv) *VoteProcessor {
	return &VoteProcessor{env: env, voteType: types.PrevoteType}
}

func NewPrecommitProcessor(env *processorEnv) *VoteProcessor {
	return &VoteProcessor{env: env, voteType: types.PrecommitType}
}

//-----------------------------------------------------------------------------

// CommitProcessor 验证别的节点发来的commit
// 只接受当前高度，更高的高度由调用方缓存
type CommitProcessor struct {
	env *processorEnv
}

func (p *CommitProcessor) Process(commit *types.Commit) error {
	vals := p.env.repo.Validators()
	if err := commit.ValidateBasic(vals.Size()); err != nil {
		return reject(ReasonMalformed, err)
	}

	switch current := p.env.repo.Height(); {
	case commit.Height() < current:
		return rejectf(ReasonHeightTooOld, "height %d, current %d", commit.Height(), current)
	case commit.Height() > current:
		return rejectf(ReasonHeightTooFarAhead, "height %d, current %d", commit.Height(), current)
	}

	if err := p.env.aggregator().VerifyCommit(commit); err != nil {
		return reject(ReasonBadSignature, err)
	}
	if err := p.env.validateBlock(commit.Block); err != nil {
		return reject(ReasonInvalidBlock, err)
	}
	return nil
}
