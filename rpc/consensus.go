package rpc

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/ArkEcosystem/mainsail-sub010/consensus"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

type ResultStatus struct {
	ChainID          string           `json:"chain_id"`
	Height           int64            `json:"height"`
	Round            int32            `json:"round"`
	Step             string           `json:"step"`
	LastBlockHeight  int64            `json:"last_block_height"`
	LastBlockHash    tmbytes.HexBytes `json:"last_block_hash"`
	LastBlockTime    time.Time        `json:"last_block_time"`
	AppHash          tmbytes.HexBytes `json:"app_hash"`
	Validators       int              `json:"validators"`
	TotalVotingPower int64            `json:"total_voting_power"`
	Halted           string           `json:"halted,omitempty"`
}

type ResultCommit struct {
	Commit *types.Commit `json:"commit"`
}

type ResultEvidence struct {
	Height   int64                          `json:"height"`
	Evidence []*types.DuplicateVoteEvidence `json:"evidence"`
}

type ResultValidators struct {
	Validators       []*types.Validator `json:"validators"`
	QuorumThreshold  int64              `json:"quorum_threshold"`
	TotalVotingPower int64              `json:"total_voting_power"`
}

// Status 节点所在的高度和最后提交的区块
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	cons := env.Consensus
	state := cons.GetState()
	rs := cons.GetRoundState()

	res := &ResultStatus{
		ChainID:          state.ChainID,
		Height:           rs.Height,
		Round:            rs.Round,
		Step:             rs.Step,
		LastBlockHeight:  state.LastBlockHeight,
		LastBlockHash:    state.LastBlockHash,
		LastBlockTime:    state.LastBlockTime,
		AppHash:          state.AppHash,
		Validators:       state.Validators.Size(),
		TotalVotingPower: state.Validators.TotalVotingPower(),
	}
	if err := cons.Halted(); err != nil {
		res.Halted = err.Error()
	}
	return res, nil
}

// DumpConsensusState 当前高度所有轮次的诊断信息
func DumpConsensusState(ctx *rpctypes.Context) (*consensus.RoundStateInfo, error) {
	return env.Consensus.GetRoundState(), nil
}

// Commit height为0时返回最后一个commit
func Commit(ctx *rpctypes.Context, height int64) (*ResultCommit, error) {
	if height < 0 {
		return nil, fmt.Errorf("height must be non-negative, got %d", height)
	}
	if height == 0 {
		commit := env.Consensus.LastCommit()
		if commit == nil {
			return nil, fmt.Errorf("no block has been committed yet")
		}
		return &ResultCommit{Commit: commit}, nil
	}

	commit, err := env.Consensus.LoadCommit(height)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		return nil, fmt.Errorf("commit at height %d not found", height)
	}
	return &ResultCommit{Commit: commit}, nil
}

func Evidence(ctx *rpctypes.Context) (*ResultEvidence, error) {
	return &ResultEvidence{
		Height:   env.Consensus.Height(),
		Evidence: env.Consensus.Evidence(),
	}, nil
}

func Validators(ctx *rpctypes.Context) (*ResultValidators, error) {
	vals := env.Consensus.GetState().Validators
	return &ResultValidators{
		Validators:       vals.Validators,
		QuorumThreshold:  vals.QuorumThreshold(),
		TotalVotingPower: vals.TotalVotingPower(),
	}, nil
}
