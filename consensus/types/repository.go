package types

import (
	"sort"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// RoundStateRepository 当前高度所有轮次的RoundState
// 轮次按需创建，同一个(height, round)总是返回同一个实例
type RoundStateRepository struct {
	height     int64
	validators *types.ValidatorSet
	hc         *HeightContext
	rounds     map[int32]*RoundState
	committed  bool
}

func NewRoundStateRepository(height int64, vals *types.ValidatorSet) *RoundStateRepository {
	return &RoundStateRepository{
		height:     height,
		validators: vals,
		hc:         NewHeightContext(height),
		rounds:     make(map[int32]*RoundState),
	}
}

func (repo *RoundStateRepository) Height() int64 {
	return repo.height
}

func (repo *RoundStateRepository) Validators() *types.ValidatorSet {
	return repo.validators
}

func (repo *RoundStateRepository) HeightContext() *HeightContext {
	return repo.hc
}

// GetRoundState 不存在时创建
func (repo *RoundStateRepository) GetRoundState(height int64, round int32) (*RoundState, error) {
	if height != repo.height {
		return nil, ErrHeightMismatch
	}
	if rs, ok := repo.rounds[round]; ok {
		return rs, nil
	}
	rs := newRoundState(repo.hc, round, repo.validators)
	repo.rounds[round] = rs
	return rs, nil
}

// HasRoundState 不会创建新的轮次
func (repo *RoundStateRepository) HasRoundState(round int32) bool {
	_, ok := repo.rounds[round]
	return ok
}

// SetActiveRound 当前轮次只能增加
func (repo *RoundStateRepository) SetActiveRound(round int32) error {
	if round < repo.hc.Round {
		return ErrRoundDecrease
	}
	repo.hc.Round = round
	return nil
}

func (repo *RoundStateRepository) ActiveRound() int32 {
	return repo.hc.Round
}

// RoundStates 按轮次升序
func (repo *RoundStateRepository) RoundStates() []*RoundState {
	res := make([]*RoundState, 0, len(repo.rounds))
	for _, rs := range repo.rounds {
		res = append(res, rs)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Round < res[j].Round
	})
	return res
}

func (repo *RoundStateRepository) Evidence() *EvidenceLog {
	return repo.hc.Evidence
}

// MarkCommitted 当前高度的commit已经持久化
func (repo *RoundStateRepository) MarkCommitted(height int64) error {
	if height != repo.height {
		return ErrHeightMismatch
	}
	repo.committed = true
	return nil
}

func (repo *RoundStateRepository) IsCommitted() bool {
	return repo.committed
}

// AdvanceHeight 丢弃当前高度的所有轮次，进入下一个高度
// 当前高度的commit持久化之前不允许前进
func (repo *RoundStateRepository) AdvanceHeight(newHeight int64, vals *types.ValidatorSet) error {
	if vals.IsNilOrEmpty() {
		return types.ErrNotBootstrapped
	}
	if !repo.committed {
		return ErrCommitNotPersisted
	}
	if newHeight != repo.height+1 {
		return ErrHeightMismatch
	}

	repo.height = newHeight
	repo.validators = vals
	repo.hc = NewHeightContext(newHeight)
	repo.rounds = make(map[int32]*RoundState)
	repo.committed = false
	return nil
}
