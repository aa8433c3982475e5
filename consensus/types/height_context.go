package types

import (
	"fmt"
	"sync"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// HeightContext 一个高度内所有轮次共享的状态
// LockedRound/ValidRound 为-1表示未设置
type HeightContext struct {
	Height int64
	Round  int32 // 当前活动的轮次，只增不减

	LockedRound int32
	LockedBlock *types.Block
	ValidRound  int32
	ValidBlock  *types.Block

	Evidence *EvidenceLog
}

func NewHeightContext(height int64) *HeightContext {
	return &HeightContext{
		Height:      height,
		LockedRound: -1,
		ValidRound:  -1,
		Evidence:    NewEvidenceLog(),
	}
}

// LockedValue 返回锁定的区块和轮次，没有锁时返回(nil, -1)
func (hc *HeightContext) LockedValue() (*types.Block, int32) {
	return hc.LockedBlock, hc.LockedRound
}

// ValidValue 返回最近一个获得+2/3 prevote的区块
func (hc *HeightContext) ValidValue() (*types.Block, int32) {
	return hc.ValidBlock, hc.ValidRound
}

func (hc *HeightContext) IsLocked() bool {
	return hc.LockedBlock != nil
}

// lock 只向更高(或相同)的轮次更新
// 返回锁是否发生了变化
func (hc *HeightContext) lock(round int32, block *types.Block) bool {
	if hc.LockedBlock != nil && round < hc.LockedRound {
		return false
	}
	if hc.LockedRound == round && hc.LockedBlock != nil && hc.LockedBlock.HashesTo(block.Hash()) {
		return false
	}
	hc.LockedRound = round
	hc.LockedBlock = block
	return true
}

func (hc *HeightContext) setValid(round int32, block *types.Block) {
	if round <= hc.ValidRound {
		return
	}
	hc.ValidRound = round
	hc.ValidBlock = block
}

func (hc *HeightContext) String() string {
	return fmt.Sprintf("HeightContext{H:%v R:%v LR:%v VR:%v}",
		hc.Height, hc.Round, hc.LockedRound, hc.ValidRound)
}

//-----------------------------------------------------------------------------

// EvidenceLog 只追加的双签证据，同一对投票只记录一次
// 读写可能来自rpc，所以带锁
type EvidenceLog struct {
	mtx      sync.RWMutex
	evidence []*types.DuplicateVoteEvidence
	seen     map[string]struct{}
}

func NewEvidenceLog() *EvidenceLog {
	return &EvidenceLog{
		seen: make(map[string]struct{}),
	}
}

func evidenceKey(ev *types.DuplicateVoteEvidence) string {
	return fmt.Sprintf("%d/%d/%d/%v/%X/%X", ev.VoteA.Height, ev.VoteA.Round, ev.VoteA.ValidatorIndex,
		ev.VoteA.Type, ev.VoteA.BlockID, ev.VoteB.BlockID)
}

// Add 返回证据是否是新的
func (el *EvidenceLog) Add(ev *types.DuplicateVoteEvidence) bool {
	el.mtx.Lock()
	defer el.mtx.Unlock()

	key := evidenceKey(ev)
	if _, ok := el.seen[key]; ok {
		return false
	}
	el.seen[key] = struct{}{}
	el.evidence = append(el.evidence, ev)
	return true
}

func (el *EvidenceLog) List() []*types.DuplicateVoteEvidence {
	el.mtx.RLock()
	defer el.mtx.RUnlock()

	res := make([]*types.DuplicateVoteEvidence, len(el.evidence))
	copy(res, el.evidence)
	return res
}

func (el *EvidenceLog) ByValidator(valIdx int32) []*types.DuplicateVoteEvidence {
	el.mtx.RLock()
	defer el.mtx.RUnlock()

	var res []*types.DuplicateVoteEvidence
	for _, ev := range el.evidence {
		if ev.ValidatorIndex() == valIdx {
			res = append(res, ev)
		}
	}
	return res
}

func (el *EvidenceLog) Size() int {
	el.mtx.RLock()
	defer el.mtx.RUnlock()
	return len(el.evidence)
}
