package state

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// State 最后一个提交的区块之后的链状态
// 理论上每次提交一个区块都会产生一个新的State，State本身按值传递
type State struct {
	// 初始设定值 const value
	ChainID       string `json:"chain_id"`
	InitialHeight int64  `json:"initial_height"`

	// 最后提交的区块的信息，LastBlockHeight=0表示还没有区块
	LastBlockHeight int64            `json:"last_block_height"`
	LastBlockHash   tmbytes.HexBytes `json:"last_block_hash"`
	LastBlockTime   time.Time        `json:"last_block_time"` // 区块头里的时间
	LastCommitTime  time.Time        `json:"last_commit_time"` // 本节点提交的时间 - 物理时间

	// 验证者集合在整个链的生命周期里不变
	Validators *types.ValidatorSet `json:"validators"`

	// 最后提交的区块执行后的app hash
	AppHash tmbytes.HexBytes `json:"app_hash"`
}

// MakeGenesisState 根据创世文件生成第一个高度之前的状态
func MakeGenesisState(genDoc *types.GenesisDoc) (State, error) {
	if err := genDoc.ValidateAndComplete(); err != nil {
		return State{}, fmt.Errorf("error in genesis doc: %w", err)
	}

	vals := genDoc.ValidatorSet()
	if err := vals.ValidateBasic(); err != nil {
		return State{}, fmt.Errorf("invalid genesis validators: %w", err)
	}

	return State{
		ChainID:         genDoc.ChainID,
		InitialHeight:   genDoc.InitialHeight,
		LastBlockHeight: genDoc.InitialHeight - 1,
		LastBlockTime:   genDoc.GenesisTime,
		LastCommitTime:  genDoc.GenesisTime,
		Validators:      vals,
		AppHash:         genDoc.AppHash,
	}, nil
}

// Copy 返回当前state的拷贝副本，deepcopy
func (state State) Copy() State {
	newState := state
	newState.LastBlockHash = make([]byte, len(state.LastBlockHash))
	copy(newState.LastBlockHash, state.LastBlockHash)
	newState.AppHash = make([]byte, len(state.AppHash))
	copy(newState.AppHash, state.AppHash)
	if state.Validators != nil {
		newState.Validators = state.Validators.Copy()
	}
	return newState
}

// NextHeight 下一个要进行共识的高度
func (state State) NextHeight() int64 {
	return state.LastBlockHeight + 1
}

// IsEmpty 还没有从创世文件或者数据库里加载
func (state State) IsEmpty() bool {
	return state.Validators == nil
}

func (state State) Equals(other State) bool {
	return state.ChainID == other.ChainID &&
		state.LastBlockHeight == other.LastBlockHeight &&
		bytes.Equal(state.LastBlockHash, other.LastBlockHash) &&
		bytes.Equal(state.AppHash, other.AppHash)
}

// NextBlockTime 区块时间必须严格递增
func (state State) NextBlockTime(now time.Time) time.Time {
	if !now.After(state.LastBlockTime) {
		return state.LastBlockTime.Add(time.Millisecond)
	}
	return now
}

func (state State) String() string {
	return fmt.Sprintf("State{%v H:%v #%X app:%X}", state.ChainID, state.LastBlockHeight,
		[]byte(state.LastBlockHash), []byte(state.AppHash))
}

var errNilValidators = errors.New("state has no validators")

// ValidateBasic 载入的状态至少要有验证者
func (state State) ValidateBasic() error {
	if state.ChainID == "" {
		return errors.New("empty chain id")
	}
	if state.Validators == nil {
		return errNilValidators
	}
	return state.Validators.ValidateBasic()
}
