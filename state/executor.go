package state

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/ArkEcosystem/mainsail-sub010/mempool"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// BlockExecutor 共识和账本之间的桥梁
// 共识只负责对区块投票，区块的打包、校验和执行都在这里
type BlockExecutor interface {
	// CreateProposalBlock 从mempool按照交易到达的顺序打包交易
	CreateProposalBlock(state State, height int64, round int32, proposer types.Address, timestamp time.Time) *types.Block

	// ValidateBlock 根据当前的state验证一个区块是否可以作为下一个区块
	ValidateBlock(state State, block *types.Block) error

	// ApplyBlock 执行一个已经获得+2/3 precommit的区块，返回新的state
	// 返回错误说明节点无法执行一个已经被认证的区块，不能继续参与共识
	ApplyBlock(state State, commit *types.Commit) (State, error)

	SetLogger(logger log.Logger)
}

func NewBlockExecutor(stateStore Store, app *store.KVStore, mempool mempool.Mempool) BlockExecutor {
	return &blockExecutor{
		store:   stateStore,
		app:     app,
		mempool: mempool,
		logger:  log.NewNopLogger(),
	}
}

type blockExecutor struct {
	store   Store
	app     *store.KVStore
	mempool mempool.Mempool

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// CreateProposalBlock implements BlockExecutor
func (exec *blockExecutor) CreateProposalBlock(
	state State,
	height int64,
	round int32,
	proposer types.Address,
	timestamp time.Time,
) *types.Block {
	txs := exec.mempool.ReapMaxTxs(types.MaxBlockTxs)
	block := types.MakeBlock(
		state.ChainID,
		height,
		state.NextBlockTime(timestamp),
		txs,
		state.LastBlockHash,
		state.Validators.Hash(),
		proposer,
	)
	exec.logger.Debug("created proposal block", "height", height, "round", round,
		"txs", len(txs), "bytes", txs.TotalBytes())
	return block
}

// ValidateBlock implements BlockExecutor
func (exec *blockExecutor) ValidateBlock(state State, block *types.Block) error {
	// 先检验区块基本的信息是否正确
	if err := block.ValidateBasic(); err != nil {
		return err
	}

	if block.ChainID != state.ChainID {
		return fmt.Errorf("wrong Block.Header.ChainID. Expected %v, got %v", state.ChainID, block.ChainID)
	}
	if block.Height != state.NextHeight() {
		return fmt.Errorf("wrong Block.Header.Height. Expected %v, got %v", state.NextHeight(), block.Height)
	}
	if !bytes.Equal(block.LastBlockHash, state.LastBlockHash) {
		return fmt.Errorf("wrong Block.Header.LastBlockHash. Expected %X, got %X",
			[]byte(state.LastBlockHash), []byte(block.LastBlockHash))
	}
	if !bytes.Equal(block.ValidatorsHash, state.Validators.Hash()) {
		return fmt.Errorf("wrong Block.Header.ValidatorsHash. Expected %X, got %X",
			state.Validators.Hash(), []byte(block.ValidatorsHash))
	}
	if !state.Validators.HasAddress(block.ProposerAddress) {
		return fmt.Errorf("block.Header.ProposerAddress %X is not a validator", []byte(block.ProposerAddress))
	}
	if state.LastBlockHeight >= state.InitialHeight && !block.Time.After(state.LastBlockTime) {
		return fmt.Errorf("block time %v not greater than last block time %v", block.Time, state.LastBlockTime)
	}
	return nil
}

// ApplyBlock implements BlockExecutor
// 执行交易，更新mempool，保存新的state
func (exec *blockExecutor) ApplyBlock(state State, commit *types.Commit) (State, error) {
	if commit == nil || commit.Block == nil {
		return state, ErrInvalidBlock(errors.New("nil commit"))
	}
	block := commit.Block

	// 首先验证区块是否合法，不合法直接返回原状态
	if err := exec.ValidateBlock(state, block); err != nil {
		return state, ErrInvalidBlock(err)
	}

	appHash, err := exec.app.ApplyTxs(block.Height, block.Txs)
	if err != nil {
		return state, fmt.Errorf("app failed to apply block %d: %w", block.Height, err)
	}

	// 提交成功后更新mempool，首先加锁
	exec.mempool.Lock()
	err = exec.mempool.Update(block.Height, block.Txs)
	exec.mempool.Unlock()
	if err != nil {
		return state, fmt.Errorf("update mempool: %w", err)
	}

	newState := state.Copy()
	newState.LastBlockHeight = block.Height
	newState.LastBlockHash = block.Hash()
	newState.LastBlockTime = block.Time
	newState.LastCommitTime = time.Now()
	newState.AppHash = appHash

	if err := exec.store.Save(newState); err != nil {
		return state, fmt.Errorf("save state: %w", err)
	}

	exec.logger.Info("applied block", "height", block.Height, "txs", len(block.Txs),
		"appHash", fmt.Sprintf("%X", appHash))
	return newState, nil
}

// Handshake 启动时检查应用和state是否处于同一个高度
func Handshake(state State, app *store.KVStore) error {
	appHeight, appHash, err := app.Info()
	if err != nil {
		return err
	}
	if appHeight == 0 && state.LastBlockHeight < state.InitialHeight {
		return nil
	}
	if appHeight != state.LastBlockHeight {
		return ErrAppBlockHeightMismatch{AppHeight: appHeight, StoreHeight: state.LastBlockHeight}
	}
	if !bytes.Equal(appHash, state.AppHash) {
		return fmt.Errorf("app hash %X does not match state app hash %X", appHash, []byte(state.AppHash))
	}
	return nil
}
