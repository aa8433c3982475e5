package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ArkEcosystem/mainsail-sub010/mempool"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

type executorFixture struct {
	state      State
	stateStore Store
	app        *store.KVStore
	mempool    *mempool.ListMempool
	exec       BlockExecutor
	proposer   types.Address
}

func newExecutorFixture(t *testing.T) *executorFixture {
	genDoc, _ := randGenesisDoc(4)
	stateStore := NewStore(tmdb.NewMemDB())
	state, err := stateStore.LoadFromDBOrGenesisDoc(genDoc)
	require.NoError(t, err)

	app := store.NewKVStoreWithDB(tmdb.NewMemDB(), log.TestingLogger())
	mp := mempool.NewListMempool(cfg.TestConfig().Mempool, 0)
	exec := NewBlockExecutor(stateStore, app, mp)
	exec.SetLogger(log.TestingLogger())

	return &executorFixture{
		state:      state,
		stateStore: stateStore,
		app:        app,
		mempool:    mp,
		exec:       exec,
		proposer:   state.Validators.Validators[0].Address,
	}
}

func (f *executorFixture) commitOf(block *types.Block) *types.Commit {
	return types.NewCommit(block, types.CommitProof{})
}

func TestCreateProposalBlock(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.mempool.CheckTx(types.Tx("a=1"), mempool.TxInfo{}))
	require.NoError(t, f.mempool.CheckTx(types.Tx("b=2"), mempool.TxInfo{}))

	block := f.exec.CreateProposalBlock(f.state, 1, 0, f.proposer, time.Now())
	require.NotNil(t, block)
	assert.Equal(t, types.Txs{types.Tx("a=1"), types.Tx("b=2")}, block.Txs, "按照到达顺序打包")
	assert.Equal(t, int64(1), block.Height)
	assert.NoError(t, f.exec.ValidateBlock(f.state, block))
	assert.Equal(t, 2, f.mempool.Size(), "打包不会删除mempool里的交易")
}

func TestValidateBlock(t *testing.T) {
	f := newExecutorFixture(t)
	now := time.Now()

	cases := []struct {
		name  string
		block *types.Block
	}{
		{"wrong chain id", types.MakeBlock("other", 1, now, nil, nil, f.state.Validators.Hash(), f.proposer)},
		{"wrong height", types.MakeBlock(chainID, 2, now, nil, nil, f.state.Validators.Hash(), f.proposer)},
		{"wrong last block hash", types.MakeBlock(chainID, 1, now, nil, make([]byte, 32), f.state.Validators.Hash(), f.proposer)},
		{"wrong validators hash", types.MakeBlock(chainID, 1, now, nil, nil, []byte("vals"), f.proposer)},
		{"unknown proposer", types.MakeBlock(chainID, 1, now, nil, nil, f.state.Validators.Hash(), make([]byte, 20))},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, f.exec.ValidateBlock(f.state, tc.block))
		})
	}

	tampered := types.MakeBlock(chainID, 1, now, types.Txs{types.Tx("a=1")}, nil, f.state.Validators.Hash(), f.proposer)
	tampered.Txs = types.Txs{types.Tx("a=2")}
	assert.Error(t, f.exec.ValidateBlock(f.state, tampered), "交易和TxsHash不一致")
}

func TestApplyBlock(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.mempool.CheckTx(types.Tx("a=1"), mempool.TxInfo{}))
	require.NoError(t, f.mempool.CheckTx(types.Tx("b=2"), mempool.TxInfo{}))

	block := types.MakeBlock(chainID, 1, time.Now(), types.Txs{types.Tx("a=1")}, nil, f.state.Validators.Hash(), f.proposer)
	newState, err := f.exec.ApplyBlock(f.state, f.commitOf(block))
	require.NoError(t, err)

	assert.Equal(t, int64(1), newState.LastBlockHeight)
	assert.Equal(t, block.Hash(), newState.LastBlockHash)
	assert.NotEmpty(t, newState.AppHash)
	assert.Equal(t, int64(0), f.state.LastBlockHeight, "原来的state不变")

	value, err := f.app.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
	assert.Equal(t, 1, f.mempool.Size(), "已提交的交易从mempool删除")

	saved, err := f.stateStore.Load()
	require.NoError(t, err)
	assert.True(t, newState.Equals(saved), "新的state已经持久化")
	assert.NoError(t, Handshake(saved, f.app))

	// 同一个区块不能执行两次
	_, err = f.exec.ApplyBlock(newState, f.commitOf(block))
	assert.Error(t, err)

	// 第二个区块接在第一个后面
	next := types.MakeBlock(chainID, 2, newState.NextBlockTime(time.Now()), types.Txs{types.Tx("b=2")},
		newState.LastBlockHash, f.state.Validators.Hash(), f.proposer)
	newState, err = f.exec.ApplyBlock(newState, f.commitOf(next))
	require.NoError(t, err)
	assert.Equal(t, int64(2), newState.LastBlockHeight)
	assert.Equal(t, 0, f.mempool.Size())
}

func TestApplyBlockInvalid(t *testing.T) {
	f := newExecutorFixture(t)

	_, err := f.exec.ApplyBlock(f.state, nil)
	assert.Error(t, err)

	block := types.MakeBlock(chainID, 3, time.Now(), nil, nil, f.state.Validators.Hash(), f.proposer)
	state, err := f.exec.ApplyBlock(f.state, f.commitOf(block))
	assert.Error(t, err)
	assert.True(t, f.state.Equals(state), "失败时返回原来的state")

	height, _, err := f.app.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(0), height, "无效的区块不会被执行")
}

func TestHandshake(t *testing.T) {
	f := newExecutorFixture(t)
	assert.NoError(t, Handshake(f.state, f.app), "都还没有区块")

	_, err := f.app.ApplyTxs(1, types.Txs{types.Tx("a=1")})
	require.NoError(t, err)

	err = Handshake(f.state, f.app)
	require.Error(t, err)
	var mismatch ErrAppBlockHeightMismatch
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(1), mismatch.AppHeight)

	state := f.state.Copy()
	state.LastBlockHeight = 1
	state.AppHash = []byte("wrong")
	assert.Error(t, Handshake(state, f.app), "app hash不一致")
}
