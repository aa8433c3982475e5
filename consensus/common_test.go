package consensus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmtime "github.com/tendermint/tendermint/types/time"
	tmdb "github.com/tendermint/tm-db"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	"github.com/ArkEcosystem/mainsail-sub010/mempool/mock"
	sm "github.com/ArkEcosystem/mainsail-sub010/state"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

const testChainID = "consensus_test"

var genesisTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// testTicker 不会自己触发超时，测试通过fireTimeout手动推进
type testTicker struct {
	mtx       sync.Mutex
	scheduled []timeoutInfo
	tockChan  chan timeoutInfo
}

func newTestTicker() *testTicker {
	return &testTicker{tockChan: make(chan timeoutInfo)}
}

func (t *testTicker) Start() error { return nil }

func (t *testTicker) Stop() error { return nil }

func (t *testTicker) SetLogger(log.Logger) {}

func (t *testTicker) Chan() <-chan timeoutInfo {
	return t.tockChan
}

func (t *testTicker) ScheduleTimeout(ti timeoutInfo) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.scheduled = append(t.scheduled, ti)
}

func (t *testTicker) last() timeoutInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if len(t.scheduled) == 0 {
		return timeoutInfo{}
	}
	return t.scheduled[len(t.scheduled)-1]
}

// count 某一轮某一步已经设置的超时个数
func (t *testTicker) count(round int32, step cstypes.RoundStepType) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := 0
	for _, ti := range t.scheduled {
		if ti.Round == round && ti.Step == step {
			n++
		}
	}
	return n
}

//-----------------------------------------------------------------------------

// testDBs 一个节点的全部数据库，重启测试时复用
type testDBs struct {
	stateDB tmdb.DB
	appDB   tmdb.DB
	csDB    tmdb.DB
	mempool *mock.Mempool
}

func newTestDBs() *testDBs {
	return &testDBs{
		stateDB: tmdb.NewMemDB(),
		appDB:   tmdb.NewMemDB(),
		csDB:    tmdb.NewMemDB(),
		mempool: &mock.Mempool{},
	}
}

// 生成n个权重为10的验证者，privs[i]对应编号为i的验证者
func randGenesisState(n int) (sm.State, []types.PrivValidator) {
	vals, privs := types.RandValidatorSet(n, 10)
	return sm.State{
		ChainID:         testChainID,
		InitialHeight:   1,
		LastBlockHeight: 0,
		LastBlockTime:   genesisTime,
		LastCommitTime:  genesisTime,
		Validators:      vals,
	}, privs
}

func newTestConsensusState(
	t *testing.T,
	dbs *testDBs,
	state sm.State,
	pv types.PrivValidator,
	config *cfg.ConsensusConfig,
	ticker TimeoutTicker,
) *ConsensusState {
	logger := log.TestingLogger()

	stateStore := sm.NewStore(dbs.stateDB)
	require.NoError(t, stateStore.Save(state))
	app := store.NewKVStoreWithDB(dbs.appDB, logger)
	blockExec := sm.NewBlockExecutor(stateStore, app, dbs.mempool)
	blockExec.SetLogger(logger)

	cstore := store.NewConsensusStore(dbs.csDB, store.WithRetries(0), store.WithRetryDelay(time.Millisecond))

	options := []ConsensusOption{WithTimeoutTicker(ticker)}
	if pv != nil {
		options = append(options, WithPrivValidator(pv))
	}
	cs := NewConsensusState(config, TestConfig(), state, blockExec, cstore, options...)
	cs.SetLogger(logger)
	return cs
}

// newSyncConsensusState 使用testTicker，消息由测试同步投递
func newSyncConsensusState(t *testing.T, dbs *testDBs, state sm.State, pv types.PrivValidator) (*ConsensusState, *testTicker) {
	ticker := newTestTicker()
	return newTestConsensusState(t, dbs, state, pv, cfg.TestConsensusConfig(), ticker), ticker
}

//-----------------------------------------------------------------------------
// 同步驱动共识：不启动receiveRoutine，内部消息由drain处理

func startSync(t *testing.T, cs *ConsensusState) {
	cs.mtx.Lock()
	err := cs.bootstrap()
	cs.mtx.Unlock()
	require.NoError(t, err)
	drain(cs)
}

func drain(cs *ConsensusState) {
	for {
		select {
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		default:
			return
		}
	}
}

func deliver(cs *ConsensusState, msgs ...Message) {
	for _, msg := range msgs {
		cs.handleMsg(msgInfo{Msg: msg, PeerID: "peer"})
		drain(cs)
	}
}

func fireTimeout(cs *ConsensusState, step cstypes.RoundStepType) {
	cs.mtx.RLock()
	height, round := cs.repo.Height(), cs.repo.ActiveRound()
	cs.mtx.RUnlock()
	cs.handleTimeout(timeoutInfo{Height: height, Round: round, Step: step})
	drain(cs)
}

func roundState(t *testing.T, cs *ConsensusState, round int32) *cstypes.RoundState {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	rs, err := cs.repo.GetRoundState(cs.repo.Height(), round)
	require.NoError(t, err)
	return rs
}

//-----------------------------------------------------------------------------
// 签名工具

func proposerIndex(vals *types.ValidatorSet, height int64, round int32) int32 {
	proposer, err := vals.GetProposer(height, round)
	if err != nil {
		panic(err)
	}
	idx, _ := vals.GetByAddress(proposer.Address)
	return idx
}

// pickValidator 返回第一个不在exclude中的验证者编号
func pickValidator(n int, exclude ...int32) int32 {
	for i := int32(0); i < int32(n); i++ {
		excluded := false
		for _, e := range exclude {
			if e == i {
				excluded = true
			}
		}
		if !excluded {
			return i
		}
	}
	panic("no validator left")
}

func makeTestBlock(t *testing.T, state sm.State, proposer int32, txs ...types.Tx) *types.Block {
	addr, val := state.Validators.GetByIndex(proposer)
	require.NotNil(t, val)
	return types.MakeBlock(
		state.ChainID,
		state.NextHeight(),
		state.NextBlockTime(tmtime.Now()),
		txs,
		state.LastBlockHash,
		state.Validators.Hash(),
		types.Address(addr),
	)
}

func signProposal(
	t *testing.T,
	pv types.PrivValidator,
	idx int32,
	height int64,
	round, validRound int32,
	block *types.Block,
) *types.Proposal {
	proposal := types.NewProposal(height, round, validRound, block, idx)
	require.NoError(t, pv.SignProposal(testChainID, proposal))
	return proposal
}

func signVote(
	t *testing.T,
	pv types.PrivValidator,
	idx int32,
	voteType types.SignedMsgType,
	height int64,
	round int32,
	blockID []byte,
) *types.Vote {
	vote := &types.Vote{
		Type:           voteType,
		Height:         height,
		Round:          round,
		BlockID:        blockID,
		ValidatorIndex: idx,
	}
	require.NoError(t, pv.SignVote(testChainID, vote))
	return vote
}

// voteMsgs 让validators中的每一个验证者签一张投票
func voteMsgs(
	t *testing.T,
	privs []types.PrivValidator,
	validators []int32,
	voteType types.SignedMsgType,
	height int64,
	round int32,
	blockID []byte,
) []Message {
	msgs := make([]Message, 0, len(validators))
	for _, idx := range validators {
		msgs = append(msgs, &VoteMessage{Vote: signVote(t, privs[idx], idx, voteType, height, round, blockID)})
	}
	return msgs
}

//-----------------------------------------------------------------------------

// batchFailDB 打开后所有batch写入都失败，单条写入不受影响
// 用来模拟区块已经执行但commit没有写入
type batchFailDB struct {
	tmdb.DB
	broken int32
}

func (db *batchFailDB) breakBatches() {
	atomic.StoreInt32(&db.broken, 1)
}

func (db *batchFailDB) NewBatch() tmdb.Batch {
	batch := db.DB.NewBatch()
	if atomic.LoadInt32(&db.broken) == 1 {
		return failingBatch{batch}
	}
	return batch
}

type failingBatch struct {
	tmdb.Batch
}

func (failingBatch) Write() error     { return store.ErrInjected }
func (failingBatch) WriteSync() error { return store.ErrInjected }
