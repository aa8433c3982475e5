package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ArkEcosystem/mainsail-sub010/consensus"
	"github.com/ArkEcosystem/mainsail-sub010/libs/metric"
	"github.com/ArkEcosystem/mainsail-sub010/mempool"
	sm "github.com/ArkEcosystem/mainsail-sub010/state"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// 单个验证者的节点，启动共识并设置rpc环境
func setupEnvironment(t *testing.T) *consensus.ConsensusState {
	logger := log.TestingLogger()
	vals, privs := types.RandValidatorSet(1, 10)
	state := sm.State{
		ChainID:        "rpc_test",
		InitialHeight:  1,
		LastBlockTime:  time.Now(),
		LastCommitTime: time.Now(),
		Validators:     vals,
	}

	stateStore := sm.NewStore(tmdb.NewMemDB())
	require.NoError(t, stateStore.Save(state))
	app := store.NewKVStoreWithDB(tmdb.NewMemDB(), logger)
	mp := mempool.NewListMempool(cfg.TestConfig().Mempool, 0)
	blockExec := sm.NewBlockExecutor(stateStore, app, mp)

	cs := consensus.NewConsensusState(
		cfg.TestConsensusConfig(),
		consensus.TestConfig(),
		state,
		blockExec,
		store.NewConsensusStore(tmdb.NewMemDB()),
		consensus.WithPrivValidator(privs[0]),
	)
	cs.SetLogger(logger)

	metricSet := metric.NewMetricSet()
	require.NoError(t, metricSet.SetMetrics("consensus", metric.MetricFunc(cs.MetricJSON)))
	require.NoError(t, metricSet.SetMetrics("mempool", mp))

	SetEnvironment(&Environment{
		Mempool:   mp,
		Consensus: cs,
		App:       app,
		MetricSet: metricSet,
		Logger:    logger,
	})
	return cs
}

func TestRPCBeforeStart(t *testing.T) {
	setupEnvironment(t)
	ctx := &rpctypes.Context{}

	status, err := Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Height)
	assert.Equal(t, int64(0), status.LastBlockHeight)
	assert.Equal(t, 1, status.Validators)
	assert.Empty(t, status.Halted)

	_, err = Commit(ctx, 0)
	assert.Error(t, err, "还没有提交过区块")
	_, err = Commit(ctx, 5)
	assert.Error(t, err)
	_, err = Commit(ctx, -1)
	assert.Error(t, err)

	vals, err := Validators(ctx)
	require.NoError(t, err)
	assert.Len(t, vals.Validators, 1)
	assert.Equal(t, int64(7), vals.QuorumThreshold)

	evidence, err := Evidence(ctx)
	require.NoError(t, err)
	assert.Empty(t, evidence.Evidence)

	_, err = Query(ctx, "")
	assert.Error(t, err)
	res, err := Query(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, res.Exists)
}

func TestRPCBroadcastAndQuery(t *testing.T) {
	cs := setupEnvironment(t)
	require.NoError(t, cs.Start())
	defer func() {
		require.NoError(t, cs.Stop())
		cs.Wait()
	}()

	ctx := &rpctypes.Context{}
	tx := types.Tx("name=satoshi")
	res, err := BroadcastTx(ctx, tx)
	require.NoError(t, err)
	assert.EqualValues(t, tx.Hash(), res.Hash)

	_, err = BroadcastTx(ctx, tx)
	assert.Error(t, err, "重复的交易")

	var query *ResultQuery
	require.Eventually(t, func() bool {
		query, err = Query(ctx, "name")
		return err == nil && query.Exists
	}, 10*time.Second, 20*time.Millisecond, "交易应该被提交")
	assert.Equal(t, "satoshi", query.Value)
	assert.NotEmpty(t, query.Hash)

	commit, err := Commit(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, commit.Commit.Height(), int64(1))

	first, err := Commit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Commit.Height())

	unconfirmed, err := NumUnconfirmedTxs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, unconfirmed.Count, "提交后交易从mempool删除")

	metrics, err := JSONMetrics(ctx, "")
	require.NoError(t, err)
	assert.Len(t, metrics.Metrics, 2)
	metrics, err = JSONMetrics(ctx, "consensus")
	require.NoError(t, err)
	assert.Contains(t, metrics.Metrics["consensus"], "last_commit_height")
	assert.Len(t, metrics.Metrics, 1)
	metrics, err = JSONMetrics(ctx, "consensus, mempool")
	require.NoError(t, err)
	assert.Len(t, metrics.Metrics, 2)
	_, err = JSONMetrics(ctx, "p2p")
	assert.Error(t, err, "未知的label应该返回错误")

	rs, err := DumpConsensusState(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rs.Height, commit.Commit.Height())
}
