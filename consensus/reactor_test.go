package consensus

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

// 网络测试用的超时，比TestConsensusConfig宽松，减少换轮
func networkConsensusConfig() *cfg.ConsensusConfig {
	config := cfg.TestConsensusConfig()
	config.TimeoutPropose = 300 * time.Millisecond
	config.TimeoutProposeDelta = 50 * time.Millisecond
	config.TimeoutPrevote = 100 * time.Millisecond
	config.TimeoutPrevoteDelta = 50 * time.Millisecond
	config.TimeoutPrecommit = 100 * time.Millisecond
	config.TimeoutPrecommitDelta = 50 * time.Millisecond
	config.TimeoutCommit = 10 * time.Millisecond
	config.SkipTimeoutCommit = true
	return config
}

// connect N consensus reactors through N switches
// 共识服务不会被启动
func makeAndConnectReactors(t *testing.T, n int, config *cfg.ConsensusConfig) ([]*Reactor, []*p2p.Switch) {
	state, privs := randGenesisState(n)
	logger := log.TestingLogger()

	reactors := make([]*Reactor, n)
	for i := 0; i < n; i++ {
		cs := newTestConsensusState(t, newTestDBs(), state, privs[i], config, NewTimeoutTicker())
		cs.SetLogger(logger.With("validator", i))
		reactors[i] = NewReactor(cs)
		reactors[i].SetLogger(logger.With("validator", i))
	}

	switches := p2p.MakeConnectedSwitches(cfg.TestConfig().P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors, switches
}

func stopNetwork(t *testing.T, reactors []*Reactor, switches []*p2p.Switch) {
	for _, r := range reactors {
		if r.conS.IsRunning() {
			assert.NoError(t, r.conS.Stop())
			r.conS.Wait()
		}
	}
	for _, s := range switches {
		assert.NoError(t, s.Stop())
	}
}

func waitForHeight(t *testing.T, height int64, timeout time.Duration, css ...*ConsensusState) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		reached := true
		for _, cs := range css {
			if cs.Height() < height {
				reached = false
				break
			}
		}
		if reached {
			return
		}
		select {
		case <-deadline:
			for i, cs := range css {
				t.Logf("#%d height=%d halted=%v", i, cs.Height(), cs.Halted())
			}
			t.Fatalf("timed out waiting for height %d", height)
		case <-ticker.C:
		}
	}
}

// 4个验证者通过p2p网络连续提交区块，每个高度所有节点提交同一个区块
func TestReactorNetworkCommits(t *testing.T) {
	const n = 4
	reactors, switches := makeAndConnectReactors(t, n, networkConsensusConfig())
	defer stopNetwork(t, reactors, switches)

	css := make([]*ConsensusState, n)
	for i, r := range reactors {
		css[i] = r.conS
		require.NoError(t, r.conS.Start())
	}

	waitForHeight(t, 4, 30*time.Second, css...)

	for h := int64(1); h <= 3; h++ {
		expected, err := css[0].LoadCommit(h)
		require.NoError(t, err)
		require.NotNil(t, expected, "#0在高度%d应该有commit", h)
		for i := 1; i < n; i++ {
			commit, err := css[i].LoadCommit(h)
			require.NoError(t, err)
			require.NotNil(t, commit, "#%d在高度%d应该有commit", i, h)
			assert.Equal(t, expected.BlockID(), commit.BlockID(), "#%d在高度%d提交了不同的区块", i, h)
		}
	}
	for i, cs := range css {
		assert.NoError(t, cs.Halted(), "#%d不应该停机", i)
	}
}

// 晚启动的节点通过commit追上其他节点
func TestReactorLateNodeCatchesUp(t *testing.T) {
	const n = 4
	config := networkConsensusConfig()
	config.TimeoutCommit = 50 * time.Millisecond
	config.SkipTimeoutCommit = false

	reactors, switches := makeAndConnectReactors(t, n, config)
	defer stopNetwork(t, reactors, switches)

	// 3个验证者已经足够提交区块
	running := make([]*ConsensusState, 0, n-1)
	for _, r := range reactors[:n-1] {
		running = append(running, r.conS)
		require.NoError(t, r.conS.Start())
	}
	waitForHeight(t, 4, 30*time.Second, running...)

	late := reactors[n-1].conS
	require.NoError(t, late.Start())
	waitForHeight(t, 4, 30*time.Second, late)

	commit, err := late.LoadCommit(3)
	require.NoError(t, err)
	require.NotNil(t, commit)
	expected, err := running[0].LoadCommit(3)
	require.NoError(t, err)
	assert.Equal(t, expected.BlockID(), commit.BlockID(), "追上来的节点应该提交同样的区块")
}

// 只有一个验证者时自己就能提交区块，停止后没有goroutine泄漏
func TestSingleValidatorCommitsAndStops(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	state, privs := randGenesisState(1)
	cs := newTestConsensusState(t, newTestDBs(), state, privs[0], cfg.TestConsensusConfig(), NewTimeoutTicker())
	require.NoError(t, cs.Start())

	waitForHeight(t, 4, 10*time.Second, cs)

	require.NoError(t, cs.Stop())
	cs.Wait()

	assert.NoError(t, cs.Halted())
	last := cs.LastCommit()
	require.NotNil(t, last)
	assert.GreaterOrEqual(t, last.Height(), int64(3))
	assert.NotEmpty(t, cs.MetricJSON())
}

func TestReactorChannels(t *testing.T) {
	state, privs := randGenesisState(1)
	cs := newTestConsensusState(t, newTestDBs(), state, privs[0], cfg.TestConsensusConfig(), newTestTicker())
	conR := NewReactor(cs)

	ids := make(map[byte]bool)
	for _, ch := range conR.GetChannels() {
		ids[ch.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids[StateChannel])
	assert.True(t, ids[DataChannel])
	assert.True(t, ids[VoteChannel])
}
