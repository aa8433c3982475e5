package consensus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	mempl "github.com/ArkEcosystem/mainsail-sub010/mempool"
	sm "github.com/ArkEcosystem/mainsail-sub010/state"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// othersThan 除了exclude以外的所有验证者编号
func othersThan(n int, exclude int32) []int32 {
	res := make([]int32, 0, n-1)
	for i := int32(0); i < int32(n); i++ {
		if i != exclude {
			res = append(res, i)
		}
	}
	return res
}

// 提案者启动后立即提案，收到+2/3 prevote后锁定并precommit，收到+2/3 precommit后提交
func TestStateProposerCommitsBlock(t *testing.T) {
	state, privs := randGenesisState(4)
	me := proposerIndex(state.Validators, 1, 0)
	cs, ticker := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	rs := roundState(t, cs, 0)
	require.True(t, rs.HasProposal(), "proposer启动后应该立即提出提案")
	blockID := rs.ProposalBlockID()
	assert.Equal(t, cstypes.RoundStepPrevote, rs.Step(), "收到自己的提案后应该进入prevote")
	require.NotNil(t, rs.GetPrevote(me), "应该对自己的提案prevote")
	assert.Equal(t, blockID, rs.GetPrevote(me).BlockID)

	others := othersThan(4, me)
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, blockID)...)
	assert.Equal(t, cstypes.RoundStepPrecommit, rs.Step(), "+2/3 prevote之后应该进入precommit")
	hc := rs.HeightContext()
	assert.Equal(t, int32(0), hc.LockedRound, "应该锁定在第0轮")
	assert.True(t, hc.LockedBlock.HashesTo(blockID), "应该锁定提案区块")
	assert.Equal(t, int32(0), hc.ValidRound)
	require.NotNil(t, rs.GetPrecommit(me), "应该对提案区块precommit")
	assert.Equal(t, blockID, rs.GetPrecommit(me).BlockID)

	deliver(cs, voteMsgs(t, privs, others[:2], types.PrecommitType, 1, 0, blockID)...)
	assert.Equal(t, int64(1), cs.GetState().LastBlockHeight, "+2/3 precommit之后应该提交区块")
	assert.Equal(t, cstypes.RoundStepCommit, rs.Step())
	assert.True(t, cs.GetRoundState().Committed)

	commit, err := cs.LoadCommit(1)
	require.NoError(t, err)
	require.NotNil(t, commit, "commit应该已经持久化")
	assert.Equal(t, blockID, commit.BlockID())
	assert.NoError(t, NewAggregator(testChainID, state.Validators).VerifyCommit(commit), "commit的聚合签名应该有效")
	assert.Equal(t, int64(1), cs.LastCommit().Height())

	ti := ticker.last()
	assert.Equal(t, cstypes.RoundStepCommit, ti.Step, "提交之后应该等待commit超时")
	assert.Equal(t, int64(1), ti.Height)

	fireTimeout(cs, cstypes.RoundStepCommit)
	info := cs.GetRoundState()
	assert.Equal(t, int64(2), info.Height, "commit超时后进入下一个高度")
	assert.Equal(t, int32(0), info.Round)
	assert.False(t, info.Committed)
	assert.Equal(t, int32(-1), info.LockedRound, "新的高度没有锁")
}

// 提案者从mempool打包交易，提交后通知mempool
func TestStateProposerReapsMempool(t *testing.T) {
	state, privs := randGenesisState(4)
	me := proposerIndex(state.Validators, 1, 0)
	dbs := newTestDBs()
	txs := types.Txs{types.Tx("a=1"), types.Tx("b=2")}
	for _, tx := range txs {
		require.NoError(t, dbs.mempool.CheckTx(tx, mempl.TxInfo{}))
	}
	cs, _ := newSyncConsensusState(t, dbs, state, privs[me])
	startSync(t, cs)

	rs := roundState(t, cs, 0)
	require.True(t, rs.HasProposal())
	blockID := rs.ProposalBlockID()
	others := othersThan(4, me)
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, blockID)...)
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrecommitType, 1, 0, blockID)...)

	commit, err := cs.LoadCommit(1)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, txs, commit.Block.Txs, "区块应该包含mempool中的交易")
	assert.Equal(t, []int64{1}, dbs.mempool.UpdatedHeights(), "提交后应该更新mempool")
	assert.Zero(t, dbs.mempool.Size(), "已提交的交易应该从mempool中移除")
}

// 没有收到提案时超时投nil，+2/3 nil prevote后precommit nil，precommit超时后进入下一轮
func TestStateTimeoutsMoveToNextRound(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	cs, ticker := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	rs := roundState(t, cs, 0)
	assert.Equal(t, cstypes.RoundStepPropose, rs.Step())
	assert.False(t, rs.HasProposal())
	assert.Equal(t, cstypes.RoundStepPropose, ticker.last().Step, "进入新的轮次时应该设置propose超时")

	fireTimeout(cs, cstypes.RoundStepPropose)
	require.NotNil(t, rs.GetPrevote(me))
	assert.True(t, rs.GetPrevote(me).IsNil(), "propose超时应该投nil")
	assert.Equal(t, cstypes.RoundStepPropose, ticker.last().Step, "只有自己的prevote时不设置prevote超时")

	others := othersThan(4, me)
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, nil)...)
	assert.Equal(t, cstypes.RoundStepPrecommit, rs.Step(), "+2/3 nil prevote之后应该precommit")
	require.NotNil(t, rs.GetPrecommit(me))
	assert.True(t, rs.GetPrecommit(me).IsNil())
	assert.Equal(t, cstypes.RoundStepPrevote, ticker.last().Step, "+2/3 prevote之后设置prevote超时")
	assert.Zero(t, ticker.count(0, cstypes.RoundStepPrecommit), "只有自己的precommit时不设置precommit超时")

	deliver(cs, voteMsgs(t, privs, others[:2], types.PrecommitType, 1, 0, nil)...)
	assert.Equal(t, int64(0), cs.GetState().LastBlockHeight, "nil precommit不能提交区块")
	assert.Equal(t, cstypes.RoundStepPrecommit, ticker.last().Step, "+2/3 precommit之后设置precommit超时")
	assert.Equal(t, 1, ticker.count(0, cstypes.RoundStepPrecommit))

	fireTimeout(cs, cstypes.RoundStepPrecommit)
	assert.Equal(t, int32(1), cs.GetRoundState().Round, "precommit超时后进入下一轮")
}

// 投票分散在不同的区块上：+2/3 prevote之前不设置prevote超时，之后超时投nil precommit
func TestStatePrevoteTimeoutWaitsForMajorityAny(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	cs, ticker := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	fireTimeout(cs, cstypes.RoundStepPropose)
	rs := roundState(t, cs, 0)
	require.Equal(t, cstypes.RoundStepPrevote, rs.Step())

	rest := othersThan(4, me)
	deliver(cs, voteMsgs(t, privs, rest[:1], types.PrevoteType, 1, 0, tmrand.Bytes(32))...)
	assert.False(t, rs.HasMajorityPrevotesAny())
	assert.Zero(t, ticker.count(0, cstypes.RoundStepPrevote), "没有+2/3 prevote时不能设置prevote超时")
	assert.Equal(t, cstypes.RoundStepPrevote, rs.Step())

	deliver(cs, voteMsgs(t, privs, rest[1:2], types.PrevoteType, 1, 0, tmrand.Bytes(32))...)
	require.True(t, rs.HasMajorityPrevotesAny())
	assert.Equal(t, cstypes.RoundStepPrevote, rs.Step(), "投票不一致时停留在prevote")
	assert.Equal(t, 1, ticker.count(0, cstypes.RoundStepPrevote), "+2/3 prevote之后设置prevote超时")

	// 再收到投票也不会重复设置
	deliver(cs, voteMsgs(t, privs, rest[2:], types.PrevoteType, 1, 0, tmrand.Bytes(32))...)
	assert.Equal(t, 1, ticker.count(0, cstypes.RoundStepPrevote))

	fireTimeout(cs, cstypes.RoundStepPrevote)
	assert.Equal(t, cstypes.RoundStepPrecommit, rs.Step())
	require.NotNil(t, rs.GetPrecommit(me))
	assert.True(t, rs.GetPrecommit(me).IsNil(), "prevote超时应该precommit nil")
}

// 在prevote阶段就收到了+2/3 precommit，precommit超时直接进入下一轮
func TestStatePrecommitTimeoutArmedBeforePrecommitStep(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	cs, ticker := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	fireTimeout(cs, cstypes.RoundStepPropose)
	rs := roundState(t, cs, 0)
	require.Equal(t, cstypes.RoundStepPrevote, rs.Step())

	rest := othersThan(4, me)
	for _, i := range rest {
		deliver(cs, voteMsgs(t, privs, []int32{i}, types.PrecommitType, 1, 0, tmrand.Bytes(32))...)
	}
	assert.Equal(t, cstypes.RoundStepPrevote, rs.Step(), "precommit不改变当前的步骤")
	assert.Equal(t, 1, ticker.count(0, cstypes.RoundStepPrecommit), "+2/3 precommit在任何步骤都设置precommit超时")

	fireTimeout(cs, cstypes.RoundStepPrecommit)
	assert.Equal(t, int32(1), cs.GetRoundState().Round, "precommit超时后进入下一轮")
}

// 只有一部分验证者precommit，提交不了，锁保留到下一轮
// 下一轮的提案者提出另一个区块时，锁定的节点投nil
func TestStateLockedNodeRejectsOtherBlock(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	p1 := proposerIndex(state.Validators, 1, 1)
	require.NotEqual(t, p0, p1)
	me := pickValidator(4, p0, p1)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	block1 := makeTestBlock(t, state, p0, types.Tx("round=0"))
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block1)})
	deliver(cs, voteMsgs(t, privs, []int32{p0, p1}, types.PrevoteType, 1, 0, block1.Hash())...)

	rs0 := roundState(t, cs, 0)
	require.Equal(t, cstypes.RoundStepPrecommit, rs0.Step())
	require.True(t, rs0.HeightContext().LockedBlock.HashesTo(block1.Hash()))

	// 其他验证者没有precommit
	fireTimeout(cs, cstypes.RoundStepPrecommit)
	assert.Equal(t, int32(1), cs.GetRoundState().Round)
	assert.Equal(t, int32(0), cs.GetRoundState().LockedRound, "换轮之后锁依然保留")

	block2 := makeTestBlock(t, state, p1, types.Tx("round=1"))
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p1], p1, 1, 1, -1, block2)})
	rs1 := roundState(t, cs, 1)
	require.True(t, rs1.HasProposal())
	require.NotNil(t, rs1.GetPrevote(me))
	assert.True(t, rs1.GetPrevote(me).IsNil(), "锁定在另一个区块上时应该投nil")
	assert.Equal(t, int32(0), rs1.HeightContext().LockedRound)
}

// 锁定的节点成为下一轮的提案者时，重新提出valid区块并附上lock proof
func TestStateReproposesValidBlock(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := proposerIndex(state.Validators, 1, 1)
	require.NotEqual(t, p0, me)
	third := pickValidator(4, p0, me)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	block1 := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block1)})
	deliver(cs, voteMsgs(t, privs, []int32{p0, third}, types.PrevoteType, 1, 0, block1.Hash())...)
	require.Equal(t, int32(0), cs.GetRoundState().ValidRound)

	fireTimeout(cs, cstypes.RoundStepPrecommit)

	rs1 := roundState(t, cs, 1)
	require.True(t, rs1.HasProposal(), "第1轮的提案者应该立即提案")
	proposal := rs1.Proposal()
	assert.Equal(t, int32(0), proposal.ValidRound, "应该重新提出第0轮的valid区块")
	assert.True(t, block1.HashesTo(proposal.BlockID()))
	require.NotNil(t, proposal.LockProof, "重新提出的区块需要lock proof")
	assert.Len(t, proposal.LockProof.Indices(), 3)

	require.NotNil(t, rs1.GetPrevote(me))
	assert.Equal(t, block1.Hash(), rs1.GetPrevote(me).BlockID, "应该对重新提出的区块prevote")
}

// 5个验证者中有一个不在线，剩下4个达到+2/3，正常提交
func TestStateFiveValidatorsOneSilent(t *testing.T) {
	state, privs := randGenesisState(5)
	me := proposerIndex(state.Validators, 1, 0)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	rs := roundState(t, cs, 0)
	require.True(t, rs.HasProposal())
	blockID := rs.ProposalBlockID()

	voters := othersThan(5, me)[:3]
	deliver(cs, voteMsgs(t, privs, voters, types.PrevoteType, 1, 0, blockID)...)
	require.Equal(t, cstypes.RoundStepPrecommit, rs.Step(), "4/5的prevote达到+2/3")
	deliver(cs, voteMsgs(t, privs, voters, types.PrecommitType, 1, 0, blockID)...)

	assert.Equal(t, int64(1), cs.GetState().LastBlockHeight)
	commit, err := cs.LoadCommit(1)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Len(t, commit.Proof.Indices(), 4, "commit应该包含4个验证者的签名")
	assert.NoError(t, NewAggregator(testChainID, state.Validators).VerifyCommit(commit))
}

// 5个验证者中有两个没有对区块precommit，3票达不到+2/3，不能提交
// 之后收到一个nil precommit才设置precommit超时，下一轮的提案者重新提出锁定的区块
func TestStateFiveValidatorsTwoSilent(t *testing.T) {
	state, privs := randGenesisState(5)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := proposerIndex(state.Validators, 1, 1)
	require.NotEqual(t, p0, me)
	a := pickValidator(5, p0, me)
	b := pickValidator(5, p0, me, a)
	c := pickValidator(5, p0, me, a, b)
	cs, ticker := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})
	deliver(cs, voteMsgs(t, privs, []int32{p0, a, b}, types.PrevoteType, 1, 0, block.Hash())...)
	rs0 := roundState(t, cs, 0)
	require.Equal(t, cstypes.RoundStepPrecommit, rs0.Step())
	require.Equal(t, int32(0), cs.GetRoundState().ValidRound)

	deliver(cs, voteMsgs(t, privs, []int32{p0, a}, types.PrecommitType, 1, 0, block.Hash())...)
	assert.Equal(t, int64(0), cs.GetState().LastBlockHeight, "3/5的precommit达不到+2/3")
	assert.False(t, cs.GetRoundState().Committed)
	assert.Zero(t, ticker.count(0, cstypes.RoundStepPrecommit))

	deliver(cs, voteMsgs(t, privs, []int32{c}, types.PrecommitType, 1, 0, nil)...)
	assert.Equal(t, int64(0), cs.GetState().LastBlockHeight)
	require.Equal(t, 1, ticker.count(0, cstypes.RoundStepPrecommit), "+2/3 precommit之后设置precommit超时")

	fireTimeout(cs, cstypes.RoundStepPrecommit)
	require.Equal(t, int32(1), cs.GetRoundState().Round)

	rs1 := roundState(t, cs, 1)
	require.True(t, rs1.HasProposal(), "第1轮的提案者应该立即提案")
	proposal := rs1.Proposal()
	assert.Equal(t, int32(0), proposal.ValidRound)
	assert.True(t, block.HashesTo(proposal.BlockID()), "应该重新提出第0轮的区块")
	require.NotNil(t, proposal.LockProof)
	assert.Len(t, proposal.LockProof.Indices(), 4)
}

// 没有验证者时不能启动共识
func TestStateBootstrapRequiresValidators(t *testing.T) {
	state, _ := randGenesisState(1)
	state.Validators = types.NewValidatorSet(nil)
	cs, ticker := newSyncConsensusState(t, newTestDBs(), state, nil)

	cs.mtx.Lock()
	err := cs.bootstrap()
	cs.mtx.Unlock()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotBootstrapped))
	assert.Equal(t, int32(-1), cs.startedRound, "不应该启动任何轮次")
	assert.Equal(t, timeoutInfo{}, ticker.last())
}

// 更高的轮次上收到f+1的投票，直接跳到那一轮
func TestStateSkipsToRoundWithMinority(t *testing.T) {
	state, privs := randGenesisState(4)
	me := pickValidator(4, proposerIndex(state.Validators, 1, 0), proposerIndex(state.Validators, 1, 2))
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	others := othersThan(4, me)
	votes := voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 2, nil)

	deliver(cs, votes[0])
	assert.Equal(t, int32(0), cs.GetRoundState().Round, "一个验证者的投票不足以换轮")

	deliver(cs, votes[1])
	info := cs.GetRoundState()
	assert.Equal(t, int32(2), info.Round, "f+1的投票应该让节点跳到第2轮")
	assert.Equal(t, cstypes.RoundStepPropose.String(), info.Step)
}

// 同一个验证者在同一轮投了两个不同的值，记录证据，计票只保留第一张
func TestStateRecordsEquivocation(t *testing.T) {
	state, privs := randGenesisState(4)
	me := pickValidator(4, proposerIndex(state.Validators, 1, 0))
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	v := pickValidator(4, me)
	blockID := tmrand.Bytes(32)
	first := signVote(t, privs[v], v, types.PrevoteType, 1, 0, blockID)
	second := signVote(t, privs[v], v, types.PrevoteType, 1, 0, nil)

	deliver(cs, &VoteMessage{Vote: first}, &VoteMessage{Vote: second})
	evidence := cs.Evidence()
	require.Len(t, evidence, 1, "冲突的投票应该被记录为证据")
	assert.Equal(t, v, evidence[0].ValidatorIndex())

	rs := roundState(t, cs, 0)
	assert.Equal(t, tmbytes.HexBytes(blockID), rs.GetPrevote(v).BlockID, "计票只保留第一张投票")
	assert.Equal(t, int64(10), rs.PrevoteWeight())

	// 重复发送同样的投票不会产生新的证据
	deliver(cs, &VoteMessage{Vote: first}, &VoteMessage{Vote: second})
	assert.Len(t, cs.Evidence(), 1)
}

// 未来高度的消息被缓存，进入那个高度后重新处理
func TestStateReplaysFutureMessages(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	future := signVote(t, privs[p0], p0, types.PrevoteType, 2, 0, tmrand.Bytes(32))
	deliver(cs, &VoteMessage{Vote: future})
	assert.Equal(t, 1, cs.futureBuffer.Size(), "下一个高度的投票应该被缓存")

	tooFar := signVote(t, privs[p0], p0, types.PrevoteType, 2+cs.engineConfig.MaxFutureHeight, 0, nil)
	deliver(cs, &VoteMessage{Vote: tooFar})
	assert.Equal(t, 1, cs.futureBuffer.Size(), "太远的消息直接丢弃")

	others := othersThan(4, me)
	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, block.Hash())...)
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrecommitType, 1, 0, block.Hash())...)
	require.Equal(t, int64(1), cs.GetState().LastBlockHeight)

	fireTimeout(cs, cstypes.RoundStepCommit)
	require.Equal(t, int64(2), cs.Height())
	assert.Equal(t, 0, cs.futureBuffer.Size())
	assert.NotNil(t, roundState(t, cs, 0).GetPrevote(p0), "缓存的投票应该在新的高度被处理")
}

// 别的节点发来的commit可以直接提交，重复的commit被忽略
func TestStateCommitFromPeer(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	block := makeTestBlock(t, state, p0, types.Tx("k=v"))
	votes := make(map[int32]*types.Vote)
	for _, idx := range othersThan(4, me) {
		votes[idx] = signVote(t, privs[idx], idx, types.PrecommitType, 1, 0, block.Hash())
	}
	proof, ok := NewAggregator(testChainID, state.Validators).TryBuildProof(0, block.Hash(), votes)
	require.True(t, ok)
	commit := types.NewCommit(block, *proof)

	deliver(cs, &CommitMessage{Commit: commit})
	assert.Equal(t, int64(1), cs.GetState().LastBlockHeight, "有效的commit应该被提交")
	assert.True(t, block.HashesTo(cs.LastCommit().BlockID()))

	deliver(cs, &CommitMessage{Commit: commit})
	fireTimeout(cs, cstypes.RoundStepCommit)
	deliver(cs, &CommitMessage{Commit: commit})
	assert.NoError(t, cs.Halted(), "重复的commit不应该导致停机")
	assert.Equal(t, int64(2), cs.Height())
}

// 收到的提案区块无效时拒绝提案，超时后投nil
func TestStateRejectsInvalidBlock(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, privs[me])
	startSync(t, cs)

	bad := state.Copy()
	bad.LastBlockHash = tmrand.Bytes(32)
	block := makeTestBlock(t, bad, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})

	rs := roundState(t, cs, 0)
	assert.False(t, rs.HasProposal(), "无效的区块不能成为提案")
	fireTimeout(cs, cstypes.RoundStepPropose)
	require.NotNil(t, rs.GetPrevote(me))
	assert.True(t, rs.GetPrevote(me).IsNil())
}

// 共识存储写入失败时停止参与共识，查询接口仍然可用
func TestStateHaltsOnStorageFailure(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	dbs := newTestDBs()
	faulty := store.NewFaultyDB(dbs.csDB, 0)
	dbs.csDB = faulty
	cs, _ := newSyncConsensusState(t, dbs, state, privs[me])
	startSync(t, cs)

	faulty.SetFailures(-1)
	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})

	require.Error(t, cs.Halted(), "写入失败后应该停机")
	assert.True(t, errors.Is(cs.Halted(), store.ErrStorage))
	assert.True(t, errors.Is(cs.Halted(), ErrHalted))
	assert.True(t, cs.GetRoundState().Halted)

	// 停机之后不再处理任何消息和超时
	deliver(cs, voteMsgs(t, privs, othersThan(4, me), types.PrevoteType, 1, 0, block.Hash())...)
	fireTimeout(cs, cstypes.RoundStepPropose)
	rs := roundState(t, cs, 0)
	assert.Nil(t, rs.GetPrevote(me), "停机后不应该再投票")
	assert.Zero(t, rs.PrevoteWeight())
	assert.Equal(t, int64(1), cs.Height(), "停机后高度查询依然可用")
}

// 账本执行区块失败时停机，不写入commit
func TestStateHaltsOnApplyFailure(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	dbs := newTestDBs()
	faultyApp := store.NewFaultyDB(dbs.appDB, 0)
	dbs.appDB = faultyApp
	cs, _ := newSyncConsensusState(t, dbs, state, privs[me])
	startSync(t, cs)

	others := othersThan(4, me)
	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, block.Hash())...)

	faultyApp.SetFailures(-1)
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrecommitType, 1, 0, block.Hash())...)

	var applyErr *ApplyError
	require.True(t, errors.As(cs.Halted(), &applyErr), "执行失败应该停机: %v", cs.Halted())
	assert.Equal(t, int64(1), applyErr.Height)
	assert.Equal(t, int64(0), cs.GetState().LastBlockHeight)
	commit, err := cs.LoadCommit(1)
	assert.NoError(t, err)
	assert.Nil(t, commit, "执行失败时不能写入commit")
}

// 重启之后从存储恢复当前高度：锁、轮次、step都和重启前一致，不会重复投票
func TestStateBootstrapResumesRound(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	dbs := newTestDBs()
	cs, _ := newSyncConsensusState(t, dbs, state, privs[me])
	startSync(t, cs)

	others := othersThan(4, me)
	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, block.Hash())...)
	before := cs.GetRoundState()
	require.Equal(t, cstypes.RoundStepPrecommit.String(), before.Step)

	// 重启两次，结果都一样
	for i := 0; i < 2; i++ {
		restarted, _ := newSyncConsensusState(t, dbs, state, privs[me])
		startSync(t, restarted)

		after := restarted.GetRoundState()
		assert.Equal(t, before.Height, after.Height)
		assert.Equal(t, before.Round, after.Round)
		assert.Equal(t, before.Step, after.Step, "重启后应该回到重启前的step")
		assert.Equal(t, int32(0), after.LockedRound, "重启后应该恢复锁")
		assert.Equal(t, int32(0), after.ValidRound)

		rs := roundState(t, restarted, 0)
		require.True(t, rs.HasProposal())
		assert.Equal(t, block.Hash(), rs.GetPrecommit(me).BlockID)

		prevotes, err := restarted.cstore.LoadVotes(1, types.PrevoteType)
		require.NoError(t, err)
		assert.Len(t, prevotes, 3, "重启后不应该重复投票")
		precommits, err := restarted.cstore.LoadVotes(1, types.PrecommitType)
		require.NoError(t, err)
		assert.Len(t, precommits, 1)
	}
}

// 区块已经执行但commit没有写入时，重启后根据存储中的precommit重建commit
func TestStateBootstrapRecoversCommit(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	me := pickValidator(4, p0)
	dbs := newTestDBs()
	memDB := dbs.csDB
	faulty := &batchFailDB{DB: memDB}
	dbs.csDB = faulty
	cs, _ := newSyncConsensusState(t, dbs, state, privs[me])
	startSync(t, cs)

	others := othersThan(4, me)
	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrevoteType, 1, 0, block.Hash())...)

	faulty.breakBatches()
	deliver(cs, voteMsgs(t, privs, others[:2], types.PrecommitType, 1, 0, block.Hash())...)
	require.Error(t, cs.Halted(), "commit写入失败应该停机")

	applied, err := sm.NewStore(dbs.stateDB).Load()
	require.NoError(t, err)
	require.Equal(t, int64(1), applied.LastBlockHeight, "区块已经被执行")

	restarted, _ := newSyncConsensusState(t, &testDBs{stateDB: dbs.stateDB, appDB: dbs.appDB, csDB: memDB}, applied, privs[me])
	startSync(t, restarted)

	assert.NoError(t, restarted.Halted())
	assert.Equal(t, int64(2), restarted.Height())
	require.NotNil(t, restarted.LastCommit(), "重启后应该重建commit")
	assert.True(t, block.HashesTo(restarted.LastCommit().BlockID()))
	commit, err := restarted.LoadCommit(1)
	require.NoError(t, err)
	assert.NotNil(t, commit)
}

// 不是验证者的节点只跟随共识，不投票
func TestStateNonValidatorDoesNotVote(t *testing.T) {
	state, privs := randGenesisState(4)
	p0 := proposerIndex(state.Validators, 1, 0)
	cs, _ := newSyncConsensusState(t, newTestDBs(), state, types.NewMockPV())
	startSync(t, cs)

	block := makeTestBlock(t, state, p0)
	deliver(cs, &ProposalMessage{Proposal: signProposal(t, privs[p0], p0, 1, 0, -1, block)})
	voters := othersThan(4, p0)
	deliver(cs, voteMsgs(t, privs, voters, types.PrevoteType, 1, 0, block.Hash())...)
	deliver(cs, voteMsgs(t, privs, voters, types.PrecommitType, 1, 0, block.Hash())...)

	assert.Equal(t, int64(1), cs.GetState().LastBlockHeight, "非验证者也能提交区块")
	rs := roundState(t, cs, 0)
	assert.Equal(t, int64(30), rs.PrevoteWeight())
	assert.Equal(t, int64(30), rs.PrecommitWeight())
}
