package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	sm "github.com/ArkEcosystem/mainsail-sub010/state"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// ------ Event ------
// reactor监听的consensus广播事件
const (
	EventNewProposal  = "NewProposal"
	EventNewVote      = "NewVote"
	EventNewCommit    = "NewCommit"
	EventNewRoundStep = "NewRoundStep"
)

const msgQueueSize = 1000

// 共识状态机实现
// 所有状态只在receiveRoutine中修改，外部查询通过读锁
type ConsensusState struct {
	service.BaseService

	config       *cfg.ConsensusConfig
	engineConfig *Config

	// 区块执行器
	blockExec sm.BlockExecutor

	// 提案、投票、commit的存储
	cstore *store.ConsensusStore

	privVal       types.PrivValidator
	privValPubKey crypto.PubKey

	ticker  TimeoutTicker
	metrics *Metrics
	metric  *consensusMetric

	// 共识内部状态
	mtx          sync.RWMutex
	state        sm.State // 最后一个区块提交后的系统状态
	repo         *cstypes.RoundStateRepository
	startedRound int32 // 当前高度已经启动的最大轮次
	lastCommit   *types.Commit
	halted       error
	replaying    bool

	// 已经设置prevote/precommit超时的轮次，每一轮只设置一次
	prevoteTimeoutRound   int32
	precommitTimeoutRound int32

	commitLock   *CommitLock
	futureBuffer *FutureBuffer
	bootstrapper *Bootstrapper

	proposalProcessor  *ProposalProcessor
	prevoteProcessor   *VoteProcessor
	precommitProcessor *VoteProcessor
	commitProcessor    *CommitProcessor

	// 通信管道
	peerMsgQueue     chan msgInfo       // 处理来自其他节点的消息
	internalMsgQueue chan msgInfo       // 内部生成的投票、提案
	eventSwitch      events.EventSwitch // consensus和reactor之间通信的组件 - 事件模型
	done             chan struct{}

	// 方便测试重写逻辑
	decideProposal func(height int64, round int32)
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	config *cfg.ConsensusConfig,
	engineConfig *Config,
	state sm.State,
	blockExec sm.BlockExecutor,
	cstore *store.ConsensusStore,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           config,
		engineConfig:     engineConfig,
		blockExec:        blockExec,
		cstore:           cstore,
		ticker:           NewTimeoutTicker(),
		metrics:          NopMetrics(),
		metric:           newConsensusMetric(),
		state:            state,
		repo:             cstypes.NewRoundStateRepository(state.NextHeight(), state.Validators),
		startedRound:     -1,
		commitLock:       NewCommitLock(state.LastBlockHeight),
		futureBuffer:     NewFutureBuffer(engineConfig.FutureBufferSize),
		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		eventSwitch:      events.NewEventSwitch(),
		done:             make(chan struct{}),

		prevoteTimeoutRound:   -1,
		precommitTimeoutRound: -1,
	}
	cs.decideProposal = cs.defaultDecideProposal
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	env := &processorEnv{
		chainID: state.ChainID,
		config:  engineConfig,
		repo:    cs.repo,
		validateBlock: func(block *types.Block) error {
			return cs.blockExec.ValidateBlock(cs.state, block)
		},
		logger: cs.Logger,
	}
	cs.proposalProcessor = &ProposalProcessor{env: env}
	cs.prevoteProcessor = NewPrevoteProcessor(env)
	cs.precommitProcessor = NewPrecommitProcessor(env)
	cs.commitProcessor = &CommitProcessor{env: env}
	cs.bootstrapper = NewBootstrapper(state.ChainID, cstore, cs.Logger)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

// WithPrivValidator 设置本节点的验证者私钥，不设置时节点只跟随共识不投票
func WithPrivValidator(pv types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		pubKey, err := pv.GetPubKey()
		if err != nil {
			panic(fmt.Sprintf("can't get private validator pubkey: %v", err))
		}
		cs.privVal = pv
		cs.privValPubKey = pubKey
	}
}

func WithMetrics(metrics *Metrics) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.metrics = metrics
	}
}

func WithTimeoutTicker(ticker TimeoutTicker) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.ticker = ticker
	}
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.ticker.SetLogger(logger)
	cs.proposalProcessor.env.logger = logger
	cs.bootstrapper.logger = logger
	cs.cstore.SetLogger(logger)
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.ticker.Start(); err != nil {
		return err
	}

	cs.mtx.Lock()
	err := cs.bootstrap()
	height := cs.repo.Height()
	cs.mtx.Unlock()
	if err != nil {
		cs.stopSubServices()
		return err
	}

	go cs.receiveRoutine()
	cs.Logger.Info("consensus receive routine started.", "height", height)
	return nil
}

func (cs *ConsensusState) OnStop() {
	cs.stopSubServices()
	cs.Logger.Info("consensus server stopped.")
}

func (cs *ConsensusState) stopSubServices() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	if err := cs.ticker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
}

// Wait 等待receiveRoutine退出，需要在Stop之后调用
func (cs *ConsensusState) Wait() {
	<-cs.done
}

//-----------------------------------------------------------------------------
// 对外的查询接口

// RoundStateInfo 当前高度的只读视图
type RoundStateInfo struct {
	Height      int64                        `json:"height"`
	Round       int32                        `json:"round"`
	Step        string                       `json:"step"`
	LockedRound int32                        `json:"locked_round"`
	ValidRound  int32                        `json:"valid_round"`
	Committed   bool                         `json:"committed"`
	Halted      bool                         `json:"halted"`
	Rounds      []cstypes.RoundStateSnapshot `json:"rounds"`
}

func (cs *ConsensusState) GetRoundState() *RoundStateInfo {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()

	hc := cs.repo.HeightContext()
	info := &RoundStateInfo{
		Height:      cs.repo.Height(),
		Round:       cs.repo.ActiveRound(),
		LockedRound: hc.LockedRound,
		ValidRound:  hc.ValidRound,
		Committed:   cs.repo.IsCommitted(),
		Halted:      cs.halted != nil,
	}
	for _, rs := range cs.repo.RoundStates() {
		snapshot := rs.Snapshot()
		if rs.Round == info.Round {
			info.Step = snapshot.Step
		}
		info.Rounds = append(info.Rounds, snapshot)
	}
	return info
}

func (cs *ConsensusState) GetState() sm.State {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.state.Copy()
}

func (cs *ConsensusState) Height() int64 {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.repo.Height()
}

// LastCommit 最后提交的区块和它的证明，还没有提交过时返回nil
func (cs *ConsensusState) LastCommit() *types.Commit {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.lastCommit
}

func (cs *ConsensusState) LoadCommit(height int64) (*types.Commit, error) {
	return cs.cstore.LoadCommit(height)
}

// Evidence 当前高度记录的双签证据
func (cs *ConsensusState) Evidence() []*types.DuplicateVoteEvidence {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.repo.Evidence().List()
}

// Halted 共识因为致命错误停止后返回该错误
func (cs *ConsensusState) Halted() error {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.halted
}

func (cs *ConsensusState) MetricJSON() string {
	return cs.metric.JSONString()
}

// HandleMessage 把其他节点的消息交给receiveRoutine
func (cs *ConsensusState) HandleMessage(msg Message, peerID p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Msg: msg, PeerID: peerID}:
	case <-cs.Quit():
	}
}

//-----------------------------------------------------------------------------
// receive routine

// receiveRoutine负责接收所有的消息和超时事件
func (cs *ConsensusState) receiveRoutine() {
	defer close(cs.done)
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return

		case mi := <-cs.peerMsgQueue:
			// 接收到其他节点的消息
			cs.handleMsg(mi)

		case mi := <-cs.internalMsgQueue:
			// 收到内部生成的投票or提案
			cs.handleMsg(mi)

		case ti := <-cs.ticker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.processMsg(mi, false)
}

// processMsg fromStore为true时是启动时重放存储中的消息，不再写入存储也不广播
func (cs *ConsensusState) processMsg(mi msgInfo, fromStore bool) {
	if cs.halted != nil {
		return
	}
	if err := mi.Msg.ValidateBasic(); err != nil {
		cs.onRejected(mi, reject(ReasonMalformed, err))
		return
	}

	var err error
	switch msg := mi.Msg.(type) {
	case *ProposalMessage:
		err = cs.handleProposal(msg.Proposal, fromStore)
	case *VoteMessage:
		err = cs.handleVote(msg.Vote, fromStore)
	case *CommitMessage:
		err = cs.handleCommit(msg.Commit)
	case *StatusMessage:
		// 由reactor处理
	default:
		cs.Logger.Error("unknown msg type", "type", fmt.Sprintf("%T", msg))
	}
	if err != nil {
		cs.onRejected(mi, err)
	}
}

func (cs *ConsensusState) onRejected(mi msgInfo, err error) {
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		cs.Logger.Error("failed to process message", "msg", mi.Msg, "peer", mi.PeerID, "err", err)
		return
	}

	cs.metrics.RejectedMessages.With("reason", rejected.Reason.String()).Add(1)
	switch rejected.Reason {
	case ReasonHeightTooFarAhead:
		if msgHeight(mi.Msg)-cs.repo.Height() > cs.engineConfig.MaxFutureHeight {
			cs.Logger.Debug("drop message too far ahead", "msg", mi.Msg, "peer", mi.PeerID)
			return
		}
		if dropped := cs.futureBuffer.Add(mi); dropped {
			cs.Logger.Debug("future buffer is full, dropped the oldest message")
		}
		cs.metrics.FutureMessages.Set(float64(cs.futureBuffer.Size()))
	case ReasonDuplicateEquivocating:
		if errors.Is(err, cstypes.ErrConflictingVote) {
			cs.Logger.Info("equivocation detected", "msg", mi.Msg, "peer", mi.PeerID)
			cs.metrics.ByzantineValidators.Set(float64(cs.repo.Evidence().Size()))
		}
	default:
		cs.Logger.Debug("reject message", "msg", mi.Msg, "peer", mi.PeerID, "err", err)
	}
}

func (cs *ConsensusState) handleProposal(proposal *types.Proposal, fromStore bool) error {
	rs, err := cs.proposalProcessor.Process(proposal)
	if err != nil {
		return err
	}

	if !fromStore {
		if err := cs.cstore.SaveProposal(proposal); err != nil {
			cs.halt(err)
			return nil
		}
		cs.eventSwitch.FireEvent(EventNewProposal, proposal)
	}
	cs.Logger.Info("set proposal", "height", proposal.Height, "round", proposal.Round,
		"validRound", proposal.ValidRound, "block", proposal.BlockID())

	cs.handle(rs)
	return nil
}

func (cs *ConsensusState) handleVote(vote *types.Vote, fromStore bool) error {
	var (
		rs      *cstypes.RoundState
		outcome cstypes.VoteOutcome
		err     error
	)
	switch vote.Type {
	case types.PrevoteType:
		rs, outcome, err = cs.prevoteProcessor.Process(vote)
	case types.PrecommitType:
		rs, outcome, err = cs.precommitProcessor.Process(vote)
	default:
		return rejectf(ReasonMalformed, "unknown vote type %v", vote.Type)
	}
	if err != nil {
		return err
	}

	if !fromStore {
		if err := cs.cstore.SaveVote(vote); err != nil {
			cs.halt(err)
			return nil
		}
		cs.eventSwitch.FireEvent(EventNewVote, vote)
	}
	cs.Logger.Debug("add vote", "vote", vote, "outcome", outcome.Type)

	cs.handle(rs)
	return nil
}

func (cs *ConsensusState) handleCommit(commit *types.Commit) error {
	if cs.repo.IsCommitted() && commit.Height() == cs.repo.Height() {
		return rejectf(ReasonHeightTooOld, "height %d already committed", commit.Height())
	}
	if err := cs.commitProcessor.Process(commit); err != nil {
		return err
	}
	cs.Logger.Info("received commit from peer", "height", commit.Height(), "round", commit.Proof.Round)
	cs.finalizeCommit(commit)
	return nil
}

// handleTimeout 过期的超时直接忽略
func (cs *ConsensusState) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if cs.halted != nil {
		return
	}
	rs := cs.activeRoundState()
	stale := ti.Height != cs.repo.Height() || ti.Round != rs.Round
	if ti.Step == cstypes.RoundStepPrecommit {
		// +2/3 precommit可能在prevote之前就已经收到
		stale = stale || rs.Step() == cstypes.RoundStepCommit
	} else {
		stale = stale || ti.Step != rs.Step()
	}
	if stale {
		cs.Logger.Debug("ignoring stale timeout", "ti", ti, "height", cs.repo.Height(), "round", rs.Round, "step", rs.Step())
		return
	}

	switch ti.Step {
	case cstypes.RoundStepPropose:
		cs.enterPrevote(ti.Height, ti.Round, nil)
	case cstypes.RoundStepPrevote:
		cs.enterPrecommit(ti.Height, ti.Round, nil)
	case cstypes.RoundStepPrecommit:
		cs.enterNewRound(ti.Height, ti.Round+1)
	case cstypes.RoundStepCommit:
		cs.enterNewHeight()
	default:
		panic(fmt.Sprintf("invalid timeout step: %v", ti.Step))
	}
}

//-----------------------------------------------------------------------------
// handle 每次状态变化后按固定顺序检查所有的触发条件

func (cs *ConsensusState) handle(rs *cstypes.RoundState) {
	cs.onProposal(rs)
	cs.onProposalLocked(rs)
	cs.onMajorityPrevote(rs)
	cs.onMajorityPrevoteAny(rs)
	cs.onMajorityPrevoteNil(rs)
	cs.onMajorityPrecommitAny(rs)
	cs.onMajorityPrecommit(rs)
	cs.onMinorityWithHigherRound(rs)
}

// participating 没有停止、没有提交、也不在重放存储
func (cs *ConsensusState) participating() bool {
	return cs.halted == nil && !cs.repo.IsCommitted() && !cs.replaying
}

// isActive rs是已经启动的当前轮次并且处于step
func (cs *ConsensusState) isActive(rs *cstypes.RoundState, step cstypes.RoundStepType) bool {
	return cs.participating() &&
		rs.Height == cs.repo.Height() &&
		rs.Round == cs.repo.ActiveRound() &&
		rs.Round == cs.startedRound &&
		rs.Step() == step
}

// onProposal 新的提案：没有锁或者锁定的就是这个区块时投赞成票
func (cs *ConsensusState) onProposal(rs *cstypes.RoundState) {
	if !cs.isActive(rs, cstypes.RoundStepPropose) || !rs.HasProposal() || rs.Proposal().HasValidRound() {
		return
	}
	hc := rs.HeightContext()
	if !hc.IsLocked() || hc.LockedBlock.HashesTo(rs.ProposalBlockID()) {
		cs.enterPrevote(rs.Height, rs.Round, rs.ProposalBlockID())
	} else {
		cs.enterPrevote(rs.Height, rs.Round, nil)
	}
}

// onProposalLocked 重新提出的区块，lock proof已经由处理器验证
// 锁定的轮次不高于validRound或者锁定的就是这个区块时投赞成票
func (cs *ConsensusState) onProposalLocked(rs *cstypes.RoundState) {
	if !cs.isActive(rs, cstypes.RoundStepPropose) || !rs.HasProposal() || !rs.Proposal().HasValidRound() {
		return
	}
	proposal := rs.Proposal()
	hc := rs.HeightContext()
	if !hc.IsLocked() || hc.LockedRound <= proposal.ValidRound || hc.LockedBlock.HashesTo(proposal.BlockID()) {
		cs.enterPrevote(rs.Height, rs.Round, proposal.BlockID())
	} else {
		cs.enterPrevote(rs.Height, rs.Round, nil)
	}
}

// onMajorityPrevote +2/3 prevote投给提案区块，锁已经由RoundState更新
func (cs *ConsensusState) onMajorityPrevote(rs *cstypes.RoundState) {
	if !cs.isActive(rs, cstypes.RoundStepPrevote) || !rs.HasMajorityPrevotesForProposal() {
		return
	}
	cs.enterPrecommit(rs.Height, rs.Round, rs.ProposalBlockID())
}

// onMajorityPrevoteAny +2/3 prevote但是没有一致的结果，开始prevote超时
func (cs *ConsensusState) onMajorityPrevoteAny(rs *cstypes.RoundState) {
	if !cs.isActive(rs, cstypes.RoundStepPrevote) || !rs.HasMajorityPrevotesAny() {
		return
	}
	if cs.prevoteTimeoutRound >= rs.Round {
		return
	}
	cs.prevoteTimeoutRound = rs.Round
	cs.scheduleTimeout(cs.config.Prevote(rs.Round), rs.Height, rs.Round, cstypes.RoundStepPrevote)
}

func (cs *ConsensusState) onMajorityPrevoteNil(rs *cstypes.RoundState) {
	if !cs.isActive(rs, cstypes.RoundStepPrevote) || !rs.HasMajorityPrevotesForNil() {
		return
	}
	cs.enterPrecommit(rs.Height, rs.Round, nil)
}

// onMajorityPrecommitAny 当前轮次+2/3 precommit，不管处于哪一步都开始precommit超时
func (cs *ConsensusState) onMajorityPrecommitAny(rs *cstypes.RoundState) {
	if !cs.participating() || rs.Height != cs.repo.Height() ||
		rs.Round != cs.repo.ActiveRound() || rs.Round != cs.startedRound {
		return
	}
	if !rs.HasMajorityPrecommitsAny() || cs.precommitTimeoutRound >= rs.Round {
		return
	}
	cs.precommitTimeoutRound = rs.Round
	cs.scheduleTimeout(cs.config.Precommit(rs.Round), rs.Height, rs.Round, cstypes.RoundStepPrecommit)
}

// onMajorityPrecommit 任意轮次的提案区块获得+2/3 precommit都可以提交
func (cs *ConsensusState) onMajorityPrecommit(rs *cstypes.RoundState) {
	if !cs.participating() || rs.Height != cs.repo.Height() {
		return
	}
	if !rs.HasProposal() || !rs.HasMajorityPrecommitsForProposal() {
		return
	}

	blockID := rs.ProposalBlockID()
	proof, ok := cs.aggregator().TryBuildProof(rs.Round, blockID, rs.PrecommitsFor(blockID))
	if !ok {
		cs.Logger.Error("failed to build commit proof", "height", rs.Height, "round", rs.Round, "block", blockID)
		return
	}
	cs.finalizeCommit(types.NewCommit(rs.ProposalBlock(), *proof))
}

// onMinorityWithHigherRound 更高的轮次上有f+1的投票，直接跳到那一轮
func (cs *ConsensusState) onMinorityWithHigherRound(rs *cstypes.RoundState) {
	if !cs.participating() || rs.Height != cs.repo.Height() || rs.Round <= cs.repo.ActiveRound() {
		return
	}
	if !rs.HasMinorityPrevotesOrPrecommits() {
		return
	}
	cs.Logger.Info("skip to higher round", "height", rs.Height, "round", rs.Round, "active", cs.repo.ActiveRound())
	cs.enterNewRound(rs.Height, rs.Round)
}

//-----------------------------------------------------------------------------
// 状态转移函数

// enterNewRound 启动一个新的轮次，如果是proposer就提出提案
func (cs *ConsensusState) enterNewRound(height int64, round int32) {
	if height != cs.repo.Height() || round <= cs.startedRound || cs.repo.IsCommitted() {
		cs.Logger.Debug("enterNewRound: invalid args", "height", height, "round", round, "started", cs.startedRound)
		return
	}
	if err := cs.repo.SetActiveRound(round); err != nil {
		cs.Logger.Error("enterNewRound: set active round", "round", round, "err", err)
		return
	}
	cs.startedRound = round

	rs := cs.activeRoundState()
	rs.SetStep(cstypes.RoundStepPropose)
	cs.Logger.Info("enter new round", "height", height, "round", round)
	cs.newStep(rs)
	cs.scheduleTimeout(cs.config.Propose(round), height, round, cstypes.RoundStepPropose)

	proposer, err := cs.repo.Validators().GetProposer(height, round)
	if err != nil {
		cs.halt(err)
		return
	}
	isProposer := cs.privValPubKey != nil && proposer.PubKey.Equals(cs.privValPubKey)
	cs.metric.MarkProposer(isProposer, proposer.Address.String())
	if isProposer && !rs.HasProposal() {
		cs.Logger.Info("I'm proposer, prepare to propose.", "height", height, "round", round)
		cs.decideProposal(height, round)
	}

	cs.handle(rs)
}

func (cs *ConsensusState) enterPrevote(height int64, round int32, blockID []byte) {
	rs := cs.activeRoundState()
	if !cs.isActive(rs, cstypes.RoundStepPropose) || rs.Height != height || rs.Round != round {
		return
	}
	rs.SetStep(cstypes.RoundStepPrevote)
	cs.Logger.Info("enter prevote", "height", height, "round", round, "block", fmt.Sprintf("%X", blockID))
	cs.newStep(rs)

	// 进入prevote之前可能已经收到了+2/3 prevote
	if rs.EvaluateLock() {
		cs.Logger.Info("locked on proposal", "height", height, "round", round)
	}
	cs.signAddVote(rs, types.PrevoteType, blockID)
	cs.handle(rs)
}

func (cs *ConsensusState) enterPrecommit(height int64, round int32, blockID []byte) {
	rs := cs.activeRoundState()
	if !cs.isActive(rs, cstypes.RoundStepPrevote) || rs.Height != height || rs.Round != round {
		return
	}
	rs.SetStep(cstypes.RoundStepPrecommit)
	cs.Logger.Info("enter precommit", "height", height, "round", round, "block", fmt.Sprintf("%X", blockID))
	cs.newStep(rs)

	cs.signAddVote(rs, types.PrecommitType, blockID)
	cs.handle(rs)
}

// finalizeCommit 执行区块，持久化commit，然后等待下一个高度
func (cs *ConsensusState) finalizeCommit(commit *types.Commit) {
	height := commit.Height()
	rs := cs.activeRoundState()
	rs.SetStep(cstypes.RoundStepCommit)
	cs.newStep(rs)

	cstate := NewCommitState(commit)
	newState, err := cstate.Finalize(cs.commitLock, cs.state, cs.blockExec, cs.cstore)
	if err != nil {
		if errors.Is(err, ErrStaleCommit) {
			cs.Logger.Error("commit for a height already committed", "height", height)
			return
		}
		cs.halt(err)
		return
	}
	cs.state = newState
	if err := cs.repo.MarkCommitted(height); err != nil {
		cs.halt(err)
		return
	}
	cs.lastCommit = commit

	cs.Logger.Info("committed block", "height", height, "round", commit.Proof.Round,
		"block", commit.BlockID(), "txs", len(commit.Block.Txs))
	cs.recordCommitMetrics(commit)
	cs.eventSwitch.FireEvent(EventNewCommit, commit)

	// 等待下一个区块准备好
	wait := cs.config.TimeoutCommit
	if cs.config.SkipTimeoutCommit {
		wait = 0
	}
	cs.scheduleTimeout(wait, height, rs.Round, cstypes.RoundStepCommit)
}

// enterNewHeight 进入下一个高度，重新处理缓存的未来消息
func (cs *ConsensusState) enterNewHeight() {
	height := cs.state.NextHeight()
	if err := cs.repo.AdvanceHeight(height, cs.state.Validators); err != nil {
		cs.halt(err)
		return
	}
	cs.startedRound = -1
	cs.prevoteTimeoutRound, cs.precommitTimeoutRound = -1, -1
	cs.metrics.ByzantineValidators.Set(0)

	cs.enterNewRound(height, 0)

	for _, mi := range cs.futureBuffer.PopHeight(height) {
		cs.processMsg(mi, false)
	}
	cs.metrics.FutureMessages.Set(float64(cs.futureBuffer.Size()))
}

//-----------------------------------------------------------------------------

// defaultDecideProposal 有valid值时重新提出它并附上那一轮的prevote聚合签名
// 否则从mempool打包新的区块
func (cs *ConsensusState) defaultDecideProposal(height int64, round int32) {
	var (
		block      *types.Block
		validRound = int32(-1)
		lockProof  *types.AggregatedSignature
		hc         = cs.repo.HeightContext()
	)

	if hc.ValidBlock != nil && hc.ValidRound < round {
		vrs, err := cs.repo.GetRoundState(height, hc.ValidRound)
		if err == nil {
			lockProof, err = cs.aggregator().Aggregate(vrs.PrevotesFor(hc.ValidBlock.Hash()))
		}
		if err != nil {
			cs.Logger.Error("failed to build lock proof, propose a new block", "validRound", hc.ValidRound, "err", err)
		} else {
			block, validRound = hc.ValidBlock, hc.ValidRound
		}
	}
	if block == nil {
		block = cs.blockExec.CreateProposalBlock(cs.state, height, round, types.GetAddress(cs.privValPubKey), tmtime.Now())
	}

	idx, _ := cs.repo.Validators().GetByAddress(cs.privValPubKey.Address())
	proposal := types.NewProposal(height, round, validRound, block, idx)
	proposal.LockProof = lockProof
	if err := cs.privVal.SignProposal(cs.state.ChainID, proposal); err != nil {
		cs.Logger.Error("sign proposal failed", "err", err)
		return
	}

	cs.Logger.Debug("got proposal", "proposal", proposal)
	// 通过内部chan统一处理
	cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
}

// signAddVote 已经投过票的轮次不再投票，重启后也不会重复签名
func (cs *ConsensusState) signAddVote(rs *cstypes.RoundState, voteType types.SignedMsgType, blockID []byte) {
	idx := cs.privValIndex()
	if idx < 0 {
		return
	}
	existing := rs.GetPrevote(idx)
	if voteType == types.PrecommitType {
		existing = rs.GetPrecommit(idx)
	}
	if existing != nil {
		cs.Logger.Debug("already voted", "vote", existing)
		return
	}

	vote := &types.Vote{
		Type:           voteType,
		Height:         rs.Height,
		Round:          rs.Round,
		BlockID:        blockID,
		ValidatorIndex: idx,
	}
	if err := cs.privVal.SignVote(cs.state.ChainID, vote); err != nil {
		cs.Logger.Error("sign vote failed.", "error", err)
		return
	}
	cs.Logger.Debug("signed vote", "vote", vote)
	cs.sendInternalMessage(msgInfo{&VoteMessage{Vote: vote}, ""})
}

// privValIndex 本节点在当前验证者集合中的位置，不是验证者时返回-1
func (cs *ConsensusState) privValIndex() int32 {
	if cs.privVal == nil {
		return -1
	}
	idx, _ := cs.repo.Validators().GetByAddress(cs.privValPubKey.Address())
	return idx
}

func (cs *ConsensusState) activeRoundState() *cstypes.RoundState {
	rs, err := cs.repo.GetRoundState(cs.repo.Height(), cs.repo.ActiveRound())
	if err != nil {
		panic(err)
	}
	return rs
}

func (cs *ConsensusState) aggregator() *Aggregator {
	return NewAggregator(cs.state.ChainID, cs.repo.Validators())
}

// newStep 持久化快照并通知reactor
func (cs *ConsensusState) newStep(rs *cstypes.RoundState) {
	hc := cs.repo.HeightContext()
	snapshot := store.ConsensusSnapshot{
		Height:      rs.Height,
		Round:       rs.Round,
		Step:        rs.Step(),
		LockedRound: hc.LockedRound,
		ValidRound:  hc.ValidRound,
	}
	if err := cs.cstore.SaveSnapshot(snapshot); err != nil {
		cs.halt(err)
		return
	}

	cs.metrics.Height.Set(float64(rs.Height))
	cs.metrics.Rounds.Set(float64(rs.Round))
	cs.metric.MarkRound(rs.Height, rs.Round, rs.Step().String(), hc.LockedRound, hc.ValidRound)
	cs.eventSwitch.FireEvent(EventNewRoundStep, rs.Snapshot())
}

func (cs *ConsensusState) scheduleTimeout(duration time.Duration, height int64, round int32, step cstypes.RoundStepType) {
	cs.ticker.ScheduleTimeout(timeoutInfo{Duration: duration, Height: height, Round: round, Step: step})
}

func (cs *ConsensusState) recordCommitMetrics(commit *types.Commit) {
	vals := cs.repo.Validators()
	cs.metrics.Validators.Set(float64(vals.Size()))
	cs.metrics.ValidatorsPower.Set(float64(vals.TotalVotingPower()))
	cs.metrics.MissingValidators.Set(float64(vals.Size() - len(commit.Proof.Indices())))
	cs.metrics.NumTxs.Set(float64(len(commit.Block.Txs)))
	cs.metrics.TotalTxs.Add(float64(len(commit.Block.Txs)))

	now := tmtime.Now()
	if last := cs.metric.LastCommitTime; !last.IsZero() {
		cs.metrics.BlockIntervalSeconds.Observe(now.Sub(last).Seconds())
	}
	cs.metric.MarkCommit(commit.Height(), now)
}

// halt 不能继续执行或持久化时停止参与共识，查询接口仍然可用
func (cs *ConsensusState) halt(err error) {
	if cs.halted != nil {
		return
	}
	cs.halted = &HaltError{Height: cs.repo.Height(), Err: err}
	cs.Logger.Error("CONSENSUS HALTED", "height", cs.repo.Height(), "err", err)
	cs.metrics.Halted.Set(1)
	cs.metric.MarkHalted(true)
}

// send a msg into the receiveRoutine regarding our own proposal or vote
// 直接写可能会因为receiveRoutine blocked从而导致本协程block
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our votes can
		// be processed out of order.
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			select {
			case cs.internalMsgQueue <- mi:
			case <-cs.Quit():
			}
		}()
	}
}

//-----------------------------------------------------------------------------
// bootstrap

// bootstrap 启动时恢复当前高度：重放存储中的消息，恢复锁，然后从快照的位置继续
func (cs *ConsensusState) bootstrap() error {
	if cs.state.Validators.IsNilOrEmpty() {
		return types.ErrNotBootstrapped
	}
	ctx := context.Background()

	lastCommitHeight, err := cs.cstore.LastCommitHeight()
	if err != nil {
		return err
	}
	if h := cs.state.LastBlockHeight; h >= cs.state.InitialHeight && h > lastCommitHeight {
		// 账本执行了区块但commit没来得及写入
		commit, err := cs.bootstrapper.RecoverCommit(ctx, h, cs.state.Validators)
		if err != nil {
			cs.Logger.Error("can't recover commit for applied block", "height", h, "err", err)
		} else if err := cs.cstore.SaveCommit(commit); err != nil {
			return err
		}
	}
	if cs.lastCommit, err = cs.cstore.LoadLastCommit(); err != nil {
		return err
	}

	height := cs.repo.Height()
	data, err := cs.bootstrapper.Load(ctx, height, cs.repo.Validators())
	if err != nil {
		return err
	}

	round, step := int32(0), cstypes.RoundStepPropose
	if data.Snapshot != nil {
		round, step = data.Snapshot.Round, data.Snapshot.Step
	}
	if err := cs.repo.SetActiveRound(round); err != nil {
		return err
	}

	if !data.Empty() {
		cs.Logger.Info("replay stored messages", "height", height, "proposals", len(data.Proposals),
			"prevotes", len(data.Prevotes), "precommits", len(data.Precommits), "snapshot", data.Snapshot)
	}
	cs.replaying = true
	for _, proposal := range data.Proposals {
		cs.processMsg(msgInfo{Msg: &ProposalMessage{Proposal: proposal}}, true)
	}
	for _, vote := range data.Prevotes {
		cs.processMsg(msgInfo{Msg: &VoteMessage{Vote: vote}}, true)
	}
	for _, vote := range data.Precommits {
		cs.processMsg(msgInfo{Msg: &VoteMessage{Vote: vote}}, true)
	}
	cs.replaying = false
	if data.Snapshot != nil {
		cs.restoreLock(data.Snapshot)
	}

	// 已经有+2/3 precommit的轮次直接提交
	for _, rs := range cs.repo.RoundStates() {
		cs.onMajorityPrecommit(rs)
	}
	if cs.halted != nil || cs.repo.IsCommitted() {
		return nil
	}

	cs.enterNewRound(height, round)
	if step >= cstypes.RoundStepPrevote {
		cs.enterPrevote(height, round, nil)
	}
	if step >= cstypes.RoundStepPrecommit {
		cs.enterPrecommit(height, round, nil)
	}
	for _, rs := range cs.repo.RoundStates() {
		cs.handle(rs)
	}
	return nil
}

// restoreLock 锁定和valid的区块只能来自对应轮次的提案
func (cs *ConsensusState) restoreLock(snapshot *store.ConsensusSnapshot) {
	hc := cs.repo.HeightContext()
	if snapshot.LockedRound > hc.LockedRound && cs.repo.HasRoundState(snapshot.LockedRound) {
		rs, _ := cs.repo.GetRoundState(snapshot.Height, snapshot.LockedRound)
		if rs.HasProposal() {
			hc.LockedRound, hc.LockedBlock = snapshot.LockedRound, rs.ProposalBlock()
		}
	}
	if snapshot.ValidRound > hc.ValidRound && cs.repo.HasRoundState(snapshot.ValidRound) {
		rs, _ := cs.repo.GetRoundState(snapshot.Height, snapshot.ValidRound)
		if rs.HasProposal() {
			hc.ValidRound, hc.ValidBlock = snapshot.ValidRound, rs.ProposalBlock()
		}
	}
	if hc.LockedRound != snapshot.LockedRound {
		cs.Logger.Error("can't restore lock from storage", "snapshot", snapshot, "hc", hc)
	}
}
