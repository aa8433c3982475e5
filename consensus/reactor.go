package consensus

import (
	"fmt"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	"github.com/ArkEcosystem/mainsail-sub010/types"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"
)

const (
	StateChannel = byte(0x20)
	DataChannel  = byte(0x21)
	VoteChannel  = byte(0x22)

	maxMsgSize = 1048576 // 1MB

	subscriber = "consensus-reactor"
)

// ------- Reactor ------
// Reactor 负责共识消息在节点之间的传递
// 提案、投票只有被共识接受之后才会继续转发
type Reactor struct {
	p2p.BaseReactor

	conS *ConsensusState
}

func NewReactor(consensusState *ConsensusState) *Reactor {
	conR := &Reactor{
		conS: consensusState,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	conR.subscribeToBroadcastEvents()
	return nil
}

func (conR *Reactor) OnStop() {
	conR.conS.eventSwitch.RemoveListener(subscriber)
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  StateChannel,
			Priority:            6,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  DataChannel,
			Priority:            10,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  VoteChannel,
			Priority:            7,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  100 * 100,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

// AddPeer 告诉新的节点我们的高度，落后的一方会收到commit
func (conR *Reactor) AddPeer(peer p2p.Peer) {
	if !conR.IsRunning() {
		return
	}
	conR.sendStatus(peer, conR.conS.Height())
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	msg, err := decodeMsg(msgBytes)
	if err != nil {
		conR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	if err = msg.ValidateBasic(); err != nil {
		conR.Logger.Error("Peer sent us invalid msg", "peer", src, "msg", msg, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	conR.Logger.Debug("Receive", "src", src, "chId", chID, "msg", msg)

	switch chID {
	case StateChannel:
		switch msg := msg.(type) {
		case *StatusMessage:
			src.Set(types.PeerStateKey, peerHeight(msg.Height))
			conR.handleStatus(src, msg)
		default:
			conR.Logger.Error(fmt.Sprintf("Unknown message type %T on state channel", msg))
		}

	case DataChannel:
		switch msg := msg.(type) {
		case *ProposalMessage, *CommitMessage:
			conR.conS.HandleMessage(msg, src.ID())
		default:
			conR.Logger.Error(fmt.Sprintf("Unknown message type %T on data channel", msg))
		}

	case VoteChannel:
		switch msg := msg.(type) {
		case *VoteMessage:
			conR.conS.HandleMessage(msg, src.ID())
		default:
			conR.Logger.Error(fmt.Sprintf("Unknown message type %T on vote channel", msg))
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// peerHeight 对方最近一次通告的高度，供mempool判断是否可以gossip交易
type peerHeight int64

func (h peerHeight) GetHeight() int64 { return int64(h) }

// handleStatus 对方落后时发送commit，对方领先时回复我们的高度让对方发送commit
func (conR *Reactor) handleStatus(peer p2p.Peer, msg *StatusMessage) {
	height := conR.conS.Height()
	switch {
	case msg.Height < height:
		last := msg.Height + conR.conS.engineConfig.MaxCatchupCommits - 1
		if last > height-1 {
			last = height - 1
		}
		for h := msg.Height; h <= last; h++ {
			commit, err := conR.conS.LoadCommit(h)
			if err != nil || commit == nil {
				conR.Logger.Debug("no commit to send", "height", h, "err", err)
				return
			}
			conR.send(peer, DataChannel, &CommitMessage{Commit: commit})
		}
	case msg.Height > height:
		conR.sendStatus(peer, height)
	}
}

// subscribeToBroadcastEvents订阅consensus需要广播的消息
// NOTE: 回调在共识的receiveRoutine中执行，不能调用需要共识锁的方法
func (conR *Reactor) subscribeToBroadcastEvents() {
	// 监听提案广播事件 - 当consensus成功setProposal以后才会触发事件
	conR.conS.eventSwitch.AddListenerForEvent(subscriber, EventNewProposal, func(data events.EventData) {
		conR.broadcast(DataChannel, &ProposalMessage{Proposal: data.(*types.Proposal)})
	})

	// 监听投票事件 - 当consensus成功addVote以后才会触发事件
	conR.conS.eventSwitch.AddListenerForEvent(subscriber, EventNewVote, func(data events.EventData) {
		conR.broadcast(VoteChannel, &VoteMessage{Vote: data.(*types.Vote)})
	})

	// 提交后广播commit，错过precommit的节点可以直接提交
	conR.conS.eventSwitch.AddListenerForEvent(subscriber, EventNewCommit, func(data events.EventData) {
		conR.broadcast(DataChannel, &CommitMessage{Commit: data.(*types.Commit)})
	})

	// 进入新的高度时广播状态
	conR.conS.eventSwitch.AddListenerForEvent(subscriber, EventNewRoundStep, func(data events.EventData) {
		rs := data.(cstypes.RoundStateSnapshot)
		if rs.Round == 0 && rs.Step == cstypes.RoundStepPropose.String() {
			conR.broadcast(StateChannel, &StatusMessage{Height: rs.Height})
		}
	})
}

func (conR *Reactor) broadcast(chID byte, msg Message) {
	bz, err := encodeMsg(msg)
	if err != nil {
		conR.Logger.Error("Marshal message failed.", "msg", msg, "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast", "msg", msg)
	conR.Switch.Broadcast(chID, bz)
}

func (conR *Reactor) send(peer p2p.Peer, chID byte, msg Message) {
	bz, err := encodeMsg(msg)
	if err != nil {
		conR.Logger.Error("Marshal message failed.", "msg", msg, "err", err)
		return
	}
	peer.Send(chID, bz)
}

func (conR *Reactor) sendStatus(peer p2p.Peer, height int64) {
	conR.send(peer, StateChannel, &StatusMessage{Height: height})
}
