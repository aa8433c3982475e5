package consensus

import (
	"errors"
	"fmt"
	"time"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	"github.com/ArkEcosystem/mainsail-sub010/types"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"
)

// ------ Message ------
// 节点之间传递的共识消息
type Message interface {
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&ProposalMessage{}, "mainsail/Proposal")
	tmjson.RegisterType(&VoteMessage{}, "mainsail/Vote")
	tmjson.RegisterType(&CommitMessage{}, "mainsail/Commit")
	tmjson.RegisterType(&StatusMessage{}, "mainsail/Status")
}

// envelope 消息在网络上的编码格式，tmjson会为接口字段带上类型信息
type envelope struct {
	Msg Message `json:"msg"`
}

func encodeMsg(msg Message) ([]byte, error) {
	return tmjson.Marshal(envelope{Msg: msg})
}

func decodeMsg(bz []byte) (Message, error) {
	var env envelope
	if err := tmjson.Unmarshal(bz, &env); err != nil {
		return nil, err
	}
	if env.Msg == nil {
		return nil, errors.New("empty message")
	}
	return env.Msg, nil
}

type ProposalMessage struct {
	Proposal *types.Proposal `json:"proposal"`
}

func (msg *ProposalMessage) ValidateBasic() error {
	return msg.Proposal.ValidateBasic()
}

func (msg *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", msg.Proposal)
}

type VoteMessage struct {
	Vote *types.Vote `json:"vote"`
}

func (msg *VoteMessage) ValidateBasic() error {
	if msg.Vote == nil {
		return errors.New("nil vote")
	}
	return msg.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", msg.Vote)
}

// CommitMessage 已经完成的高度，落后的节点用它追赶
type CommitMessage struct {
	Commit *types.Commit `json:"commit"`
}

func (msg *CommitMessage) ValidateBasic() error {
	if msg.Commit == nil {
		return errors.New("nil commit")
	}
	// 验证者集合的大小由处理器检查
	return msg.Commit.Block.ValidateBasic()
}

func (msg *CommitMessage) String() string {
	return fmt.Sprintf("[Commit %v]", msg.Commit)
}

// StatusMessage 节点当前所在的高度
type StatusMessage struct {
	Height int64 `json:"height"`
}

func (msg *StatusMessage) ValidateBasic() error {
	if msg.Height <= 0 {
		return errors.New("non positive height")
	}
	return nil
}

func (msg *StatusMessage) String() string {
	return fmt.Sprintf("[Status %v]", msg.Height)
}

// msgHeight 消息所属的高度
func msgHeight(msg Message) int64 {
	switch msg := msg.(type) {
	case *ProposalMessage:
		return msg.Proposal.Height
	case *VoteMessage:
		return msg.Vote.Height
	case *CommitMessage:
		return msg.Commit.Height()
	case *StatusMessage:
		return msg.Height
	default:
		return 0
	}
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

// internally generated messages which may update the state
type timeoutInfo struct {
	Duration time.Duration         `json:"duration"`
	Height   int64                 `json:"height"`
	Round    int32                 `json:"round"`
	Step     cstypes.RoundStepType `json:"step"`
}

func (ti *timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d %v", ti.Duration, ti.Height, ti.Round, ti.Step)
}
