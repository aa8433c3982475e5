package mempool

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

const (
	MempoolChannel = byte(0x30)

	// 一条TxsMessage最多打包的交易数
	maxTxsPerMessage = 64

	peerCatchupSleepInterval = 100 * time.Millisecond
)

func init() {
	tmjson.RegisterType(&TxsMessage{}, "mainsail/Txs")
}

// TxsMessage 一批需要gossip的交易
type TxsMessage struct {
	Txs types.Txs `json:"txs"`
}

func (m *TxsMessage) String() string {
	return fmt.Sprintf("[TxsMessage %d txs]", len(m.Txs))
}

func encodeTxs(txs types.Txs) ([]byte, error) {
	return tmjson.Marshal(&TxsMessage{Txs: txs})
}

func decodeTxs(bz []byte) (types.Txs, error) {
	var msg TxsMessage
	if err := tmjson.Unmarshal(bz, &msg); err != nil {
		return nil, err
	}
	if len(msg.Txs) == 0 {
		return nil, errors.New("empty TxsMessage")
	}
	return msg.Txs, nil
}

// Reactor 在节点之间gossip交易
// 每个peer一个goroutine沿着mempool的clist往前走，不会把交易发回给发送者
type Reactor struct {
	p2p.BaseReactor

	config  *config.MempoolConfig
	mempool *ListMempool
	ids     *mempoolIDs
}

func NewReactor(config *config.MempoolConfig, mempool *ListMempool) *Reactor {
	memR := &Reactor{
		config:  config,
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	memR.BaseReactor = *p2p.NewBaseReactor("Mempool", memR)
	return memR
}

// SetLogger 同时设置mempool的logger
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

func (memR *Reactor) OnStart() error {
	if !memR.config.Broadcast {
		memR.Logger.Info("Tx broadcasting is disabled")
	}
	return nil
}

func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	// json编码后的体积会变大，这里给足余量
	capacity := (memR.config.MaxTxBytes*2 + 64) * maxTxsPerMessage
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: capacity,
		},
	}
}

// InitPeer 在peer启动前分配id
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

func (memR *Reactor) AddPeer(peer p2p.Peer) {
	if memR.config.Broadcast {
		go memR.gossipTxsRoutine(peer)
	}
}

// RemovePeer gossip goroutine会在peer.Quit()后自己退出
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
}

func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	txs, err := decodeTxs(msgBytes)
	if err != nil {
		memR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}
	memR.Logger.Debug("Receive", "src", src, "chId", chID, "txs", len(txs))

	txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src), SenderP2PID: src.ID()}
	for _, tx := range txs {
		if err := memR.mempool.CheckTx(tx, txInfo); err != nil {
			memR.Logger.Debug("Could not check tx", "tx", txID(tx), "err", err)
		}
	}
}

// peerBehind 对方还没到交易进入mempool时的高度，先不发
// 没有状态的peer直接发送
func peerBehind(peer p2p.Peer, memTx *mempoolTx) bool {
	ps, ok := peer.Get(types.PeerStateKey).(types.PeerState)
	if !ok {
		return false
	}
	return ps.GetHeight() < memTx.Height()-1
}

// collectBatch 从next开始收集连续的交易，跳过peer发给我们的
// 返回这一批中最后一个元素
func (memR *Reactor) collectBatch(peer p2p.Peer, peerID uint16, next *clist.CElement) (types.Txs, *clist.CElement) {
	var (
		batch types.Txs
		last  = next
	)
	for e := next; e != nil && len(batch) < maxTxsPerMessage; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		if peerBehind(peer, memTx) {
			break
		}
		if _, sent := memTx.senders.Load(peerID); !sent {
			batch = append(batch, memTx.tx)
		}
		last = e
	}
	return batch, last
}

func (memR *Reactor) gossipTxsRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		if peerBehind(peer, next.Value.(*mempoolTx)) {
			time.Sleep(peerCatchupSleepInterval)
			continue
		}

		batch, last := memR.collectBatch(peer, peerID, next)
		if len(batch) > 0 {
			bz, err := encodeTxs(batch)
			if err != nil {
				memR.Logger.Error("Marshal message failed.", "err", err)
				return
			}
			if !peer.Send(MempoolChannel, bz) {
				time.Sleep(peerCatchupSleepInterval)
				continue
			}
		}

		// last被移除时NextWaitChan也会关闭，此时Next()为nil，从头开始
		select {
		case <-last.NextWaitChan():
			next = last.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}
