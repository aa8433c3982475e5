package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// Mempool 共识打包区块时使用的交易池
// kvstore的交易没有签名，CheckTx只做大小、重复和容量检查
type Mempool interface {
	CheckTx(tx types.Tx, info TxInfo) error

	// ReapMaxBytes maxBytes为负数时不限制
	ReapMaxBytes(maxBytes int64) types.Txs
	// ReapMaxTxs max为负数时取出全部
	ReapMaxTxs(max int) types.Txs

	// Lock/Unlock 包住Update，期间CheckTx被阻塞
	Lock()
	Unlock()

	// Update 区块提交后删除其中的交易，height为提交的高度
	Update(height int64, committed types.Txs) error

	// Flush 清空交易和cache
	Flush()

	// TxsAvailable 每个高度第一次有交易时通知一次
	TxsAvailable() <-chan struct{}

	Size() int
	TxsBytes() int64
}

type PreCheckFunc func(types.Tx) error

// PreCheckMaxBytes 拒绝超过maxBytes的交易
func PreCheckMaxBytes(maxBytes int64) PreCheckFunc {
	return func(tx types.Tx) error {
		if size := int64(len(tx)); size > maxBytes {
			return ErrTxTooLarge{Max: maxBytes, Actual: size}
		}
		return nil
	}
}

// TxInfo 交易的来源
type TxInfo struct {
	// SenderID 由Reactor分配，UnknownPeerID表示来自本地RPC
	SenderID    uint16
	SenderP2PID p2p.ID
}
