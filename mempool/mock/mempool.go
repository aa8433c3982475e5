package mock

import (
	"sync"

	mempl "github.com/ArkEcosystem/mainsail-sub010/mempool"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// Mempool 测试用的mempool，Reap时返回Pending里的交易，并记录Update过的高度
type Mempool struct {
	mtx     sync.Mutex
	Pending types.Txs
	Updated []int64
}

var _ mempl.Mempool = (*Mempool)(nil)

func (m *Mempool) CheckTx(tx types.Tx, _ mempl.TxInfo) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.Pending = append(m.Pending, tx)
	return nil
}

func (m *Mempool) ReapMaxBytes(_ int64) types.Txs { return m.ReapMaxTxs(-1) }

func (m *Mempool) ReapMaxTxs(max int) types.Txs {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if max < 0 || max > len(m.Pending) {
		max = len(m.Pending)
	}
	return append(types.Txs(nil), m.Pending[:max]...)
}

// Update 从Pending中去掉已提交的交易
func (m *Mempool) Update(height int64, committed types.Txs) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	done := make(map[[types.TxKeySize]byte]struct{}, len(committed))
	for _, tx := range committed {
		done[tx.Key()] = struct{}{}
	}
	left := m.Pending[:0]
	for _, tx := range m.Pending {
		if _, ok := done[tx.Key()]; !ok {
			left = append(left, tx)
		}
	}
	m.Pending = left
	m.Updated = append(m.Updated, height)
	return nil
}

// UpdatedHeights 返回Update调用过的高度
func (m *Mempool) UpdatedHeights() []int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]int64(nil), m.Updated...)
}

func (m *Mempool) Lock()   {}
func (m *Mempool) Unlock() {}

func (m *Mempool) Flush() {
	m.mtx.Lock()
	m.Pending = nil
	m.mtx.Unlock()
}

func (m *Mempool) TxsAvailable() <-chan struct{} { return nil }

func (m *Mempool) Size() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.Pending)
}

func (m *Mempool) TxsBytes() int64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.Pending.TotalBytes()
}
