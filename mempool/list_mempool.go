package mempool

import (
	"container/list"
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// ListMempool 交易按照到达的顺序保存在双向链表里，打包时按FIFO取出
type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	notifiedTxsAvailable bool
	txsAvailable         chan struct{} // fires once for each height, when the mempool is not empty

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map

	// Keep a cache of already-seen txs.
	cache txCache

	logger  log.Logger
	metrics *Metrics
	metric  *memMetric
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(memppol *ListMempool)

func NewListMempool(config *cfg.MempoolConfig, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height:       height,
		config:       config,
		txs:          clist.New(),
		txsAvailable: make(chan struct{}, 1),
		logger:       log.NewNopLogger(),
		metrics:      NopMetrics(),
		metric:       newMemMetric(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}
	mem.preCheck = PreCheckMaxBytes(int64(config.MaxTxBytes))

	for _, option := range options {
		option(mem)
	}

	return mem
}

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ListMempoolOption {
	return func(mem *ListMempool) { mem.metrics = metrics }
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// JSONString mempool的json快照
func (mem *ListMempool) JSONString() string {
	return mem.metric.JSONString()
}

func (mem *ListMempool) CheckTx(tx types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if err := mem.checkTx(tx, txInfo); err != nil {
		mem.metrics.FailedTxs.Add(1)
		mem.metric.MarkFailedTx()
		return err
	}
	return nil
}

func (mem *ListMempool) checkTx(tx types.Tx, txInfo TxInfo) error {
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return err
		}
	}

	if err := mem.isFull(len(tx)); err != nil {
		return err
	}

	if !mem.cache.Push(tx) {
		// 已经在mempool里的交易记录新的sender，转发时不再发回给它
		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txInfo.SenderID, true)
		}
		return ErrTxInCache
	}

	if _, ok := mem.txsMap.Load(TxKey(tx)); ok {
		return ErrTxInMap
	}

	memTx := &mempoolTx{
		height: atomic.LoadInt64(&mem.height),
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, true)
	mem.addTx(memTx)

	mem.logger.Debug("added good transaction", "tx", txID(tx), "height", memTx.height, "total", mem.Size())
	mem.notifyTxsAvailable()
	return nil
}

func (mem *ListMempool) isFull(txSize int) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)

	if memSize >= mem.config.Size || int64(txSize)+txsBytes > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			NumTxs:      memSize,
			MaxTxs:      mem.config.Size,
			TxsBytes:    txsBytes,
			MaxTxsBytes: mem.config.MaxTxsBytes,
		}
	}
	return nil
}

// ReapMaxBytes 按照FIFO取出交易，总大小不超过maxBytes
func (mem *ListMempool) ReapMaxBytes(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var totalBytes int64
	txs := make(types.Txs, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		size := int64(len(memTx.tx))
		if maxBytes > -1 && totalBytes+size > maxBytes {
			return txs
		}
		totalBytes += size
		txs = append(txs, memTx.tx)
	}
	return txs
}

// ReapMaxTxs 按照FIFO最多取出max个交易
func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}

	length := max
	if mem.txs.Len() < length {
		length = mem.txs.Len()
	}
	txs := make(types.Txs, 0, length)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		txs = append(txs, memTx.tx)
	}
	return txs
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update 删除已经提交的交易，并把它们加入cache防止再次进入mempool
// NOTE: caller负责Lock/Unlock
func (mem *ListMempool) Update(height int64, txs types.Txs) error {
	atomic.StoreInt64(&mem.height, height)
	mem.notifiedTxsAvailable = false

	for _, tx := range txs {
		_ = mem.cache.Push(tx)
		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			mem.removeTx(tx, e.(*clist.CElement))
		}
	}

	if mem.Size() > 0 {
		mem.notifyTxsAvailable()
	}

	mem.metrics.Size.Set(float64(mem.Size()))
	mem.metric.MarkHeight(height)
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	mem.metric.MarkTxs(0, 0)
}

func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	if mem.Size() == 0 {
		return
	}
	if !mem.notifiedTxsAvailable {
		mem.notifiedTxsAvailable = true
		select {
		case mem.txsAvailable <- struct{}{}:
		default:
		}
	}
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, int64(len(memTx.tx)))
	mem.metrics.TxSizeBytes.Observe(float64(len(memTx.tx)))
	mem.metrics.Size.Set(float64(mem.Size()))
	mem.metric.MarkTxs(mem.Size(), mem.TxsBytes())
}

func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(TxKey(tx))
	atomic.AddInt64(&mem.txsBytes, int64(-len(tx)))
	mem.metric.MarkTxs(mem.Size(), mem.TxsBytes())
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type txCache interface {
	Reset()
	Push(tx types.Tx) bool
	Remove(tx types.Tx)
}

// mapTxCache 固定大小的LRU cache
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[[types.TxKeySize]byte]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[[types.TxKeySize]byte]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[[types.TxKeySize]byte]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push 已经存在时返回false
func (cache *mapTxCache) Push(tx types.Tx) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	txHash := TxKey(tx)
	if moved, exists := cache.cacheMap[txHash]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		popped := cache.list.Front()
		if popped != nil {
			poppedTxHash := popped.Value.([types.TxKeySize]byte)
			delete(cache.cacheMap, poppedTxHash)
			cache.list.Remove(popped)
		}
	}
	e := cache.list.PushBack(txHash)
	cache.cacheMap[txHash] = e
	return true
}

func (cache *mapTxCache) Remove(tx types.Tx) {
	cache.mtx.Lock()
	txHash := TxKey(tx)
	popped := cache.cacheMap[txHash]
	delete(cache.cacheMap, txHash)
	if popped != nil {
		cache.list.Remove(popped)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = (*nopTxCache)(nil)

func (nopTxCache) Reset()             {}
func (nopTxCache) Push(types.Tx) bool { return true }
func (nopTxCache) Remove(types.Tx)    {}

type mempoolTx struct {
	height int64

	tx      types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

// TxKey mempool和cache里使用的key
func TxKey(tx types.Tx) [types.TxKeySize]byte {
	return tx.Key()
}

// txID 日志里使用的交易hash
func txID(tx []byte) []byte {
	return types.Tx(tx).Hash()
}
