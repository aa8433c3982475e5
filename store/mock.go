package store

import (
	"errors"
	"sync/atomic"

	tmdb "github.com/tendermint/tm-db"
)

// ErrInjected FaultyDB注入的写入错误
var ErrInjected = errors.New("injected write failure")

// FaultyDB 包装一个tmdb.DB，接下来的n次写入返回ErrInjected
// 只用于测试存储失败时的重试和停机
type FaultyDB struct {
	tmdb.DB

	failures int64
}

func NewFaultyDB(db tmdb.DB, failures int64) *FaultyDB {
	return &FaultyDB{DB: db, failures: failures}
}

// SetFailures 重新设置接下来失败的写入次数，负数表示一直失败
func (fdb *FaultyDB) SetFailures(n int64) {
	atomic.StoreInt64(&fdb.failures, n)
}

func (fdb *FaultyDB) fail() bool {
	for {
		n := atomic.LoadInt64(&fdb.failures)
		if n == 0 {
			return false
		}
		if n < 0 {
			return true
		}
		if atomic.CompareAndSwapInt64(&fdb.failures, n, n-1) {
			return true
		}
	}
}

func (fdb *FaultyDB) Set(key, value []byte) error {
	if fdb.fail() {
		return ErrInjected
	}
	return fdb.DB.Set(key, value)
}

func (fdb *FaultyDB) SetSync(key, value []byte) error {
	if fdb.fail() {
		return ErrInjected
	}
	return fdb.DB.SetSync(key, value)
}

func (fdb *FaultyDB) NewBatch() tmdb.Batch {
	return &faultyBatch{Batch: fdb.DB.NewBatch(), db: fdb}
}

type faultyBatch struct {
	tmdb.Batch
	db *FaultyDB
}

func (b *faultyBatch) Write() error {
	if b.db.fail() {
		return ErrInjected
	}
	return b.Batch.Write()
}

func (b *faultyBatch) WriteSync() error {
	if b.db.fail() {
		return ErrInjected
	}
	return b.Batch.WriteSync()
}
