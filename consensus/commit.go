package consensus

import (
	"sync"
	"time"

	sm "github.com/ArkEcosystem/mainsail-sub010/state"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// CommitLock 保证同一时刻最多只有一个高度在执行提交
// 后来的提交会排队等待，而不是被丢弃
type CommitLock struct {
	gate chan struct{}

	mtx        sync.RWMutex
	lastHeight int64
}

func NewCommitLock(lastHeight int64) *CommitLock {
	return &CommitLock{gate: make(chan struct{}, 1), lastHeight: lastHeight}
}

// Enter 阻塞直到拿到锁
// 已经提交过的高度返回ErrStaleCommit
func (cl *CommitLock) Enter(height int64) error {
	cl.gate <- struct{}{}
	if height <= cl.LastHeight() {
		<-cl.gate
		return ErrStaleCommit
	}
	return nil
}

// TryEnter 不等待，锁被占用时返回ErrCommitInProgress
func (cl *CommitLock) TryEnter(height int64) error {
	select {
	case cl.gate <- struct{}{}:
	default:
		return ErrCommitInProgress
	}
	if height <= cl.LastHeight() {
		<-cl.gate
		return ErrStaleCommit
	}
	return nil
}

// Exit 释放锁，committed为true时记录已提交的高度
func (cl *CommitLock) Exit(height int64, committed bool) {
	if committed {
		cl.mtx.Lock()
		cl.lastHeight = height
		cl.mtx.Unlock()
	}
	<-cl.gate
}

func (cl *CommitLock) LastHeight() int64 {
	cl.mtx.RLock()
	defer cl.mtx.RUnlock()
	return cl.lastHeight
}

//-----------------------------------------------------------------------------

// commitStore 持久化commit
type commitStore interface {
	SaveCommit(commit *types.Commit) error
}

// CommitState 一个已经获得+2/3 precommit，等待执行的区块
type CommitState struct {
	Commit    *types.Commit
	StartTime time.Time
}

func NewCommitState(commit *types.Commit) *CommitState {
	return &CommitState{Commit: commit, StartTime: time.Now()}
}

func (c *CommitState) Height() int64 {
	return c.Commit.Height()
}

// Finalize 在锁内依次执行交易、推进账本高度、持久化commit
// 执行失败返回ApplyError，这两种错误都需要停止共识
func (c *CommitState) Finalize(lock *CommitLock, state sm.State, blockExec sm.BlockExecutor, store commitStore) (sm.State, error) {
	height := c.Height()
	if err := lock.Enter(height); err != nil {
		return state, err
	}
	committed := false
	defer func() {
		lock.Exit(height, committed)
	}()

	newState, err := blockExec.ApplyBlock(state, c.Commit)
	if err != nil {
		return state, &ApplyError{Height: height, Err: err}
	}
	if err := store.SaveCommit(c.Commit); err != nil {
		return newState, err
	}

	committed = true
	return newState, nil
}
