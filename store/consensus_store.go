package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

const (
	tableProposal  = "P"
	tablePrevote   = "V"
	tablePrecommit = "C"
	tableCommit    = "M"

	keySnapshot   = "S"
	keyLastCommit = "L"

	defaultRetries    = 3
	defaultRetryDelay = 10 * time.Millisecond
)

// ErrStorage 重试之后仍然无法写入
var ErrStorage = errors.New("consensus storage failure")

// ConsensusSnapshot 共识状态机最后的位置，每次step变化时写入
type ConsensusSnapshot struct {
	Height      int64                 `json:"height"`
	Round       int32                 `json:"round"`
	Step        cstypes.RoundStepType `json:"step"`
	LockedRound int32                 `json:"locked_round"`
	ValidRound  int32                 `json:"valid_round"`
}

func (s ConsensusSnapshot) String() string {
	return fmt.Sprintf("Snapshot{%v/%v %v LR:%v VR:%v}", s.Height, s.Round, s.Step, s.LockedRound, s.ValidRound)
}

// ConsensusStore 持久化当前高度的提案、投票和快照，以及所有已提交的commit
// key的格式:
//   P/<height>/<round>/<validator>  提案
//   V/<height>/<round>/<validator>  prevote
//   C/<height>/<round>/<validator>  precommit
//   S                               快照
//   M/<height>                      commit
//   L                               最后提交的高度
type ConsensusStore struct {
	db         tmdb.DB
	retries    int
	retryDelay time.Duration
	logger     log.Logger
}

type ConsensusStoreOption func(*ConsensusStore)

// WithRetries 写入失败时的重试次数
func WithRetries(retries int) ConsensusStoreOption {
	return func(cs *ConsensusStore) {
		cs.retries = retries
	}
}

func WithRetryDelay(d time.Duration) ConsensusStoreOption {
	return func(cs *ConsensusStore) {
		cs.retryDelay = d
	}
}

func NewConsensusStore(db tmdb.DB, options ...ConsensusStoreOption) *ConsensusStore {
	cs := &ConsensusStore{
		db:         db,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
		logger:     log.NewNopLogger(),
	}
	for _, option := range options {
		option(cs)
	}
	return cs
}

func (cs *ConsensusStore) SetLogger(logger log.Logger) {
	cs.logger = logger
}

func roundKey(table string, height int64, round int32, valIdx int32) []byte {
	return []byte(fmt.Sprintf("%s/%d/%d/%d", table, height, round, valIdx))
}

func heightPrefix(table string, height int64) []byte {
	return []byte(fmt.Sprintf("%s/%d/", table, height))
}

func commitKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s/%d", tableCommit, height))
}

func voteTable(voteType types.SignedMsgType) (string, error) {
	switch voteType {
	case types.PrevoteType:
		return tablePrevote, nil
	case types.PrecommitType:
		return tablePrecommit, nil
	default:
		return "", types.ErrVoteInvalidType
	}
}

// write 失败后按照retryDelay递增等待，用完重试次数返回ErrStorage
func (cs *ConsensusStore) write(what string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= cs.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		cs.logger.Error("consensus storage write failed", "what", what, "attempt", attempt, "err", err)
		time.Sleep(cs.retryDelay * time.Duration(attempt+1))
	}
	return errors.Wrapf(ErrStorage, "%s: %v", what, err)
}

func (cs *ConsensusStore) set(what string, key []byte, v interface{}) error {
	bz, err := tmjson.Marshal(v)
	if err != nil {
		return errors.Wrap(err, what)
	}
	return cs.write(what, func() error {
		return cs.db.SetSync(key, bz)
	})
}

func (cs *ConsensusStore) SaveProposal(proposal *types.Proposal) error {
	key := roundKey(tableProposal, proposal.Height, proposal.Round, proposal.ProposerIndex)
	return cs.set("save proposal", key, proposal)
}

func (cs *ConsensusStore) SaveVote(vote *types.Vote) error {
	table, err := voteTable(vote.Type)
	if err != nil {
		return err
	}
	key := roundKey(table, vote.Height, vote.Round, vote.ValidatorIndex)
	return cs.set("save vote", key, vote)
}

func (cs *ConsensusStore) SaveSnapshot(snapshot ConsensusSnapshot) error {
	return cs.set("save snapshot", []byte(keySnapshot), snapshot)
}

// LoadSnapshot 没有快照时返回(nil, nil)
func (cs *ConsensusStore) LoadSnapshot() (*ConsensusSnapshot, error) {
	bz, err := cs.db.Get([]byte(keySnapshot))
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	if len(bz) == 0 {
		return nil, nil
	}
	snapshot := new(ConsensusSnapshot)
	if err := tmjson.Unmarshal(bz, snapshot); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return snapshot, nil
}

// LoadProposals 返回height的所有提案，按(round, validator)的key顺序
func (cs *ConsensusStore) LoadProposals(height int64) ([]*types.Proposal, error) {
	var proposals []*types.Proposal
	err := cs.iterate(heightPrefix(tableProposal, height), func(value []byte) error {
		proposal := new(types.Proposal)
		if err := tmjson.Unmarshal(value, proposal); err != nil {
			return errors.Wrap(err, "decode proposal")
		}
		proposals = append(proposals, proposal)
		return nil
	})
	return proposals, err
}

func (cs *ConsensusStore) LoadVotes(height int64, voteType types.SignedMsgType) ([]*types.Vote, error) {
	table, err := voteTable(voteType)
	if err != nil {
		return nil, err
	}

	var votes []*types.Vote
	err = cs.iterate(heightPrefix(table, height), func(value []byte) error {
		vote := new(types.Vote)
		if err := tmjson.Unmarshal(value, vote); err != nil {
			return errors.Wrap(err, "decode vote")
		}
		votes = append(votes, vote)
		return nil
	})
	return votes, err
}

func (cs *ConsensusStore) iterate(prefix []byte, fn func(value []byte) error) error {
	it, err := tmdb.IteratePrefix(cs.db, prefix)
	if err != nil {
		return errors.Wrap(err, "iterate")
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// SaveCommit 在同一个batch里写入commit、最后高度并删除这个高度的提案、投票和快照
func (cs *ConsensusStore) SaveCommit(commit *types.Commit) error {
	height := commit.Height()
	bz, err := tmjson.Marshal(commit)
	if err != nil {
		return errors.Wrap(err, "encode commit")
	}

	var stale [][]byte
	for _, table := range []string{tableProposal, tablePrevote, tablePrecommit} {
		keys, err := cs.keys(heightPrefix(table, height))
		if err != nil {
			return err
		}
		stale = append(stale, keys...)
	}

	return cs.write("save commit", func() error {
		batch := cs.db.NewBatch()
		defer batch.Close()

		if err := batch.Set(commitKey(height), bz); err != nil {
			return err
		}
		if err := batch.Set([]byte(keyLastCommit), []byte(strconv.FormatInt(height, 10))); err != nil {
			return err
		}
		for _, key := range stale {
			if err := batch.Delete(key); err != nil {
				return err
			}
		}
		if err := batch.Delete([]byte(keySnapshot)); err != nil {
			return err
		}
		return batch.WriteSync()
	})
}

func (cs *ConsensusStore) keys(prefix []byte) ([][]byte, error) {
	it, err := tmdb.IteratePrefix(cs.db, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "iterate")
	}
	defer it.Close()

	var keys [][]byte
	for ; it.Valid(); it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		keys = append(keys, key)
	}
	return keys, it.Error()
}

// LoadCommit 不存在时返回(nil, nil)
func (cs *ConsensusStore) LoadCommit(height int64) (*types.Commit, error) {
	bz, err := cs.db.Get(commitKey(height))
	if err != nil {
		return nil, errors.Wrap(err, "load commit")
	}
	if len(bz) == 0 {
		return nil, nil
	}
	commit := new(types.Commit)
	if err := tmjson.Unmarshal(bz, commit); err != nil {
		return nil, errors.Wrap(err, "decode commit")
	}
	return commit, nil
}

// LoadLastCommit 还没有任何commit时返回(nil, nil)
func (cs *ConsensusStore) LoadLastCommit() (*types.Commit, error) {
	height, err := cs.LastCommitHeight()
	if err != nil || height == 0 {
		return nil, err
	}
	return cs.LoadCommit(height)
}

func (cs *ConsensusStore) LastCommitHeight() (int64, error) {
	bz, err := cs.db.Get([]byte(keyLastCommit))
	if err != nil {
		return 0, errors.Wrap(err, "load last commit height")
	}
	if len(bz) == 0 {
		return 0, nil
	}
	height, err := strconv.ParseInt(string(bz), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "decode last commit height")
	}
	return height, nil
}

// Reset 删除所有数据，只用于reset-state命令
func (cs *ConsensusStore) Reset() error {
	keys, err := cs.keys(nil)
	if err != nil {
		return err
	}
	batch := cs.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}
