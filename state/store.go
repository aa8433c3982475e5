package state

import (
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

var stateKey = []byte("stateKey")

// Store 持久化最后提交之后的State
type Store interface {
	// Load 没有保存过State时返回空的State
	Load() (State, error)

	// LoadFromDBOrGenesisDoc 数据库里没有State时使用创世文件
	LoadFromDBOrGenesisDoc(genDoc *types.GenesisDoc) (State, error)

	Save(State) error
}

type dbStore struct {
	db tmdb.DB
}

var _ Store = (*dbStore)(nil)

func NewStore(db tmdb.DB) Store {
	return dbStore{db}
}

func (store dbStore) Load() (State, error) {
	bz, err := store.db.Get(stateKey)
	if err != nil {
		return State{}, err
	}
	if len(bz) == 0 {
		return State{}, nil
	}

	var state State
	if err := tmjson.Unmarshal(bz, &state); err != nil {
		return State{}, fmt.Errorf("data has been corrupted or its spec has changed: %w", err)
	}
	return state, nil
}

func (store dbStore) LoadFromDBOrGenesisDoc(genDoc *types.GenesisDoc) (State, error) {
	state, err := store.Load()
	if err != nil {
		return State{}, err
	}
	if !state.IsEmpty() {
		return state, nil
	}

	state, err = MakeGenesisState(genDoc)
	if err != nil {
		return State{}, err
	}
	if err := store.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

func (store dbStore) Save(state State) error {
	bz, err := tmjson.Marshal(state)
	if err != nil {
		return err
	}
	return store.db.SetSync(stateKey, bz)
}
