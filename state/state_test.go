package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

const chainID = "state_test"

var genesisTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func randGenesisDoc(n int) (*types.GenesisDoc, []types.PrivValidator) {
	vals, privs := types.RandValidatorSet(n, 10)
	genVals := make([]types.GenesisValidator, n)
	for i, val := range vals.Validators {
		genVals[i] = types.GenesisValidator{PubKey: val.PubKey, Power: val.VotingPower}
	}
	return &types.GenesisDoc{
		GenesisTime: genesisTime,
		ChainID:     chainID,
		Validators:  genVals,
	}, privs
}

func TestMakeGenesisState(t *testing.T) {
	genDoc, _ := randGenesisDoc(4)
	state, err := MakeGenesisState(genDoc)
	require.NoError(t, err)

	assert.Equal(t, int64(1), state.InitialHeight, "默认从高度1开始")
	assert.Equal(t, int64(0), state.LastBlockHeight)
	assert.Equal(t, int64(1), state.NextHeight())
	assert.Equal(t, 4, state.Validators.Size())
	assert.NoError(t, state.ValidateBasic())

	genDoc.ChainID = ""
	_, err = MakeGenesisState(genDoc)
	assert.Error(t, err, "没有chain id的创世文件")

	empty, _ := randGenesisDoc(0)
	_, err = MakeGenesisState(empty)
	assert.Error(t, err, "没有验证者的创世文件")
}

func TestStateCopy(t *testing.T) {
	genDoc, _ := randGenesisDoc(2)
	state, err := MakeGenesisState(genDoc)
	require.NoError(t, err)
	state.LastBlockHash = []byte{1, 2, 3}

	cp := state.Copy()
	assert.True(t, state.Equals(cp))
	cp.LastBlockHash[0] = 9
	assert.Equal(t, byte(1), state.LastBlockHash[0], "修改副本不影响原来的state")
	assert.False(t, state.Equals(cp))
}

func TestNextBlockTime(t *testing.T) {
	state := State{LastBlockTime: genesisTime}
	later := genesisTime.Add(time.Second)
	assert.Equal(t, later, state.NextBlockTime(later))
	assert.Equal(t, genesisTime.Add(time.Millisecond), state.NextBlockTime(genesisTime),
		"区块时间必须严格大于上一个区块")
	assert.Equal(t, genesisTime.Add(time.Millisecond), state.NextBlockTime(genesisTime.Add(-time.Hour)))
}

func TestStoreLoadSave(t *testing.T) {
	stateStore := NewStore(tmdb.NewMemDB())

	state, err := stateStore.Load()
	require.NoError(t, err)
	assert.True(t, state.IsEmpty(), "没有保存过时返回空的state")

	genDoc, _ := randGenesisDoc(3)
	state, err = stateStore.LoadFromDBOrGenesisDoc(genDoc)
	require.NoError(t, err)
	assert.False(t, state.IsEmpty())

	state.LastBlockHeight = 5
	state.AppHash = []byte("apphash")
	require.NoError(t, stateStore.Save(state))

	loaded, err := stateStore.Load()
	require.NoError(t, err)
	assert.True(t, state.Equals(loaded))
	assert.Equal(t, state.Validators.Hash(), loaded.Validators.Hash())

	// 数据库里已经有state时忽略创世文件
	other, _ := randGenesisDoc(1)
	loaded, err = stateStore.LoadFromDBOrGenesisDoc(other)
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.LastBlockHeight)
	assert.Equal(t, 3, loaded.Validators.Size())
}
