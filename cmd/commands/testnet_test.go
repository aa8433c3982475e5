package commands

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"

	"github.com/ArkEcosystem/mainsail-sub010/privval"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

func runTestnet(t *testing.T, n int, s int64) string {
	dir, err := ioutil.TempDir("", "testnet")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	config = cfg.DefaultConfig()
	nValidators, outputDir, nodeDirPrefix = n, dir, "node"
	chainID, seed, startingPort, validatorPower = "testnet_test", s, 26656, 10
	require.NoError(t, testnetFiles(nil, nil))
	return dir
}

func TestTestnetFiles(t *testing.T) {
	dir := runTestnet(t, 4, 7)

	var genDoc *types.GenesisDoc
	for i := 0; i < 4; i++ {
		nodeDir := filepath.Join(dir, fmt.Sprintf("node%d", i))
		doc, err := types.GenesisDocFromFile(filepath.Join(nodeDir, "config", "genesis.json"))
		require.NoError(t, err)
		if genDoc == nil {
			genDoc = doc
		}
		assert.Equal(t, genDoc.Validators, doc.Validators, "所有节点使用同一个创世文件")

		pv := privval.LoadFilePV(
			filepath.Join(nodeDir, "config", "priv_validator_key.json"),
			filepath.Join(nodeDir, "data", "priv_validator_state.json"),
		)
		assert.Equal(t, genDoc.Validators[i].Address, pv.GetAddress(), "第%d个验证者的密钥", i)

		bz, err := ioutil.ReadFile(filepath.Join(nodeDir, "config", "config.toml"))
		require.NoError(t, err)
		assert.Contains(t, string(bz), fmt.Sprintf("tcp://0.0.0.0:%d", 26656+10*i))
		// 除了自己以外的3个节点
		for _, line := range strings.Split(string(bz), "\n") {
			if strings.HasPrefix(line, "persistent_peers =") {
				assert.Equal(t, 2, strings.Count(line, ","))
			}
		}
	}
	assert.Len(t, genDoc.Validators, 4)
	assert.Equal(t, "testnet_test", genDoc.ChainID)
}

func TestTestnetFilesDeterministicKeys(t *testing.T) {
	load := func(dir string) types.Address {
		doc, err := types.GenesisDocFromFile(filepath.Join(dir, "node0", "config", "genesis.json"))
		require.NoError(t, err)
		return doc.Validators[0].Address
	}
	a := load(runTestnet(t, 1, 42))
	b := load(runTestnet(t, 1, 42))
	c := load(runTestnet(t, 1, 43))
	assert.Equal(t, a, b, "同样的种子生成同样的密钥")
	assert.NotEqual(t, a, c)
}
