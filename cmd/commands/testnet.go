package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	cfg "github.com/tendermint/tendermint/config"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	"github.com/ArkEcosystem/mainsail-sub010/privval"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

var (
	nValidators    int
	outputDir      string
	nodeDirPrefix  string
	chainID        string
	seed           int64
	startingPort   int
	validatorPower int64
)

const nodeDirPerm = 0755

func init() {
	TestnetFilesCmd.Flags().IntVar(&nValidators, "v", 4,
		"number of validators to initialize the testnet with")
	TestnetFilesCmd.Flags().StringVar(&outputDir, "o", "./mytestnet",
		"directory to store initialization data for the testnet")
	TestnetFilesCmd.Flags().StringVar(&nodeDirPrefix, "node-dir-prefix", "node",
		"prefix the directory name for each node with (node results in node0, node1, ...)")
	TestnetFilesCmd.Flags().StringVar(&chainID, "chain-id", "",
		"chain ID (if empty, a random one is generated)")
	TestnetFilesCmd.Flags().Int64Var(&seed, "seed", 0,
		"生成验证者密钥的种子，同样的种子得到同样的密钥，0表示随机生成")
	TestnetFilesCmd.Flags().IntVar(&startingPort, "starting-port", 26656,
		"第一个节点的p2p端口，节点i使用starting-port+10*i，rpc端口为p2p端口+1")
	TestnetFilesCmd.Flags().Int64Var(&validatorPower, "power", 10,
		"每个验证者的权重")
}

// TestnetFilesCmd 为本机的N个验证者生成配置目录，所有节点共用一个创世文件
var TestnetFilesCmd = &cobra.Command{
	Use:   "testnet",
	Short: "Initialize files for a local testnet",
	Long: `testnet will create "v" number of directories and populate each with
necessary files (private validator, genesis, config, etc.).

Example:

	mainsail testnet --v 4 --o ./output --seed 1
	`,
	RunE: testnetFiles,
}

func validatorSecret(i int) []byte {
	return []byte(fmt.Sprintf("validator-%d-%d", seed, i))
}

func testnetFiles(cmd *cobra.Command, args []string) error {
	if nValidators < 1 {
		return fmt.Errorf("testnet needs at least one validator, got %d", nValidators)
	}
	if chainID == "" {
		chainID = "chain-" + tmrand.Str(6)
	}

	genVals := make([]types.GenesisValidator, nValidators)
	nodeIDs := make([]p2p.ID, nValidators)

	for i := 0; i < nValidators; i++ {
		nodeDir := filepath.Join(outputDir, fmt.Sprintf("%s%d", nodeDirPrefix, i))
		config.SetRoot(nodeDir)

		if err := os.MkdirAll(filepath.Join(nodeDir, "config"), nodeDirPerm); err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}
		if err := os.MkdirAll(filepath.Join(nodeDir, "data"), nodeDirPerm); err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}

		keyFile, stateFile := config.PrivValidatorKeyFile(), config.PrivValidatorStateFile()
		var pv *privval.FilePV
		if seed != 0 {
			pv = privval.GenFilePVFromSecret(validatorSecret(i), keyFile, stateFile)
		} else {
			pv = privval.GenFilePV(keyFile, stateFile)
		}
		pv.Save()

		nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
		if err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}
		nodeIDs[i] = nodeKey.ID()

		pubKey, err := pv.GetPubKey()
		if err != nil {
			return fmt.Errorf("can't get pubkey: %w", err)
		}
		genVals[i] = types.GenesisValidator{
			Address: types.GetAddress(pubKey),
			PubKey:  pubKey,
			Power:   validatorPower,
			Name:    fmt.Sprintf("%s%d", nodeDirPrefix, i),
		}
	}

	genDoc := &types.GenesisDoc{
		ChainID:       chainID,
		GenesisTime:   tmtime.Now(),
		InitialHeight: 1,
		Validators:    genVals,
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		_ = os.RemoveAll(outputDir)
		return err
	}

	peers := make([]string, nValidators)
	for i := 0; i < nValidators; i++ {
		peers[i] = p2p.IDAddressString(nodeIDs[i], fmt.Sprintf("127.0.0.1:%d", p2pPort(i)))
	}

	// 写入创世文件和每个节点的config.toml
	for i := 0; i < nValidators; i++ {
		nodeDir := filepath.Join(outputDir, fmt.Sprintf("%s%d", nodeDirPrefix, i))
		config.SetRoot(nodeDir)

		if err := genDoc.SaveAs(config.GenesisFile()); err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}

		config.Moniker = fmt.Sprintf("%s%d", nodeDirPrefix, i)
		config.P2P.ListenAddress = fmt.Sprintf("tcp://0.0.0.0:%d", p2pPort(i))
		config.RPC.ListenAddress = fmt.Sprintf("tcp://127.0.0.1:%d", p2pPort(i)+1)
		config.P2P.PersistentPeers = strings.Join(append(append([]string{}, peers[:i]...), peers[i+1:]...), ",")
		config.P2P.AllowDuplicateIP = true
		config.P2P.AddrBookStrict = false

		cfg.WriteConfigFile(filepath.Join(nodeDir, "config", "config.toml"), config)
	}

	fmt.Printf("Successfully initialized %v node directories\n", nValidators)
	return nil
}

func p2pPort(i int) int {
	return startingPort + 10*i
}

