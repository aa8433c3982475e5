package main

import (
	"os"
	"path/filepath"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/cli"

	cmd "github.com/ArkEcosystem/mainsail-sub010/cmd/commands"
	nm "github.com/ArkEcosystem/mainsail-sub010/node"
)

func main() {
	cfg.DefaultTendermintDir = ".mainsail"
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.TestnetFilesCmd,
		cmd.ResetAllCmd,
		cmd.ResetPrivValidatorCmd,
		cmd.GenNodeKeyCmd,
		cmd.GenValidatorCmd,
		cmd.ShowNodeIDCmd,
		cmd.ShowValidatorCmd,
		cmd.VersionCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	// 使用其他签名器或数据库时替换DefaultNewNode即可
	rootCmd.AddCommand(cmd.NewRunNodeCmd(nm.DefaultNewNode))

	home := os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultTendermintDir))
	if err := cli.PrepareBaseCmd(rootCmd, "MS", home).Execute(); err != nil {
		os.Exit(1)
	}
}
