package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "github.com/ArkEcosystem/mainsail-sub010/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a node
func AddNodeFlags(cmd *cobra.Command) {
	// bind flags
	cmd.Flags().String("moniker", config.Moniker, "node name")

	// rpc flags
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "RPC listen address. Port required")

	// p2p flags
	cmd.Flags().String(
		"p2p.laddr",
		config.P2P.ListenAddress,
		"node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external-address", config.P2P.ExternalAddress, "ip:port address to advertise to peers for them to dial")
	cmd.Flags().String("p2p.persistent_peers", config.P2P.PersistentPeers, "comma-delimited ID@host:port persistent peers")

	// consensus flags
	cmd.Flags().Duration("consensus.timeout_commit", config.Consensus.TimeoutCommit, "time to wait after a commit before starting the next height")
	cmd.Flags().Bool("consensus.skip_timeout_commit", config.Consensus.SkipTimeoutCommit, "start the next height as soon as all precommits are in")

	// engine flags
	cmd.Flags().Int("engine.future_buffer_size", engineConfig.FutureBufferSize, "max number of buffered future height messages")
	cmd.Flags().Int64("engine.max_future_height", engineConfig.MaxFutureHeight, "drop messages more than this many heights ahead")
	cmd.Flags().Int32("engine.max_round_lookahead", engineConfig.MaxRoundLookahead, "drop messages more than this many rounds ahead")
	cmd.Flags().Int("engine.storage_retries", engineConfig.StorageRetries, "retries of a failed consensus storage write")
	cmd.Flags().Duration("engine.storage_backoff", engineConfig.StorageBackoff, "delay between consensus storage retries")
	cmd.Flags().Int64("engine.max_catchup_commits", engineConfig.MaxCatchupCommits, "commits sent to a lagging peer at once")

	// db flags
	cmd.Flags().String(
		"db_backend",
		config.DBBackend,
		"database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb")
	cmd.Flags().String(
		"db_dir",
		config.DBPath,
		"database directory")

	// instrumentation
	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus, "serve prometheus metrics")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// It can be used with a custom PrivValidator and in-process ABCI application.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, engineConfig, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
