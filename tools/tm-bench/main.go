package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"

	"github.com/ArkEcosystem/mainsail-sub010/rpc"
)

var (
	duration          int
	txsRate           int
	connections       int
	keys              int
	broadcastTxMethod string
	verbose           bool
)

var rootCmd = &cobra.Command{
	Use:   "tm-bench [endpoints]",
	Short: "Benchmark a node by sending key=value transactions over websocket",
	Long: `Example:

	tm-bench -T 10 -r 1000 localhost:26657`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "Connections to keep open per endpoint")
	rootCmd.Flags().IntVarP(&duration, "duration", "T", 10, "Exit after the specified amount of time in seconds")
	rootCmd.Flags().IntVarP(&txsRate, "rate", "r", 1000, "Txs per second to send in a connection")
	rootCmd.Flags().IntVar(&keys, "keys", 1000, "交易随机写入的key的数量")
	rootCmd.Flags().StringVar(&broadcastTxMethod, "broadcast-tx-method", "broadcast_tx", "Broadcast method")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func runBench(cmd *cobra.Command, args []string) error {
	logger := log.NewNopLogger()
	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	endpoints := strings.Split(args[0], ",")
	if keys < 1 {
		return fmt.Errorf("keys must be positive, got %d", keys)
	}

	startHeight, err := latestHeight(endpoints[0])
	if err != nil {
		return fmt.Errorf("failed to query status of %s: %w", endpoints[0], err)
	}
	logger.Info("Latest block height", "h", startHeight)

	transacters := startTransacters(endpoints, connections, txsRate, keys, broadcastTxMethod, logger)
	if transacters == nil {
		return fmt.Errorf("failed to start transacters")
	}

	time.Sleep(time.Duration(duration) * time.Second)
	var sent int64
	for _, t := range transacters {
		t.Stop()
		sent += t.Sent()
	}

	endHeight, err := latestHeight(endpoints[0])
	if err != nil {
		return fmt.Errorf("failed to query status of %s: %w", endpoints[0], err)
	}

	fmt.Printf("blocks committed: %d (height %d -> %d) in %ds\n",
		endHeight-startHeight, startHeight, endHeight, duration)
	fmt.Printf("txs sent: %d (target %d per second per connection, %d connections, %d endpoints)\n",
		sent, txsRate, connections, len(endpoints))
	return nil
}

func latestHeight(endpoint string) (int64, error) {
	c, err := rpcclient.New("http://" + endpoint)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	status := new(rpc.ResultStatus)
	if _, err := c.Call(ctx, "status", map[string]interface{}{}, status); err != nil {
		return 0, err
	}
	return status.LastBlockHeight, nil
}

func startTransacters(
	endpoints []string,
	connections,
	rate int,
	keys int,
	broadcastTxMethod string,
	logger log.Logger,
) []*transacter {
	transacters := make([]*transacter, len(endpoints))

	for i, e := range endpoints {
		t := newTransacter(e, connections, rate, keys, broadcastTxMethod)
		t.SetLogger(logger)
		if err := t.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil
		}
		transacters[i] = t
	}

	return transacters
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
