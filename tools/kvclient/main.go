package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"

	"github.com/ArkEcosystem/mainsail-sub010/rpc"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

var (
	endpoint string
	timeout  time.Duration
)

// kvclient 通过rpc写入和查询参考应用中的key
var rootCmd = &cobra.Command{
	Use:   "kvclient",
	Short: "Put and get keys of the reference key-value application",
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Broadcast a key=value transaction and wait until it is committed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := rpcclient.New(endpoint)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		tx := types.Tx(args[0] + "=" + args[1])
		res := new(coretypes.ResultBroadcastTx)
		if _, err := c.Call(ctx, "broadcast_tx", map[string]interface{}{"tx": tx}, res); err != nil {
			return err
		}
		fmt.Printf("broadcast tx %X\n", res.Hash)

		// 等待交易被提交
		for {
			q, err := query(ctx, c, args[0])
			if err != nil {
				return err
			}
			if q.Exists && q.Value == args[1] {
				fmt.Printf("committed at height %d, app hash %X\n", q.Height, q.Hash)
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("tx not committed after %v", timeout)
			case <-time.After(200 * time.Millisecond):
			}
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Query the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := rpcclient.New(endpoint)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		q, err := query(ctx, c, args[0])
		if err != nil {
			return err
		}
		if !q.Exists {
			return fmt.Errorf("key %q not found at height %d", args[0], q.Height)
		}
		fmt.Println(q.Value)
		return nil
	},
}

func query(ctx context.Context, c *rpcclient.Client, key string) (*rpc.ResultQuery, error) {
	res := new(rpc.ResultQuery)
	if _, err := c.Call(ctx, "query", map[string]interface{}{"key": key}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:26657", "rpc address of the node")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.AddCommand(putCmd, getCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
