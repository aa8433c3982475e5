package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// info
	"status":          rpc.NewRPCFunc(Status, ""),
	"consensus_state": rpc.NewRPCFunc(DumpConsensusState, ""),
	"commit":          rpc.NewRPCFunc(Commit, "height"),
	"evidence":        rpc.NewRPCFunc(Evidence, ""),
	"validators":      rpc.NewRPCFunc(Validators, ""),
	"metrics":         rpc.NewRPCFunc(JSONMetrics, "labels"),

	// tx
	"broadcast_tx":        rpc.NewRPCFunc(BroadcastTx, "tx"),
	"num_unconfirmed_txs": rpc.NewRPCFunc(NumUnconfirmedTxs, ""),

	// app
	"query": rpc.NewRPCFunc(Query, "key"),
}
