package rpc

import (
	coretypes "github.com/tendermint/tendermint/rpc/core/types"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	meml "github.com/ArkEcosystem/mainsail-sub010/mempool"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

type ResultUnconfirmedTxs struct {
	Count      int   `json:"n_txs"`
	TotalBytes int64 `json:"total_bytes"`
}

// BroadcastTx 交易进入mempool后立即返回，不等待提交
func BroadcastTx(ctx *rpctypes.Context, tx types.Tx) (*coretypes.ResultBroadcastTx, error) {
	if err := env.Mempool.CheckTx(tx, meml.TxInfo{}); err != nil {
		return nil, err
	}
	return &coretypes.ResultBroadcastTx{Hash: tx.Hash()}, nil
}

func NumUnconfirmedTxs(ctx *rpctypes.Context) (*ResultUnconfirmedTxs, error) {
	return &ResultUnconfirmedTxs{
		Count:      env.Mempool.Size(),
		TotalBytes: env.Mempool.TxsBytes(),
	}, nil
}
