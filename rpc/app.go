package rpc

import (
	"errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultQuery struct {
	Key    string           `json:"key"`
	Value  string           `json:"value"`
	Exists bool             `json:"exists"`
	Height int64            `json:"height"`
	Hash   tmbytes.HexBytes `json:"app_hash"`
}

// Query 查询参考应用里key对应的值
func Query(ctx *rpctypes.Context, key string) (*ResultQuery, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	value, err := env.App.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	height, appHash, err := env.App.Info()
	if err != nil {
		return nil, err
	}
	return &ResultQuery{
		Key:    key,
		Value:  string(value),
		Exists: value != nil,
		Height: height,
		Hash:   appHash,
	}, nil
}
