package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

// TxKeySize sha256摘要长度
const TxKeySize = sha256.Size

// Tx 任意的交易字节，由应用解释，kvstore中为"key=value"
type Tx []byte

// Hash 交易在merkle树中的叶子
func (tx Tx) Hash() []byte {
	return tmhash.Sum(tx)
}

// Key 定长的交易摘要，可以用作map的key
func (tx Tx) Key() [TxKeySize]byte {
	return sha256.Sum256(tx)
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%X}", []byte(tx))
}

type Txs []Tx

// TotalBytes 所有交易原始字节之和
func (txs Txs) TotalBytes() int64 {
	var n int64
	for _, tx := range txs {
		n += int64(len(tx))
	}
	return n
}

// Hash 空列表也有确定的根
func (txs Txs) Hash() []byte {
	leaves := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		leaves = append(leaves, tx.Hash())
	}
	return merkle.HashFromByteSlices(leaves)
}
