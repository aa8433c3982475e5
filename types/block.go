package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// 单个区块允许的最大交易数
const MaxBlockTxs = 10000

// Block 共识达成一致的基本单位，共识只关心它的hash
type Block struct {
	mtx    sync.Mutex
	Header `json:"header"`
	Data   `json:"data"`

	hash tmbytes.HexBytes
}

// MakeBlock 根据交易和上一个区块的信息生成一个新区块
func MakeBlock(
	chainID string,
	height int64,
	timestamp time.Time,
	txs Txs,
	lastBlockHash []byte,
	validatorsHash []byte,
	proposer Address,
) *Block {
	block := &Block{
		Header: Header{
			ChainID:         chainID,
			Height:          height,
			Time:            timestamp,
			LastBlockHash:   lastBlockHash,
			ValidatorsHash:  validatorsHash,
			ProposerAddress: proposer,
		},
		Data: Data{
			Txs: txs,
		},
	}
	block.fillHeader()
	return block
}

// ValidateBasic 检验区块本身有没有明确的错误，不涉及链上状态
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if len(b.Txs) > MaxBlockTxs {
		return fmt.Errorf("too many txs: %d > %d", len(b.Txs), MaxBlockTxs)
	}
	if !bytes.Equal(b.TxsHash, b.Data.Hash()) {
		return fmt.Errorf("wrong TxsHash: expected %v, got %v", b.Data.Hash(), b.TxsHash)
	}
	return nil
}

func (b *Block) fillHeader() {
	if b.TxsHash == nil {
		b.TxsHash = b.Data.Hash()
	}
}

// Hash 区块hash即header的merkle root，计算一次后缓存
func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.hash == nil {
		b.fillHeader()
		b.hash = b.Header.Hash()
	}
	return b.hash
}

// HashesTo 区块hash是否等于hash，nil区块总是返回false
func (b *Block) HashesTo(hash []byte) bool {
	if len(hash) == 0 || b == nil {
		return false
	}
	return bytes.Equal(b.Hash(), hash)
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{%v #%X txs=%d}", b.Height, []byte(b.Hash()), len(b.Txs))
}

type Header struct {
	ChainID string    `json:"chain_id"`
	Height  int64     `json:"height"`
	Time    time.Time `json:"time"`

	LastBlockHash   tmbytes.HexBytes `json:"last_block_hash"`
	TxsHash         tmbytes.HexBytes `json:"txs_hash"`
	ValidatorsHash  tmbytes.HexBytes `json:"validators_hash"`
	ProposerAddress Address          `json:"proposer_address"`
}

func (h *Header) ValidateBasic() error {
	if h.ChainID == "" {
		return errors.New("empty chain id")
	}
	if h.Height <= 0 {
		return fmt.Errorf("non positive height %d", h.Height)
	}
	if len(h.LastBlockHash) != 0 && len(h.LastBlockHash) != tmhash.Size {
		return fmt.Errorf("wrong LastBlockHash size %d", len(h.LastBlockHash))
	}
	if len(h.TxsHash) != tmhash.Size {
		return fmt.Errorf("wrong TxsHash size %d", len(h.TxsHash))
	}
	if len(h.ProposerAddress) != tmhash.TruncatedSize {
		return fmt.Errorf("wrong ProposerAddress size %d", len(h.ProposerAddress))
	}
	return nil
}

func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}

	heightBz := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBz, uint64(h.Height))
	timeBz, err := h.Time.UTC().MarshalBinary()
	if err != nil {
		panic(err)
	}

	return merkle.HashFromByteSlices([][]byte{
		[]byte(h.ChainID),
		heightBz,
		timeBz,
		h.LastBlockHash,
		h.TxsHash,
		h.ValidatorsHash,
		h.ProposerAddress,
	})
}

type Data struct {
	Txs  Txs    `json:"txs"`
	hash []byte
}

func (d *Data) Hash() tmbytes.HexBytes {
	if d == nil {
		return (Txs{}).Hash()
	}
	if d.hash == nil {
		d.hash = d.Txs.Hash()
	}
	return d.hash
}
