package types

import (
	"bytes"
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// CommitProof 某一轮+2/3 precommit的聚合证明
type CommitProof struct {
	Round               int32 `json:"round"`
	AggregatedSignature `json:"aggregated_signature"`
}

// Commit 一个高度的最终结果：区块和它的提交证明
// 构造后不可修改
type Commit struct {
	Block *Block      `json:"block"`
	Proof CommitProof `json:"proof"`
}

func NewCommit(block *Block, proof CommitProof) *Commit {
	return &Commit{Block: block, Proof: proof}
}

func (c *Commit) Height() int64 {
	if c == nil || c.Block == nil {
		return 0
	}
	return c.Block.Height
}

func (c *Commit) BlockID() tmbytes.HexBytes {
	if c == nil {
		return nil
	}
	return c.Block.Hash()
}

// PrecommitTemplate 返回所有参与聚合的precommit共同的签名内容
func (c *Commit) PrecommitTemplate() *Vote {
	return &Vote{
		Type:    PrecommitType,
		Height:  c.Height(),
		Round:   c.Proof.Round,
		BlockID: c.BlockID(),
	}
}

func (c *Commit) ValidateBasic(valSetSize int) error {
	if c == nil {
		return errors.New("nil commit")
	}
	if err := c.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong block: %w", err)
	}
	if c.Proof.Round < 0 {
		return errors.New("negative round")
	}
	if err := c.Proof.AggregatedSignature.ValidateBasic(valSetSize); err != nil {
		return fmt.Errorf("wrong proof: %w", err)
	}
	return nil
}

func (c *Commit) Equal(other *Commit) bool {
	if c == nil || other == nil {
		return c == other
	}
	return bytes.Equal(c.BlockID(), other.BlockID()) &&
		c.Proof.Round == other.Proof.Round &&
		bytes.Equal(c.Proof.Signature, other.Proof.Signature) &&
		c.Proof.Validators.Equal(other.Proof.Validators)
}

func (c *Commit) String() string {
	if c == nil {
		return "nil-Commit"
	}
	return fmt.Sprintf("Commit{%v round=%v %v}", c.Block, c.Proof.Round, c.Proof.Indices())
}
