package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

const MaxSignatureSize = 256

var (
	ErrVoteInvalidSignature = errors.New("invalid signature")
	ErrVoteInvalidType      = errors.New("invalid vote type")
	ErrVoteNil              = errors.New("nil vote")
)

// SignedMsgType 区分签名消息的种类，签名内容里包含类型，防止跨类型重放
type SignedMsgType uint8

const (
	PrevoteType   = SignedMsgType(0x01)
	PrecommitType = SignedMsgType(0x02)
	ProposalType  = SignedMsgType(0x20)
)

func IsVoteTypeValid(t SignedMsgType) bool {
	return t == PrevoteType || t == PrecommitType
}

func (t SignedMsgType) String() string {
	switch t {
	case PrevoteType:
		return "Prevote"
	case PrecommitType:
		return "Precommit"
	case ProposalType:
		return "Proposal"
	default:
		return "UnknownType"
	}
}

// Vote - prevote和precommit共用的投票结构
// BlockID为空表示投给nil
type Vote struct {
	Type           SignedMsgType    `json:"type"`
	Height         int64            `json:"height"`
	Round          int32            `json:"round"`
	BlockID        tmbytes.HexBytes `json:"block_id"`
	ValidatorIndex int32            `json:"validator_index"`
	Signature      tmbytes.HexBytes `json:"signature"`
}

// CanonicalVote 参与签名的投票内容
// 不包含ValidatorIndex，所以同一(type, height, round, blockID)上的签名可以聚合
type CanonicalVote struct {
	ChainID string           `json:"chain_id"`
	Type    SignedMsgType    `json:"type"`
	Height  int64            `json:"height"`
	Round   int32            `json:"round"`
	BlockID tmbytes.HexBytes `json:"block_id"`
}

// VoteSignBytes 返回vote需要签名的字节
func VoteSignBytes(chainID string, vote *Vote) []byte {
	bz, err := tmjson.Marshal(CanonicalVote{
		ChainID: chainID,
		Type:    vote.Type,
		Height:  vote.Height,
		Round:   vote.Round,
		BlockID: vote.BlockID,
	})
	if err != nil {
		panic(err)
	}
	return bz
}

func (vote *Vote) IsNil() bool {
	return len(vote.BlockID) == 0
}

// SameVote 判断两张投票是否投给了同一个值，签名不参与比较
func (vote *Vote) SameVote(other *Vote) bool {
	if vote == nil || other == nil {
		return false
	}
	return vote.Type == other.Type &&
		vote.Height == other.Height &&
		vote.Round == other.Round &&
		vote.ValidatorIndex == other.ValidatorIndex &&
		bytes.Equal(vote.BlockID, other.BlockID)
}

func (vote *Vote) Copy() *Vote {
	voteCopy := *vote
	return &voteCopy
}

func (vote *Vote) Verify(chainID string, pubKey crypto.PubKey) error {
	if !pubKey.VerifySignature(VoteSignBytes(chainID, vote), vote.Signature) {
		return ErrVoteInvalidSignature
	}
	return nil
}

func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return ErrVoteNil
	}
	if !IsVoteTypeValid(vote.Type) {
		return ErrVoteInvalidType
	}
	if vote.Height <= 0 {
		return errors.New("non positive height")
	}
	if vote.Round < 0 {
		return errors.New("negative round")
	}
	if !vote.IsNil() && len(vote.BlockID) != tmhash.Size {
		return fmt.Errorf("wrong BlockID size, expected %d, got %d", tmhash.Size, len(vote.BlockID))
	}
	if vote.ValidatorIndex < 0 {
		return errors.New("negative ValidatorIndex")
	}
	if len(vote.Signature) == 0 {
		return errors.New("signature is missing")
	}
	if len(vote.Signature) > MaxSignatureSize {
		return fmt.Errorf("signature is too big (max: %d)", MaxSignatureSize)
	}
	return nil
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	blockID := "nil"
	if !vote.IsNil() {
		blockID = fmt.Sprintf("%X", []byte(vote.BlockID))
	}
	return fmt.Sprintf("Vote{%v:%v/%v %v %v}",
		vote.ValidatorIndex, vote.Height, vote.Round, vote.Type, blockID)
}
