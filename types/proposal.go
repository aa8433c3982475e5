package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	ErrProposalInvalidSignature  = errors.New("invalid proposal signature")
)

// Proposal 某一轮proposer提出的提案
// ValidRound >= 0 时表示重新提出之前轮次已获得+2/3 prevote的区块，LockProof是那一轮prevote的聚合签名
type Proposal struct {
	Height        int64                `json:"height"`
	Round         int32                `json:"round"`
	ValidRound    int32                `json:"valid_round"`
	Block         *Block               `json:"block"`
	LockProof     *AggregatedSignature `json:"lock_proof"`
	ProposerIndex int32                `json:"proposer_index"`
	Signature     tmbytes.HexBytes     `json:"signature"`
}

func NewProposal(height int64, round int32, validRound int32, block *Block, proposerIndex int32) *Proposal {
	return &Proposal{
		Height:        height,
		Round:         round,
		ValidRound:    validRound,
		Block:         block,
		ProposerIndex: proposerIndex,
	}
}

type CanonicalProposal struct {
	ChainID       string           `json:"chain_id"`
	Type          SignedMsgType    `json:"type"`
	Height        int64            `json:"height"`
	Round         int32            `json:"round"`
	ValidRound    int32            `json:"valid_round"`
	BlockID       tmbytes.HexBytes `json:"block_id"`
	ProposerIndex int32            `json:"proposer_index"`
}

func ProposalSignBytes(chainID string, p *Proposal) []byte {
	bz, err := tmjson.Marshal(CanonicalProposal{
		ChainID:       chainID,
		Type:          ProposalType,
		Height:        p.Height,
		Round:         p.Round,
		ValidRound:    p.ValidRound,
		BlockID:       p.BlockID(),
		ProposerIndex: p.ProposerIndex,
	})
	if err != nil {
		panic(err)
	}
	return bz
}

// BlockID 提案区块的hash
func (p *Proposal) BlockID() tmbytes.HexBytes {
	if p == nil || p.Block == nil {
		return nil
	}
	return p.Block.Hash()
}

func (p *Proposal) HasValidRound() bool {
	return p.ValidRound >= 0
}

func (p *Proposal) Verify(chainID string, pubKey crypto.PubKey) error {
	if !pubKey.VerifySignature(ProposalSignBytes(chainID, p), p.Signature) {
		return ErrProposalInvalidSignature
	}
	return nil
}

func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return errors.New("nil proposal")
	}
	if p.Height <= 0 {
		return errors.New("non positive height")
	}
	if p.Round < 0 {
		return errors.New("negative round")
	}
	if p.ValidRound < -1 {
		return errors.New("valid round can not be less than -1")
	}
	if p.ProposerIndex < 0 {
		return errors.New("negative ProposerIndex")
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong block: %w", err)
	}
	if p.Block.Height != p.Height {
		return fmt.Errorf("block height %d does not match proposal height %d", p.Block.Height, p.Height)
	}
	if p.LockProof != nil && !p.HasValidRound() {
		return errors.New("lock proof without valid round")
	}
	if len(p.Signature) == 0 {
		return errors.New("signature is missing")
	}
	if len(p.Signature) > MaxSignatureSize {
		return fmt.Errorf("signature is too big (max: %d)", MaxSignatureSize)
	}
	return nil
}

func (p *Proposal) String() string {
	if p == nil {
		return "nil-Proposal"
	}
	return fmt.Sprintf("Proposal{%v/%v (%v) %X by %v}",
		p.Height, p.Round, p.ValidRound, []byte(p.BlockID()), p.ProposerIndex)
}
