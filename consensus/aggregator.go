package consensus

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ArkEcosystem/mainsail-sub010/crypto/bls"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// Aggregator 把同一(type, height, round, blockID)上的投票签名聚合为一个签名和一个参与位图
// 也负责验证别人发来的聚合签名
type Aggregator struct {
	chainID string
	vals    *types.ValidatorSet
}

func NewAggregator(chainID string, vals *types.ValidatorSet) *Aggregator {
	return &Aggregator{chainID: chainID, vals: vals}
}

// Aggregate 所有投票必须签的是同一份内容
func (agg *Aggregator) Aggregate(votes map[int32]*types.Vote) (*types.AggregatedSignature, error) {
	if len(votes) == 0 {
		return nil, ErrNoVotes
	}

	indices := make([]int, 0, len(votes))
	for idx := range votes {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	var (
		first   = votes[int32(indices[0])]
		sigs    = make([][]byte, 0, len(indices))
		members = bitset.New(uint(agg.vals.Size()))
	)
	for _, i := range indices {
		vote := votes[int32(i)]
		if vote.Type != first.Type || vote.Height != first.Height || vote.Round != first.Round ||
			!bytes.Equal(vote.BlockID, first.BlockID) {
			return nil, fmt.Errorf("vote #%d signs different content than vote #%d", i, indices[0])
		}
		if vote.ValidatorIndex != int32(i) {
			return nil, fmt.Errorf("vote stored under #%d belongs to validator #%d", i, vote.ValidatorIndex)
		}
		if i >= agg.vals.Size() {
			return nil, fmt.Errorf("validator #%d is out of range", i)
		}
		sigs = append(sigs, vote.Signature)
		members.Set(uint(i))
	}

	sig, err := bls.AggregateSignatures(sigs...)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate signatures")
	}
	return &types.AggregatedSignature{Signature: sig, Validators: members}, nil
}

// TryBuildProof 只在blockID获得+2/3权重时返回证明
func (agg *Aggregator) TryBuildProof(round int32, blockID tmbytes.HexBytes, votes map[int32]*types.Vote) (*types.CommitProof, bool) {
	if len(blockID) == 0 {
		return nil, false
	}

	matching := make(map[int32]*types.Vote, len(votes))
	var weight int64
	for idx, vote := range votes {
		if vote.Round != round || !bytes.Equal(vote.BlockID, blockID) {
			continue
		}
		_, val := agg.vals.GetByIndex(idx)
		if val == nil {
			continue
		}
		matching[idx] = vote
		weight += val.VotingPower
	}
	if weight < agg.vals.QuorumThreshold() {
		return nil, false
	}

	sig, err := agg.Aggregate(matching)
	if err != nil {
		return nil, false
	}
	return &types.CommitProof{Round: round, AggregatedSignature: *sig}, true
}

// Verify 检查位图中的验证者权重达到+2/3，并且聚合签名签的是template的内容
func (agg *Aggregator) Verify(sig *types.AggregatedSignature, template *types.Vote) error {
	if err := sig.ValidateBasic(agg.vals.Size()); err != nil {
		return errors.Wrap(ErrInvalidProof, err.Error())
	}

	weight := sig.Weight(agg.vals)
	if needed := agg.vals.QuorumThreshold(); weight < needed {
		return types.ErrNotEnoughVotingPowerSigned{Got: weight, Needed: needed}
	}

	indices := sig.Indices()
	pubKeys := make([]crypto.PubKey, 0, len(indices))
	for _, idx := range indices {
		_, val := agg.vals.GetByIndex(idx)
		pubKeys = append(pubKeys, val.PubKey)
	}

	if !bls.VerifyAggregate(pubKeys, types.VoteSignBytes(agg.chainID, template), sig.Signature) {
		return ErrInvalidProof
	}
	return nil
}

// VerifyCommit 验证commit中的precommit聚合证明
func (agg *Aggregator) VerifyCommit(commit *types.Commit) error {
	return agg.Verify(&commit.Proof.AggregatedSignature, commit.PrecommitTemplate())
}
