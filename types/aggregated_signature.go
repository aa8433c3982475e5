package types

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// AggregatedSignature 多个验证者在同一消息上的聚合签名
// Validators中第i位为1表示第i个验证者的签名参与了聚合
type AggregatedSignature struct {
	Signature  tmbytes.HexBytes `json:"signature"`
	Validators *bitset.BitSet   `json:"validators"`
}

// Indices 按升序返回参与签名的验证者编号
func (agg *AggregatedSignature) Indices() []int32 {
	if agg == nil || agg.Validators == nil {
		return nil
	}
	indices := make([]int32, 0, agg.Validators.Count())
	for i, ok := agg.Validators.NextSet(0); ok; i, ok = agg.Validators.NextSet(i + 1) {
		indices = append(indices, int32(i))
	}
	return indices
}

// Weight 参与签名的验证者的投票权重之和
func (agg *AggregatedSignature) Weight(vals *ValidatorSet) int64 {
	var weight int64
	for _, idx := range agg.Indices() {
		_, val := vals.GetByIndex(idx)
		if val != nil {
			weight += val.VotingPower
		}
	}
	return weight
}

func (agg *AggregatedSignature) ValidateBasic(valSetSize int) error {
	if agg == nil {
		return errors.New("nil aggregated signature")
	}
	if len(agg.Signature) == 0 {
		return errors.New("aggregated signature is missing")
	}
	if len(agg.Signature) > MaxSignatureSize {
		return fmt.Errorf("aggregated signature is too big (max: %d)", MaxSignatureSize)
	}
	if agg.Validators == nil || agg.Validators.None() {
		return errors.New("empty participation bitmap")
	}
	if last, ok := lastSet(agg.Validators); ok && last >= uint(valSetSize) {
		return fmt.Errorf("bitmap references validator #%d, set size is %d", last, valSetSize)
	}
	return nil
}

func (agg *AggregatedSignature) String() string {
	if agg == nil {
		return "nil-AggregatedSignature"
	}
	return fmt.Sprintf("AggSig{%X %v}", []byte(agg.Signature), agg.Indices())
}

func lastSet(b *bitset.BitSet) (uint, bool) {
	var (
		last  uint
		found bool
	)
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		last, found = i, true
	}
	return last, found
}
