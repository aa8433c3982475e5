// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

const (
	// MaxTotalVotingPower - the maximum allowed total voting power.
	// It needs to be sufficiently small to, in all cases, allow the quorum
	// arithmetic below to be done without overflow.
	MaxTotalVotingPower = int64(1<<62) - 1

	// MaxValidators 参与一个高度共识的验证者数量上限
	MaxValidators = 1024
)

var ErrNotBootstrapped = errors.New("validator set for height is not known")

// ValidatorSet represent a set of *Validator at a given height.
//
// The validators can be fetched by address or index. The index is the
// position in the set given at construction and is fixed for all rounds of
// a height. The designated .GetProposer() changes with height and round.
//
// NOTE: Not goroutine-safe for mutation; the set is never mutated after
// construction, so it can be shared read-only.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`

	totalVotingPower int64
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. Each validator's Index is set to its
// position. If valz is nil or empty, the new ValidatorSet will have an empty
// list of Validators.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = make([]*Validator, 0, len(valz))

	for idx, val := range valz {
		v := val.Copy()
		v.Index = int32(idx)
		vals.Validators = append(vals.Validators, v)
	}
	vals.updateTotalVotingPower()

	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}
	if len(vals.Validators) > MaxValidators {
		return fmt.Errorf("too many validators: %d > %d", len(vals.Validators), MaxValidators)
	}

	seen := make(map[string]struct{}, len(vals.Validators))
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
		if _, ok := seen[string(val.Address)]; ok {
			return fmt.Errorf("duplicate validator %v", val.Address)
		}
		seen[string(val.Address)] = struct{}{}
	}

	if vals.TotalVotingPower() > MaxTotalVotingPower {
		return fmt.Errorf("total voting power %d exceeds maximum %d", vals.TotalVotingPower(), MaxTotalVotingPower)
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators:       validatorListCopy(vals.Validators),
		totalVotingPower: vals.totalVotingPower,
	}
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	idx, _ := vals.GetByAddress(address)
	return idx >= 0
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address []byte) (index int32, val *Validator) {
	if vals == nil {
		return -1, nil
	}
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index.
// It returns nil values if index is less than 0 or greater or equal to
// len(ValidatorSet.Validators).
func (vals *ValidatorSet) GetByIndex(index int32) (address []byte, val *Validator) {
	if vals == nil || index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	if vals == nil {
		return 0
	}
	return len(vals.Validators)
}

func (vals *ValidatorSet) updateTotalVotingPower() {
	sum := int64(0)
	for _, val := range vals.Validators {
		sum = safeAddClip(sum, val.VotingPower)
	}
	vals.totalVotingPower = sum
}

// TotalVotingPower returns the sum of the voting powers of all validators.
func (vals *ValidatorSet) TotalVotingPower() int64 {
	if vals == nil {
		return 0
	}
	if vals.totalVotingPower == 0 && len(vals.Validators) > 0 {
		vals.updateTotalVotingPower()
	}
	return vals.totalVotingPower
}

// QuorumThreshold 严格大于总权重2/3的最小权重
// n个等权重验证者时等于 n - floor((n-1)/3)
func (vals *ValidatorSet) QuorumThreshold() int64 {
	total := vals.TotalVotingPower()
	return total/3*2 + (total%3)*2/3 + 1
}

// MinorityThreshold 至少包含一个诚实验证者的最小权重(f+1)
func (vals *ValidatorSet) MinorityThreshold() int64 {
	return vals.TotalVotingPower() - vals.QuorumThreshold() + 1
}

// GetProposer 返回(height, round)的proposer，加权轮转，对相同的输入结果确定
// 每个验证者在环上占 power/g 个连续位置，g是所有权重的最大公约数
// 空的验证者集合返回ErrNotBootstrapped
func (vals *ValidatorSet) GetProposer(height int64, round int32) (*Validator, error) {
	if vals.IsNilOrEmpty() {
		return nil, ErrNotBootstrapped
	}

	g := vals.Validators[0].VotingPower
	for _, val := range vals.Validators[1:] {
		g = gcd(g, val.VotingPower)
	}
	if g <= 0 {
		g = 1
	}

	ringSize := uint64(vals.TotalVotingPower() / g)
	pos := (uint64(height) + uint64(round)) % ringSize

	var acc uint64
	for _, val := range vals.Validators {
		acc += uint64(val.VotingPower / g)
		if pos < acc {
			return val.Copy(), nil
		}
	}
	return vals.Validators[len(vals.Validators)-1].Copy(), nil
}

// Hash returns the Merkle root hash build using validators (as leaves) in the
// set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func safeAddClip(a, b int64) int64 {
	c := a + b
	if c < a {
		return MaxTotalVotingPower
	}
	return c
}

//-----------------

// IsErrNotEnoughVotingPowerSigned returns true if err is
// ErrNotEnoughVotingPowerSigned.
func IsErrNotEnoughVotingPowerSigned(err error) bool {
	return errors.As(err, &ErrNotEnoughVotingPowerSigned{})
}

// ErrNotEnoughVotingPowerSigned is returned when not enough validators signed
// a commit.
type ErrNotEnoughVotingPowerSigned struct {
	Got    int64
	Needed int64
}

func (e ErrNotEnoughVotingPowerSigned) Error() string {
	return fmt.Sprintf("invalid commit -- insufficient voting power: got %d, needed at least %d", e.Got, e.Needed)
}

//----------------

// String returns a string representation of ValidatorSet.
//
// See StringIndented.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an intended String.
//
// See Validator#String.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)

}

//----------------------------------------

// RandValidatorSet returns a randomized validator set (size: +numValidators+),
// where each validator has a voting power of +votingPower+.
// privValidators[i] signs for the validator with index i.
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int, votingPower int64) (*ValidatorSet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)

	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator(votingPower)
		valz[i] = val
		privValidators[i] = privValidator
	}

	return NewValidatorSet(valz), privValidators
}
