// fork from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Validator 一个高度内不可变的验证者信息
// Index是它在ValidatorSet中的位置，由NewValidatorSet设置
type Validator struct {
	Index       int32         `json:"index"`
	Address     Address       `json:"address"`
	PubKey      crypto.PubKey `json:"pub_key"`
	VotingPower int64         `json:"voting_power"`
}

// NewValidator returns a new validator with the given pubkey and voting power.
func NewValidator(pubKey crypto.PubKey, votingPower int64) *Validator {
	return &Validator{
		Index:       -1,
		Address:     GetAddress(pubKey),
		PubKey:      pubKey,
		VotingPower: votingPower,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}

	if v.VotingPower <= 0 {
		return fmt.Errorf("validator has non positive voting power: %d", v.VotingPower)
	}

	if err := v.Address.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong validator address: %w", err)
	}
	if !v.Address.Equal(GetAddress(v.PubKey)) {
		return fmt.Errorf("validator address %v does not match its public key", v.Address)
	}

	return nil
}

// Copy returns a copy of the validator.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

// String returns a string representation of String.
//
// 1. index
// 2. address
// 3. public key
// 4. voting power
func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{#%v %v %v VP:%v}",
		v.Index,
		v.Address,
		v.PubKey,
		v.VotingPower)
}

// Bytes computes the unique encoding of a validator with a given voting power.
// These are the bytes that gets hashed in consensus. It excludes address
// as its redundant with the pubkey.
func (v *Validator) Bytes() []byte {
	bz, err := tmjson.Marshal(struct {
		PubKey      crypto.PubKey `json:"pub_key"`
		VotingPower int64         `json:"voting_power"`
	}{v.PubKey, v.VotingPower})
	if err != nil {
		panic(err)
	}
	return bz
}

//----------------------------------------
// RandValidator

// RandValidator returns a randomized validator, useful for testing.
// UNSTABLE
func RandValidator(votingPower int64) (*Validator, PrivValidator) {
	privVal := NewMockPV()

	pubKey, err := privVal.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	val := NewValidator(pubKey, votingPower)
	return val, privVal
}
