package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

const testChainID = "test-chain"

func examplePrevote() *Vote {
	return &Vote{
		Type:           PrevoteType,
		Height:         12345,
		Round:          2,
		BlockID:        tmhash.Sum([]byte("blockID_hash")),
		ValidatorIndex: 56789,
	}
}

func TestVoteSignBytesIgnoreValidator(t *testing.T) {
	a := examplePrevote()
	b := examplePrevote()
	b.ValidatorIndex = 1

	assert.Equal(t, VoteSignBytes(testChainID, a), VoteSignBytes(testChainID, b))

	b.Type = PrecommitType
	assert.NotEqual(t, VoteSignBytes(testChainID, a), VoteSignBytes(testChainID, b))

	b = examplePrevote()
	b.BlockID = nil
	assert.NotEqual(t, VoteSignBytes(testChainID, a), VoteSignBytes(testChainID, b))

	assert.NotEqual(t, VoteSignBytes(testChainID, a), VoteSignBytes("other-chain", a))
}

func TestVoteVerify(t *testing.T) {
	privVal := NewMockPV()
	pubKey, err := privVal.GetPubKey()
	require.NoError(t, err)

	vote := examplePrevote()
	require.NoError(t, privVal.SignVote(testChainID, vote))

	assert.NoError(t, vote.Verify(testChainID, pubKey))
	assert.Equal(t, ErrVoteInvalidSignature, vote.Verify("other-chain", pubKey))

	other, _ := NewMockPV().GetPubKey()
	assert.Equal(t, ErrVoteInvalidSignature, vote.Verify(testChainID, other))
}

func TestVoteValidateBasic(t *testing.T) {
	privVal := NewMockPV()

	testCases := []struct {
		testName     string
		malleateVote func(*Vote)
		expectErr    bool
	}{
		{"Good Vote", func(v *Vote) {}, false},
		{"Nil Vote", func(v *Vote) { v.BlockID = nil }, false},
		{"Bad Type", func(v *Vote) { v.Type = ProposalType }, true},
		{"Zero Height", func(v *Vote) { v.Height = 0 }, true},
		{"Negative Round", func(v *Vote) { v.Round = -1 }, true},
		{"Short BlockID", func(v *Vote) { v.BlockID = []byte{0x01} }, true},
		{"Invalid ValidatorIndex", func(v *Vote) { v.ValidatorIndex = -1 }, true},
		{"Invalid Signature", func(v *Vote) { v.Signature = nil }, true},
		{"Too big Signature", func(v *Vote) { v.Signature = make([]byte, MaxSignatureSize+1) }, true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.testName, func(t *testing.T) {
			vote := examplePrevote()
			require.NoError(t, privVal.SignVote(testChainID, vote))
			tc.malleateVote(vote)
			assert.Equal(t, tc.expectErr, vote.ValidateBasic() != nil, "Validate Basic had an unexpected result")
		})
	}
}

func TestVoteSameVote(t *testing.T) {
	a := examplePrevote()
	b := a.Copy()
	b.Signature = []byte("other signature")
	assert.True(t, a.SameVote(b))

	b.BlockID = nil
	assert.False(t, a.SameVote(b))
	assert.True(t, b.IsNil())
	assert.False(t, a.SameVote(nil))
}
