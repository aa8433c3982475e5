package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

func makeTestBlock(height int64, txs ...Tx) *Block {
	proposer := GetAddress(NewMockPVWithSecret([]byte("proposer")).PrivKey.PubKey())
	return MakeBlock(testChainID, height, time.Unix(1600000000, 0), txs, tmhash.Sum([]byte("parent")), nil, proposer)
}

func TestBlockHashIsStable(t *testing.T) {
	a := makeTestBlock(3, Tx("a=1"), Tx("b=2"))
	b := makeTestBlock(3, Tx("a=1"), Tx("b=2"))

	require.NoError(t, a.ValidateBasic())
	assert.Len(t, a.Hash(), tmhash.Size)
	assert.Equal(t, a.Hash(), b.Hash())

	c := makeTestBlock(3, Tx("a=1"))
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := makeTestBlock(4, Tx("a=1"), Tx("b=2"))
	assert.NotEqual(t, a.Hash(), d.Hash())
}

func TestBlockValidateBasic(t *testing.T) {
	block := makeTestBlock(1, Tx("k=v"))
	require.NoError(t, block.ValidateBasic())

	block = makeTestBlock(1, Tx("k=v"))
	block.TxsHash = tmhash.Sum([]byte("wrong"))
	assert.Error(t, block.ValidateBasic())

	block = makeTestBlock(0)
	assert.Error(t, block.ValidateBasic())

	var nilBlock *Block
	assert.Error(t, nilBlock.ValidateBasic())
	assert.Nil(t, nilBlock.Hash())
}

func TestProposalValidateBasic(t *testing.T) {
	privVal := NewMockPV()
	block := makeTestBlock(2, Tx("k=v"))

	testCases := []struct {
		testName         string
		malleateProposal func(*Proposal)
		expectErr        bool
	}{
		{"Good Proposal", func(p *Proposal) {}, false},
		{"Re-proposal", func(p *Proposal) { p.ValidRound = 0 }, false},
		{"Invalid Height", func(p *Proposal) { p.Height = -1 }, true},
		{"Height mismatch", func(p *Proposal) { p.Height = 3 }, true},
		{"Invalid Round", func(p *Proposal) { p.Round = -1 }, true},
		{"Invalid ValidRound", func(p *Proposal) { p.ValidRound = -2 }, true},
		{"Lock proof without valid round", func(p *Proposal) { p.LockProof = &AggregatedSignature{} }, true},
		{"Missing block", func(p *Proposal) { p.Block = nil }, true},
		{"Missing Signature", func(p *Proposal) { p.Signature = nil }, true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.testName, func(t *testing.T) {
			p := NewProposal(2, 1, -1, block, 0)
			require.NoError(t, privVal.SignProposal(testChainID, p))
			tc.malleateProposal(p)
			assert.Equal(t, tc.expectErr, p.ValidateBasic() != nil, "Validate Basic had an unexpected result")
		})
	}
}

func TestProposalVerify(t *testing.T) {
	privVal := NewMockPV()
	pubKey, err := privVal.GetPubKey()
	require.NoError(t, err)

	p := NewProposal(2, 1, -1, makeTestBlock(2), 3)
	require.NoError(t, privVal.SignProposal(testChainID, p))
	assert.NoError(t, p.Verify(testChainID, pubKey))

	p.ValidRound = 0
	assert.Equal(t, ErrProposalInvalidSignature, p.Verify(testChainID, pubKey))
}
