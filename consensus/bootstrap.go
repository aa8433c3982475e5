package consensus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"golang.org/x/sync/errgroup"

	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

// BootstrapData 重启时从存储中恢复的当前高度的数据
// 所有消息都已经重新验证过签名
type BootstrapData struct {
	Height     int64
	Snapshot   *store.ConsensusSnapshot
	Proposals  []*types.Proposal
	Prevotes   []*types.Vote
	Precommits []*types.Vote
}

func (d *BootstrapData) Empty() bool {
	return len(d.Proposals) == 0 && len(d.Prevotes) == 0 && len(d.Precommits) == 0
}

// Bootstrapper 并行验证存储中的消息签名
// 签名错误的消息被丢弃，不会导致启动失败
type Bootstrapper struct {
	chainID string
	store   *store.ConsensusStore
	logger  log.Logger
}

func NewBootstrapper(chainID string, cstore *store.ConsensusStore, logger log.Logger) *Bootstrapper {
	return &Bootstrapper{chainID: chainID, store: cstore, logger: logger}
}

func (b *Bootstrapper) Load(ctx context.Context, height int64, vals *types.ValidatorSet) (*BootstrapData, error) {
	data := &BootstrapData{Height: height}

	snapshot, err := b.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if snapshot != nil && snapshot.Height == height {
		data.Snapshot = snapshot
	}

	proposals, err := b.store.LoadProposals(height)
	if err != nil {
		return nil, err
	}
	prevotes, err := b.store.LoadVotes(height, types.PrevoteType)
	if err != nil {
		return nil, err
	}
	precommits, err := b.store.LoadVotes(height, types.PrecommitType)
	if err != nil {
		return nil, err
	}

	if data.Proposals, err = b.verifyProposals(ctx, proposals, vals); err != nil {
		return nil, err
	}
	if data.Prevotes, err = b.verifyVotes(ctx, prevotes, vals); err != nil {
		return nil, err
	}
	if data.Precommits, err = b.verifyVotes(ctx, precommits, vals); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Bootstrapper) verifyProposals(ctx context.Context, proposals []*types.Proposal, vals *types.ValidatorSet) ([]*types.Proposal, error) {
	valid := make([]bool, len(proposals))
	g, ctx := errgroup.WithContext(ctx)
	for i, proposal := range proposals {
		i, proposal := i, proposal
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, val := vals.GetByIndex(proposal.ProposerIndex)
			if val == nil {
				return nil
			}
			valid[i] = proposal.Verify(b.chainID, val.PubKey) == nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "verify stored proposals")
	}

	res := make([]*types.Proposal, 0, len(proposals))
	for i, proposal := range proposals {
		if !valid[i] {
			b.logger.Error("drop stored proposal with bad signature", "proposal", proposal)
			continue
		}
		res = append(res, proposal)
	}
	return res, nil
}

func (b *Bootstrapper) verifyVotes(ctx context.Context, votes []*types.Vote, vals *types.ValidatorSet) ([]*types.Vote, error) {
	var (
		mtx sync.Mutex
		bad = make(map[int]struct{})
	)
	g, ctx := errgroup.WithContext(ctx)
	for i, vote := range votes {
		i, vote := i, vote
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, val := vals.GetByIndex(vote.ValidatorIndex)
			if val != nil && vote.Verify(b.chainID, val.PubKey) == nil {
				return nil
			}
			mtx.Lock()
			bad[i] = struct{}{}
			mtx.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "verify stored votes")
	}

	res := make([]*types.Vote, 0, len(votes))
	for i, vote := range votes {
		if _, ok := bad[i]; ok {
			b.logger.Error("drop stored vote with bad signature", "vote", vote)
			continue
		}
		res = append(res, vote)
	}
	return res, nil
}

// RecoverCommit 账本已经执行了height但commit还没有写入时，用存储中的提案和precommit重建commit
func (b *Bootstrapper) RecoverCommit(ctx context.Context, height int64, vals *types.ValidatorSet) (*types.Commit, error) {
	data, err := b.Load(ctx, height, vals)
	if err != nil {
		return nil, err
	}

	agg := NewAggregator(b.chainID, vals)
	for _, proposal := range data.Proposals {
		votes := make(map[int32]*types.Vote)
		for _, vote := range data.Precommits {
			if vote.Round == proposal.Round {
				votes[vote.ValidatorIndex] = vote
			}
		}
		if proof, ok := agg.TryBuildProof(proposal.Round, proposal.BlockID(), votes); ok {
			return types.NewCommit(proposal.Block, *proof), nil
		}
	}
	return nil, errors.Errorf("no commit proof for height %d in storage", height)
}
