package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ArkEcosystem/mainsail-sub010/libs/utils"
)

// 保留最近多少个区块的出块间隔
const blockIntervalWindow = 100

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		LockedRound: -1,
		ValidRound:  -1,
	}
}

// consensusMetric 共识的json快照，通过rpc的metrics接口查询
type consensusMetric struct {
	mtx sync.RWMutex

	Height      int64  `json:"height"`
	Round       int32  `json:"round"`
	Step        string `json:"step"`
	LockedRound int32  `json:"locked_round"`
	ValidRound  int32  `json:"valid_round"`

	IsProposer      bool   `json:"is_proposer"`
	ProposerAddress string `json:"proposer_address"`

	LastCommitHeight int64     `json:"last_commit_height"`
	LastCommitTime   time.Time `json:"last_commit_time"`
	Halted           bool      `json:"halted"`

	intervals []float64

	MaxInterval    float64 `json:"max_block_interval"`
	MinInterval    float64 `json:"min_block_interval"`
	MedianInterval float64 `json:"median_block_interval"`
	AvgInterval    float64 `json:"avg_block_interval"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkRound(height int64, round int32, step string, lockedRound, validRound int32) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Height = height
	cm.Round = round
	cm.Step = step
	cm.LockedRound = lockedRound
	cm.ValidRound = validRound
}

func (cm *consensusMetric) MarkProposer(isProposer bool, addr string) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.IsProposer = isProposer
	cm.ProposerAddress = addr
}

// MarkCommit 记录一次提交，出块间隔以秒为单位
func (cm *consensusMetric) MarkCommit(height int64, t time.Time) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	if !cm.LastCommitTime.IsZero() {
		cm.intervals = append(cm.intervals, t.Sub(cm.LastCommitTime).Seconds())
		if len(cm.intervals) > blockIntervalWindow {
			cm.intervals = cm.intervals[len(cm.intervals)-blockIntervalWindow:]
		}
		s := utils.Summarize(cm.intervals)
		cm.MaxInterval, cm.MinInterval = s.Max, s.Min
		cm.MedianInterval, cm.AvgInterval = s.Median, s.Avg
	}
	cm.LastCommitHeight = height
	cm.LastCommitTime = t
}

func (cm *consensusMetric) MarkHalted(v bool) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Halted = v
}
