package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cstypes "github.com/ArkEcosystem/mainsail-sub010/consensus/types"
)

func startTicker(t *testing.T) TimeoutTicker {
	ticker := NewTimeoutTicker()
	ticker.SetLogger(log.TestingLogger())
	require.NoError(t, ticker.Start())
	t.Cleanup(func() {
		assert.NoError(t, ticker.Stop())
	})
	return ticker
}

func expectTimeout(t *testing.T, ticker TimeoutTicker) timeoutInfo {
	select {
	case ti := <-ticker.Chan():
		return ti
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到超时")
	}
	return timeoutInfo{}
}

func TestTimeoutTickerFires(t *testing.T) {
	ticker := startTicker(t)
	ticker.ScheduleTimeout(timeoutInfo{Duration: 10 * time.Millisecond, Height: 1, Round: 0, Step: cstypes.RoundStepPropose})

	ti := expectTimeout(t, ticker)
	assert.Equal(t, int64(1), ti.Height)
	assert.Equal(t, cstypes.RoundStepPropose, ti.Step)
}

func TestTimeoutTickerReplacesEarlierTimeout(t *testing.T) {
	ticker := startTicker(t)

	// 新的step覆盖旧的定时器
	ticker.ScheduleTimeout(timeoutInfo{Duration: time.Hour, Height: 1, Round: 0, Step: cstypes.RoundStepPropose})
	ticker.ScheduleTimeout(timeoutInfo{Duration: 10 * time.Millisecond, Height: 1, Round: 0, Step: cstypes.RoundStepPrevote})
	ti := expectTimeout(t, ticker)
	assert.Equal(t, cstypes.RoundStepPrevote, ti.Step)

	// 更早的(height, round, step)被忽略
	ticker.ScheduleTimeout(timeoutInfo{Duration: 50 * time.Millisecond, Height: 2, Round: 1, Step: cstypes.RoundStepPropose})
	ticker.ScheduleTimeout(timeoutInfo{Duration: time.Millisecond, Height: 2, Round: 0, Step: cstypes.RoundStepPrecommit})
	ticker.ScheduleTimeout(timeoutInfo{Duration: time.Millisecond, Height: 1, Round: 5, Step: cstypes.RoundStepPrecommit})
	ti = expectTimeout(t, ticker)
	assert.Equal(t, int64(2), ti.Height)
	assert.Equal(t, int32(1), ti.Round)
	assert.Equal(t, cstypes.RoundStepPropose, ti.Step)
}
