package metric

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return `{"name":"` + mock.name + `"}`
}

func newTestMetric() *MetricSet {
	m := NewMetricSet()
	m.items["TEST"] = &mockMetricItem{name: "TEST"}
	return m
}

func TestMetricSet_HasMetrics(t *testing.T) {
	metric := newTestMetric()

	assert.True(t, metric.HasMetrics("TEST"), "should contain label(TEST)")
	assert.False(t, metric.HasMetrics("FTEST"), "shouldn't contain label(FTEST)")
	assert.Nil(t, metric.GetMetrics("FTEST"))
}

func TestMetricSet_SetMetrics(t *testing.T) {
	metric := newTestMetric()

	mockItem := &mockMetricItem{name: "TEST"}
	err := metric.SetMetrics("TEST", mockItem)
	assert.Equal(t, ErrMetricLabelExist, errors.Cause(err), "label(TEST)不应该设置成功")
	assert.Contains(t, err.Error(), "TEST")
	assert.Nil(t, metric.SetMetrics("TEST1", mockItem), "label(TEST1)应该设置成功")

	assert.True(t, metric.HasMetrics("TEST"), "should contain label(TEST)")
	assert.True(t, metric.HasMetrics("TEST1"), "should contain label(TEST1)")
}

func TestMetricSet_GetAllLabels(t *testing.T) {
	metric := newTestMetric()
	require.NoError(t, metric.SetMetrics("A", &mockMetricItem{name: "A"}))

	labels := metric.GetAllLabels()
	assert.Equal(t, []string{"A", "TEST"}, labels, "labels按字典序返回")
}

func TestMetricSet_Snapshot(t *testing.T) {
	metric := newTestMetric()
	calls := 0
	require.NoError(t, metric.SetMetrics("FUNC", MetricFunc(func() string {
		calls++
		return `{"height":3}`
	})))

	all := metric.Snapshot()
	assert.Len(t, all, 2)
	assert.JSONEq(t, `{"height":3}`, all["FUNC"])
	assert.Equal(t, 1, calls)

	one := metric.Snapshot("TEST", "MISSING")
	assert.Len(t, one, 1, "不存在的label被忽略")
	assert.JSONEq(t, `{"name":"TEST"}`, one["TEST"])
}
