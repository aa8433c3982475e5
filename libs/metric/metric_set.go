package metric

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var ErrMetricLabelExist = errors.New("metric label already exist")

// MetricSet 节点内各模块的MetricItem，rpc的metrics接口和日志从这里读取
type MetricSet struct {
	mtx   sync.RWMutex
	items map[string]MetricItem
}

func NewMetricSet() *MetricSet {
	return &MetricSet{items: make(map[string]MetricItem)}
}

// SetMetrics 每个label只能注册一次
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	if _, ok := ms.items[label]; ok {
		return errors.Wrapf(ErrMetricLabelExist, "label %q", label)
	}
	ms.items[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	return ms.GetMetrics(label) != nil
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.items[label]
}

// GetAllLabels 字典序
func (ms *MetricSet) GetAllLabels() []string {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.sortedLabels()
}

func (ms *MetricSet) sortedLabels() []string {
	labels := make([]string, 0, len(ms.items))
	for l := range ms.items {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Snapshot labels为空时取所有模块，不存在的label被忽略
func (ms *MetricSet) Snapshot(labels ...string) map[string]string {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()

	if len(labels) == 0 {
		labels = ms.sortedLabels()
	}
	res := make(map[string]string, len(labels))
	for _, l := range labels {
		if item, ok := ms.items[l]; ok {
			res[l] = item.JSONString()
		}
	}
	return res
}
