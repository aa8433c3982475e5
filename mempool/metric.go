package mempool

import (
	"sync"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	jsoniter "github.com/json-iterator/go"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "mempool"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Size of the mempool.
	Size metrics.Gauge
	// Histogram of transaction sizes, in bytes.
	TxSizeBytes metrics.Histogram
	// Number of failed transactions.
	FailedTxs metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Size: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size",
			Help:      "Size of the mempool (number of uncommitted transactions).",
		}, labels).With(labelsAndValues...),
		TxSizeBytes: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tx_size_bytes",
			Help:      "Transaction sizes in bytes.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 3, 17),
		}, labels).With(labelsAndValues...),
		FailedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_txs",
			Help:      "Number of failed transactions.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Size:        discard.NewGauge(),
		TxSizeBytes: discard.NewHistogram(),
		FailedTxs:   discard.NewCounter(),
	}
}

//--------------------------------------------------------------------------------

func newMemMetric() *memMetric {
	return &memMetric{}
}

// memMetric mempool的json快照，通过rpc的metrics接口查询
type memMetric struct {
	mtx           sync.RWMutex
	TxsNum        int   `json:"txs_num"`         // mempool中所有的交易总数
	TotalTxsBytes int64 `json:"total_txs_bytes"` // 目前mempool所有的交易的大小
	FailedTxsNum  int64 `json:"failed_txs_num"`  // CheckTx失败的交易总数
	Height        int64 `json:"height"`          // 最后一次Update的高度
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkTxs(txsnum int, txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsnum
	mm.TotalTxsBytes = txsBytes
}

func (mm *memMetric) MarkFailedTx() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.FailedTxsNum++
}

func (mm *memMetric) MarkHeight(height int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.Height = height
}
