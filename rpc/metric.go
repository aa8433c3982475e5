package rpc

import (
	"fmt"
	"strings"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Labels  []string          `json:"labels"`
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics labels以逗号分隔，为空时返回所有模块
func JSONMetrics(ctx *rpctypes.Context, labels string) (*ResultMetrics, error) {
	var wanted []string
	for _, l := range strings.Split(labels, ",") {
		if l = strings.TrimSpace(l); l == "" {
			continue
		}
		if !env.MetricSet.HasMetrics(l) {
			return nil, fmt.Errorf("unknown metric label %q, have %v", l, env.MetricSet.GetAllLabels())
		}
		wanted = append(wanted, l)
	}
	return &ResultMetrics{
		Labels:  env.MetricSet.GetAllLabels(),
		Metrics: env.MetricSet.Snapshot(wanted...),
	}, nil
}
