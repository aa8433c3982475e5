package rpc

import (
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ArkEcosystem/mainsail-sub010/consensus"
	"github.com/ArkEcosystem/mainsail-sub010/libs/metric"
	"github.com/ArkEcosystem/mainsail-sub010/mempool"
	"github.com/ArkEcosystem/mainsail-sub010/store"
)

var env *Environment

func SetEnvironment(e *Environment) {
	env = e
}

// Environment rpc处理函数能访问的节点组件，由node在启动rpc服务之前设置
type Environment struct {
	Mempool   mempool.Mempool
	Consensus *consensus.ConsensusState
	App       *store.KVStore

	MetricSet *metric.MetricSet

	Logger log.Logger
}
