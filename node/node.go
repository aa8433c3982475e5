package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ArkEcosystem/mainsail-sub010/consensus"
	"github.com/ArkEcosystem/mainsail-sub010/libs/metric"
	"github.com/ArkEcosystem/mainsail-sub010/mempool"
	"github.com/ArkEcosystem/mainsail-sub010/privval"
	"github.com/ArkEcosystem/mainsail-sub010/rpc"
	sm "github.com/ArkEcosystem/mainsail-sub010/state"
	"github.com/ArkEcosystem/mainsail-sub010/store"
	"github.com/ArkEcosystem/mainsail-sub010/types"
)

//------------------------------------------------------------------------------

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *cfg.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (tmdb.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the ctx.Config.
func DefaultDBProvider(ctx *DBContext) (tmdb.DB, error) {
	dbType := tmdb.BackendType(ctx.Config.DBBackend)
	return tmdb.NewDB(ctx.ID, dbType, ctx.Config.DBDir())
}

// GenesisDocProvider returns a GenesisDoc.
type GenesisDocProvider func() (*types.GenesisDoc, error)

func DefaultGenesisDocProviderFunc(config *cfg.Config) GenesisDocProvider {
	return func() (*types.GenesisDoc, error) {
		return types.GenesisDocFromFile(config.GenesisFile())
	}
}

// MetricsProvider 根据chainID返回共识和交易池的prometheus指标
type MetricsProvider func(chainID string) (*consensus.Metrics, *mempool.Metrics)

func DefaultMetricsProvider(config *cfg.InstrumentationConfig) MetricsProvider {
	return func(chainID string) (*consensus.Metrics, *mempool.Metrics) {
		if config.Prometheus {
			return consensus.PrometheusMetrics(config.Namespace, "chain_id", chainID),
				mempool.PrometheusMetrics(config.Namespace, "chain_id", chainID)
		}
		return consensus.NopMetrics(), mempool.NopMetrics()
	}
}

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*cfg.Config, *consensus.Config, log.Logger) (*Node, error)

// DefaultNewNode 从配置目录中读取节点密钥、验证者密钥和创世文件
func DefaultNewNode(config *cfg.Config, engineConfig *consensus.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	return NewNode(config,
		engineConfig,
		privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile()),
		nodeKey,
		DefaultGenesisDocProviderFunc(config),
		DefaultDBProvider,
		DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
}

//------------------------------------------------------------------------------

type Node struct {
	service.BaseService

	// config
	config        *cfg.Config
	engineConfig  *consensus.Config
	genesisDoc    *types.GenesisDoc
	privValidator types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch  // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// services
	stateDB          tmdb.DB
	appDB            tmdb.DB
	consensusDB      tmdb.DB
	stateStore       sm.Store
	app              *store.KVStore
	cstore           *store.ConsensusStore
	mempool          *mempool.ListMempool
	mempoolReactor   *mempool.Reactor
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	metricSet        *metric.MetricSet

	rpcListeners  []net.Listener
	prometheusSrv *http.Server
}

type Option func(*Node)

func createTransport(
	config *cfg.Config,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = p2p.MConnConfig(config.P2P)
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.UnconditionalPeerIDs, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)

	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	mempoolReactor *mempool.Reactor,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			version.P2PProtocol, // global
			version.BlockProtocol,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.StateChannel, consensus.DataChannel, consensus.VoteChannel,
			mempool.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress

	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}

	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func initDBs(config *cfg.Config, dbProvider DBProvider) (stateDB, appDB, consensusDB tmdb.DB, err error) {
	if stateDB, err = dbProvider(&DBContext{"state", config}); err != nil {
		return
	}
	if appDB, err = dbProvider(&DBContext{"app", config}); err != nil {
		return
	}
	consensusDB, err = dbProvider(&DBContext{"consensus", config})
	return
}

// onlyValidatorIsUs 只有自己一个验证者时不需要等待其他节点
func onlyValidatorIsUs(state sm.State, privValidator types.PrivValidator) bool {
	if privValidator == nil || state.Validators.Size() > 1 {
		return false
	}
	pubKey, err := privValidator.GetPubKey()
	if err != nil {
		return false
	}
	addr, _ := state.Validators.GetByIndex(0)
	return bytes.Equal(addr, pubKey.Address())
}

func NewNode(config *cfg.Config,
	engineConfig *consensus.Config,
	privValidator types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genesisDocProvider GenesisDocProvider,
	dbProvider DBProvider,
	metricsProvider MetricsProvider,
	logger log.Logger,
	options ...Option) (*Node, error) {

	if err := engineConfig.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	stateDB, appDB, consensusDB, err := initDBs(config, dbProvider)
	if err != nil {
		return nil, err
	}

	genDoc, err := genesisDocProvider()
	if err != nil {
		return nil, err
	}
	stateStore := sm.NewStore(stateDB)
	state, err := stateStore.LoadFromDBOrGenesisDoc(genDoc)
	if err != nil {
		return nil, fmt.Errorf("cannot load state: %w", err)
	}

	app := store.NewKVStoreWithDB(appDB, logger.With("module", "app"))
	if err := sm.Handshake(state, app); err != nil {
		return nil, fmt.Errorf("error during handshake: %w", err)
	}

	csMetrics, memplMetrics := metricsProvider(genDoc.ChainID)

	mp := mempool.NewListMempool(config.Mempool, state.LastBlockHeight, mempool.WithMetrics(memplMetrics))
	mp.SetLogger(logger.With("module", "mempool"))
	mempoolReactor := mempool.NewReactor(config.Mempool, mp)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	blockExec := sm.NewBlockExecutor(stateStore, app, mp)
	blockExec.SetLogger(logger.With("module", "state"))

	cstore := store.NewConsensusStore(consensusDB,
		store.WithRetries(engineConfig.StorageRetries),
		store.WithRetryDelay(engineConfig.StorageBackoff),
	)
	cstore.SetLogger(logger.With("module", "store"))

	consensusState := consensus.NewConsensusState(
		config.Consensus,
		engineConfig,
		state,
		blockExec,
		cstore,
		consensus.WithPrivValidator(privValidator),
		consensus.WithMetrics(csMetrics),
	)
	consensusState.SetLogger(logger.With("module", "consensus"))
	consensusReactor := consensus.NewReactor(consensusState)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	if onlyValidatorIsUs(state, privValidator) {
		logger.Info("This node is the only validator")
	}

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", metric.MetricFunc(consensusState.MetricJSON)); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("mempool", mp); err != nil {
		return nil, err
	}

	p2pLogger := logger.With("module", "p2p")

	// setup node identity
	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(config, nodeInfo, nodeKey)

	// Setup Switch.
	sw := createSwitch(
		config, transport, mempoolReactor, consensusReactor, nodeInfo, nodeKey, p2pLogger,
	)

	err = sw.AddPersistentPeers(splitAndTrimEmpty(config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return nil, fmt.Errorf("could not add peers from persistent_peers field: %w", err)
	}

	node := &Node{
		config:        config,
		engineConfig:  engineConfig,
		genesisDoc:    genDoc,
		privValidator: privValidator,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		stateDB:          stateDB,
		appDB:            appDB,
		consensusDB:      consensusDB,
		stateStore:       stateStore,
		app:              app,
		cstore:           cstore,
		mempool:          mp,
		mempoolReactor:   mempoolReactor,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		metricSet:        metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}

	return node, nil
}

func (n *Node) OnStart() error {
	now := time.Now().UTC()
	genTime := n.genesisDoc.GenesisTime
	if genTime.After(now) {
		n.Logger.Info("Genesis time is in the future. Sleeping until then...", "genTime", genTime)
		time.Sleep(genTime.Sub(now))
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch
	err = n.sw.Start()
	if err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	// reactor已经启动，共识的广播事件有人订阅
	return n.consensusState.Start()
}

func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if n.consensusState.IsRunning() {
		if err := n.consensusState.Stop(); err != nil {
			n.Logger.Error("Error stopping consensus", "err", err)
		}
		n.consensusState.Wait()
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}

	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}

	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}

	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners, or context timeout:
			n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	for _, db := range []tmdb.DB{n.stateDB, n.appDB, n.consensusDB} {
		if err := db.Close(); err != nil {
			n.Logger.Error("Error closing db", "err", err)
		}
	}
}

// ConfigureRPC 设置rpc处理函数使用的节点组件
func (n *Node) ConfigureRPC() {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   n.mempool,
		Consensus: n.consensusState,
		App:       n.app,
		MetricSet: n.metricSet,
		Logger:    n.Logger.With("module", "rpc"),
	})
}

func (n *Node) startRPC() ([]net.Listener, error) {
	n.ConfigureRPC()

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections
	// If necessary adjust global WriteTimeout to ensure it's greater than
	// TimeoutBroadcastTxCommit.
	if config.WriteTimeout <= n.config.RPC.TimeoutBroadcastTxCommit {
		config.WriteTimeout = n.config.RPC.TimeoutBroadcastTxCommit + 1*time.Second
	}

	listeners := make([]net.Listener, len(listenAddrs))
	for i, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcLogger := n.Logger.With("module", "rpc-server")
		wmLogger := rpcLogger.With("protocol", "websocket")
		wm := rpcserver.NewWebsocketManager(rpc.Routes,
			rpcserver.ReadLimit(config.MaxBodyBytes),
		)
		wm.SetLogger(wmLogger)
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}

		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil &&
				!errors.Is(err, net.ErrClosed) {
				n.Logger.Error("Error serving server", "err", err)
			}
		}()

		listeners[i] = listener
	}

	return listeners, nil
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Mempool() *mempool.ListMempool {
	return n.mempool
}

func (n *Node) App() *store.KVStore {
	return n.app
}

func (n *Node) GenesisDoc() *types.GenesisDoc {
	return n.genesisDoc
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
