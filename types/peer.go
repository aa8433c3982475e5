package types

// PeerStateKey 共识reactor在p2p.Peer上保存对方状态所用的key
const PeerStateKey = "ConsensusReactor.peerState"

// PeerState 其他reactor只需要知道对方所在的高度
type PeerState interface {
	GetHeight() int64
}
