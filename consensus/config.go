package consensus

import (
	"errors"
	"time"
)

// Config 共识引擎自己的参数，超时时间来自tendermint的ConsensusConfig
type Config struct {
	// FutureBufferSize 缓存未来高度消息的数量上限，满了之后丢弃最早的消息
	FutureBufferSize int `mapstructure:"future_buffer_size"`

	// MaxFutureHeight 超过当前高度这么多的消息直接丢弃
	MaxFutureHeight int64 `mapstructure:"max_future_height"`

	// MaxRoundLookahead 只接受不超过当前轮次+MaxRoundLookahead的消息
	MaxRoundLookahead int32 `mapstructure:"max_round_lookahead"`

	// StorageRetries 写入共识存储失败时的重试次数
	StorageRetries int           `mapstructure:"storage_retries"`
	StorageBackoff time.Duration `mapstructure:"storage_backoff"`

	// MaxCatchupCommits 一次回复给落后节点的commit数量
	MaxCatchupCommits int64 `mapstructure:"max_catchup_commits"`
}

func DefaultConfig() *Config {
	return &Config{
		FutureBufferSize:  1000,
		MaxFutureHeight:   10,
		MaxRoundLookahead: 10,
		StorageRetries:    3,
		StorageBackoff:    100 * time.Millisecond,
		MaxCatchupCommits: 10,
	}
}

func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.FutureBufferSize = 100
	cfg.StorageBackoff = time.Millisecond
	return cfg
}

func (cfg *Config) ValidateBasic() error {
	if cfg.FutureBufferSize < 0 {
		return errors.New("future_buffer_size can't be negative")
	}
	if cfg.MaxFutureHeight < 1 {
		return errors.New("max_future_height must be positive")
	}
	if cfg.MaxRoundLookahead < 1 {
		return errors.New("max_round_lookahead must be positive")
	}
	if cfg.StorageRetries < 0 {
		return errors.New("storage_retries can't be negative")
	}
	if cfg.MaxCatchupCommits < 1 {
		return errors.New("max_catchup_commits must be positive")
	}
	return nil
}
