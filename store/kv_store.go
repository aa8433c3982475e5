package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

const (
	tableData = "data"
	tableMeta = "meta"

	metaHeight  = "height"
	metaAppHash = "app_hash"
)

func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger) *KVStore {
	return &KVStore{kvDB: kvdb, logger: logger}
}

// KVStore 参考应用：交易的格式为key=value，没有=时key和value都是交易本身
// table definition:
//   data table: key=data_{key}; value=value
//   meta table: key=meta_height / meta_app_hash
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger
}

// ParseTx 拆分key=value格式的交易
func ParseTx(tx types.Tx) (key, value []byte) {
	parts := bytes.SplitN(tx, []byte("="), 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return tx, tx
}

// ApplyTxs 在一个batch里执行height的所有交易，返回新的app hash
// 第一次执行之后高度必须连续
// app hash = hash(上一个app hash || height || 交易的merkle root)
func (kv *KVStore) ApplyTxs(height int64, txs types.Txs) ([]byte, error) {
	lastHeight, lastHash, err := kv.Info()
	if err != nil {
		return nil, err
	}
	if lastHeight != 0 && height != lastHeight+1 {
		return nil, fmt.Errorf("app expected height %d, got %d", lastHeight+1, height)
	}

	batch := kv.kvDB.NewBatch()
	defer batch.Close()

	for _, tx := range txs {
		key, value := ParseTx(tx)
		if len(key) == 0 {
			kv.logger.Debug("skip tx with empty key", "tx", tx)
			continue
		}
		if err := batch.Set(genKey(tableData, key), value); err != nil {
			return nil, errors.Wrap(err, "apply tx")
		}
	}

	heightBz := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBz, uint64(height))
	buf := make([]byte, 0, len(lastHash)+len(heightBz)+tmhash.Size)
	buf = append(buf, lastHash...)
	buf = append(buf, heightBz...)
	buf = append(buf, txs.Hash()...)
	appHash := tmhash.Sum(buf)

	if err := batch.Set(genKey(tableMeta, metaHeight), int2byte(height)); err != nil {
		return nil, err
	}
	if err := batch.Set(genKey(tableMeta, metaAppHash), appHash); err != nil {
		return nil, err
	}
	if err := batch.WriteSync(); err != nil {
		return nil, errors.Wrap(err, "write app batch")
	}

	kv.logger.Debug("applied txs", "height", height, "txs", len(txs), "appHash", fmt.Sprintf("%X", appHash))
	return appHash, nil
}

// Info 返回应用最后执行的高度和app hash
func (kv *KVStore) Info() (int64, []byte, error) {
	heightBz, err := kv.kvDB.Get(genKey(tableMeta, metaHeight))
	if err != nil {
		return 0, nil, err
	}
	appHash, err := kv.kvDB.Get(genKey(tableMeta, metaAppHash))
	if err != nil {
		return 0, nil, err
	}
	return byte2int(heightBz), appHash, nil
}

// Get 查询key对应的值，不存在时返回nil
func (kv *KVStore) Get(key []byte) ([]byte, error) {
	return kv.kvDB.Get(genKey(tableData, key))
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

func genKey(table string, primaryKey interface{}) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	buffer.WriteString("_")
	switch pk := primaryKey.(type) {
	case int64:
		buffer.WriteString(strconv.FormatInt(pk, 10))
	case string:
		buffer.WriteString(pk)
	case []byte:
		buffer.Write(pk)
	default:
		panic(fmt.Sprintf("unsupported primary key %T", primaryKey))
	}
	return buffer.Bytes()
}

func byte2int(src []byte) int64 {
	v, _ := strconv.ParseInt(string(src), 10, 64)
	return v
}

func int2byte(src int64) []byte {
	return []byte(strconv.FormatInt(src, 10))
}
