package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/ArkEcosystem/mainsail-sub010/types"
)

const (
	sendTimeout = 10 * time.Second
	// 服务端在readWait内没有收到ping会关闭连接
	pingPeriod = 27 * time.Second
)

// benchConn 一个websocket连接，按固定速率发送交易
type benchConn struct {
	index  int
	conn   *websocket.Conn
	rng    *rand.Rand
	logger log.Logger

	sent   int64
	failed int32
}

// transacter 对一个endpoint维持多个benchConn
type transacter struct {
	target string
	rate   int
	keys   int
	method string

	conns  []*benchConn
	quit   chan struct{}
	wg     sync.WaitGroup
	logger log.Logger
}

func newTransacter(target string, connections, rate, keys int, method string) *transacter {
	return &transacter{
		target: target,
		rate:   rate,
		keys:   keys,
		method: method,
		conns:  make([]*benchConn, connections),
		quit:   make(chan struct{}),
		logger: log.NewNopLogger(),
	}
}

func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start 并发建立所有连接，全部成功后才开始发送
func (t *transacter) Start() error {
	var g errgroup.Group
	for i := range t.conns {
		i := i
		g.Go(func() error {
			c, err := dial(t.target)
			if err != nil {
				return errors.Wrapf(err, "dial %s (conn #%d)", t.target, i)
			}
			t.conns[i] = &benchConn{
				index:  i,
				conn:   c,
				rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
				logger: t.logger.With("conn", i, "addr", c.RemoteAddr()),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.closeConns()
		return err
	}

	for _, bc := range t.conns {
		t.wg.Add(2)
		go t.readLoop(bc)
		go t.writeLoop(bc)
	}
	return nil
}

// Stop 通知所有连接正常关闭并等待goroutine退出
func (t *transacter) Stop() {
	close(t.quit)
	t.wg.Wait()
	t.closeConns()
}

// Sent 所有连接成功写出的交易数
func (t *transacter) Sent() int64 {
	var total int64
	for _, bc := range t.conns {
		if bc != nil {
			total += atomic.LoadInt64(&bc.sent)
		}
	}
	return total
}

func (t *transacter) closeConns() {
	for _, bc := range t.conns {
		if bc != nil {
			bc.conn.Close()
		}
	}
}

// readLoop 丢弃响应，broadcast_tx只返回交易hash
func (t *transacter) readLoop(bc *benchConn) {
	defer t.wg.Done()
	for {
		if _, _, err := bc.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && atomic.LoadInt32(&bc.failed) == 0 {
				bc.logger.Error("failed to read response", "err", err)
			}
			return
		}
	}
}

func (t *transacter) writeLoop(bc *benchConn) {
	defer t.wg.Done()

	bc.conn.SetPingHandler(func(message string) error {
		err := bc.conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()
	seconds := time.NewTicker(time.Second)
	defer seconds.Stop()

	txNumber := 0
	for {
		select {
		case <-t.quit:
			bc.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := bc.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				bc.logger.Error("failed to write close message", "err", err)
			}
			return

		case <-pings.C:
			bc.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := bc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				bc.fail(errors.Wrap(err, "write ping"))
				return
			}

		case <-seconds.C:
			n, err := t.sendBurst(bc, txNumber)
			txNumber += n
			if err != nil {
				bc.fail(err)
				return
			}
		}
	}
}

// sendBurst 在一秒内尽量发送rate个交易，超过一秒就停下
func (t *transacter) sendBurst(bc *benchConn, first int) (int, error) {
	start := time.Now()
	deadline := start.Add(time.Second)

	n := 0
	for n < t.rate {
		req, err := broadcastRequest(t.method, generateTx(bc.rng, t.keys, bc.index, first+n))
		if err != nil {
			return n, err
		}
		bc.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		if err := bc.conn.WriteJSON(req); err != nil {
			return n, errors.Wrapf(err, "send tx #%d", first+n)
		}
		n++
		atomic.AddInt64(&bc.sent, 1)
		if n%5 == 0 && time.Now().After(deadline) {
			break
		}
	}
	bc.logger.Info(fmt.Sprintf("sent %d transactions", n), "took", time.Since(start))
	return n, nil
}

// fail 关闭底层连接，readLoop随之退出
func (bc *benchConn) fail(err error) {
	atomic.StoreInt32(&bc.failed, 1)
	bc.logger.Error("connection broken", "err", err)
	bc.conn.Close()
}

func dial(host string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return c, err
}

// broadcastRequest tx按base64编码，和rpc服务端对[]byte参数的解码一致
func broadcastRequest(method string, tx types.Tx) (jsonrpc.RPCRequest, error) {
	params, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(map[string][]byte{"tx": tx})
	if err != nil {
		return jsonrpc.RPCRequest{}, errors.Wrap(err, "encode params")
	}
	return jsonrpc.RPCRequest{
		JSONRPC: "2.0",
		ID:      jsonrpc.JSONRPCStringID("tm-bench"),
		Method:  method,
		Params:  json.RawMessage(params),
	}, nil
}

// generateTx 生成key=value交易，key在keys个之间随机选择
// value带上连接编号、交易编号和时间，避免被mempool的cache当作重复交易
func generateTx(rng *rand.Rand, keys, connIndex, txNumber int) types.Tx {
	key := fmt.Sprintf("bench-%d", rng.Intn(keys))
	value := fmt.Sprintf("%d-%d-%d", connIndex, txNumber, time.Now().UnixNano())
	return types.Tx(key + "=" + value)
}
