// Package stream 订阅 CLOB market 频道的实时行情，维护每个资产的
// 最优买卖价快照。连接断开时指数退避重连，消费方拿不到流数据时
// 应回退到 REST 轮询。
package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/copycat/pkg/logger"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 60 * time.Second
	pingInterval     = 10 * time.Second

	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second
)

// Quote 单个资产的盘口快照
type Quote struct {
	BestBid   float64
	BestAsk   float64
	UpdatedAt time.Time
}

// Client market 频道 WebSocket 客户端
type Client struct {
	url      string
	assetIDs []string

	mu     sync.RWMutex
	quotes map[string]Quote
	books  map[string]*bookState

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// bookState 按档位维护的订单簿镜像，用来从增量事件恢复最优价
type bookState struct {
	bids map[string]float64 // price -> size
	asks map[string]float64
}

// NewClient 创建行情客户端。assetIDs 是要订阅的 token id 列表。
func NewClient(url string, assetIDs []string) *Client {
	return &Client{
		url:      url,
		assetIDs: assetIDs,
		quotes:   make(map[string]Quote),
		books:    make(map[string]*bookState),
	}
}

// Quote 返回某个资产的最新盘口。第二个返回值表示是否有数据。
func (c *Client) Quote(assetID string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[assetID]
	return q, ok
}

// Prices 返回全部盘口快照的拷贝
func (c *Client) Prices() map[string]Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Quote, len(c.quotes))
	for k, v := range c.quotes {
		out[k] = v
	}
	return out
}

// Connected 返回当前连接状态
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// Run 维持连接直到 ctx 取消，断线后带上限的指数退避重连
func (c *Client) Run(ctx context.Context) {
	if len(c.assetIDs) == 0 {
		logger.Warnf("[stream] 没有订阅资产，行情流不启动")
		return
	}

	delay := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("[stream] 连接中断: %v，%s 后重连", err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// subscribeMessage market 频道的订阅请求
type subscribeMessage struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

func (c *Client) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setConn(conn, true)
	defer c.setConn(nil, false)

	sub := subscribeMessage{AssetIDs: c.assetIDs, Type: "market"}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	logger.Infof("[stream] 已订阅 %d 个资产的行情", len(c.assetIDs))

	// 服务端要求周期性的文本 PING，不发会被断开
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn, connected bool) {
	c.connMu.Lock()
	c.conn = conn
	c.connected = connected
	c.connMu.Unlock()
}

// marketEvent market 频道事件的公共字段
type marketEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Bids      []bookLevel     `json:"bids"`
	Asks      []bookLevel     `json:"asks"`
	Changes   []bookChange    `json:"changes"`
	Market    string          `json:"market"`
	Raw       json.RawMessage `json:"-"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

// handleMessage 解析一条消息。服务端既可能发单个事件也可能发事件数组，
// PONG 之类的非 JSON 消息直接忽略。
func (c *Client) handleMessage(data []byte) {
	if len(data) == 0 || data[0] == 'P' { // PONG
		return
	}

	if data[0] == '[' {
		var events []marketEvent
		if err := json.Unmarshal(data, &events); err != nil {
			logger.Debugf("[stream] 丢弃无法解析的消息: %v", err)
			return
		}
		for i := range events {
			c.applyEvent(&events[i])
		}
		return
	}

	var event marketEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logger.Debugf("[stream] 丢弃无法解析的消息: %v", err)
		return
	}
	c.applyEvent(&event)
}

func (c *Client) applyEvent(ev *marketEvent) {
	switch ev.EventType {
	case "book":
		c.applyBook(ev)
	case "price_change":
		c.applyChanges(ev)
	}
}

// applyBook 用全量快照重建订单簿镜像
func (c *Client) applyBook(ev *marketEvent) {
	book := &bookState{
		bids: make(map[string]float64, len(ev.Bids)),
		asks: make(map[string]float64, len(ev.Asks)),
	}
	for _, l := range ev.Bids {
		if size, err := strconv.ParseFloat(l.Size, 64); err == nil && size > 0 {
			book.bids[l.Price] = size
		}
	}
	for _, l := range ev.Asks {
		if size, err := strconv.ParseFloat(l.Size, 64); err == nil && size > 0 {
			book.asks[l.Price] = size
		}
	}

	c.mu.Lock()
	c.books[ev.AssetID] = book
	c.refreshQuoteLocked(ev.AssetID)
	c.mu.Unlock()
}

// applyChanges 把增量档位变化应用到镜像上。size 为 0 表示档位撤掉。
func (c *Client) applyChanges(ev *marketEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	book, ok := c.books[ev.AssetID]
	if !ok {
		// 还没收到快照，增量无从应用，等下一个 book 事件
		return
	}

	for _, ch := range ev.Changes {
		size, err := strconv.ParseFloat(ch.Size, 64)
		if err != nil {
			continue
		}
		side := book.bids
		if ch.Side == "SELL" {
			side = book.asks
		}
		if size <= 0 {
			delete(side, ch.Price)
		} else {
			side[ch.Price] = size
		}
	}
	c.refreshQuoteLocked(ev.AssetID)
}

// refreshQuoteLocked 从订单簿镜像重算最优价，调用方持有 c.mu
func (c *Client) refreshQuoteLocked(assetID string) {
	book, ok := c.books[assetID]
	if !ok {
		return
	}

	q := Quote{UpdatedAt: time.Now()}
	for p := range book.bids {
		if price, err := strconv.ParseFloat(p, 64); err == nil && price > q.BestBid {
			q.BestBid = price
		}
	}
	for p := range book.asks {
		price, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		if q.BestAsk == 0 || price < q.BestAsk {
			q.BestAsk = price
		}
	}
	c.quotes[assetID] = q
}
