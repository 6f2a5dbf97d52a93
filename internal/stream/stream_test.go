package stream

import (
	"testing"
)

func TestHandleMessage_BookSnapshot(t *testing.T) {
	c := NewClient("wss://example", []string{"tok1"})

	c.handleMessage([]byte(`{
		"event_type": "book",
		"asset_id": "tok1",
		"bids": [{"price": "0.48", "size": "100"}, {"price": "0.45", "size": "50"}],
		"asks": [{"price": "0.52", "size": "80"}, {"price": "0.55", "size": "40"}]
	}`))

	q, ok := c.Quote("tok1")
	if !ok {
		t.Fatalf("expected quote")
	}
	if q.BestBid != 0.48 || q.BestAsk != 0.52 {
		t.Fatalf("quote wrong: %+v", q)
	}
}

func TestHandleMessage_EventArray(t *testing.T) {
	c := NewClient("wss://example", []string{"tok1", "tok2"})

	c.handleMessage([]byte(`[
		{"event_type": "book", "asset_id": "tok1", "asks": [{"price": "0.52", "size": "80"}], "bids": []},
		{"event_type": "book", "asset_id": "tok2", "asks": [{"price": "0.30", "size": "10"}], "bids": []}
	]`))

	if _, ok := c.Quote("tok1"); !ok {
		t.Fatalf("tok1 quote missing")
	}
	if q, ok := c.Quote("tok2"); !ok || q.BestAsk != 0.30 {
		t.Fatalf("tok2 quote wrong")
	}
}

// 增量事件更新最优价；size 0 撤档
func TestHandleMessage_PriceChange(t *testing.T) {
	c := NewClient("wss://example", []string{"tok1"})

	c.handleMessage([]byte(`{
		"event_type": "book",
		"asset_id": "tok1",
		"bids": [{"price": "0.48", "size": "100"}],
		"asks": [{"price": "0.52", "size": "80"}]
	}`))

	// 更优的卖档出现
	c.handleMessage([]byte(`{
		"event_type": "price_change",
		"asset_id": "tok1",
		"changes": [{"price": "0.51", "side": "SELL", "size": "20"}]
	}`))
	if q, _ := c.Quote("tok1"); q.BestAsk != 0.51 {
		t.Fatalf("expected best ask 0.51, got %v", q.BestAsk)
	}

	// 撤掉 0.51 档后回到 0.52
	c.handleMessage([]byte(`{
		"event_type": "price_change",
		"asset_id": "tok1",
		"changes": [{"price": "0.51", "side": "SELL", "size": "0"}]
	}`))
	if q, _ := c.Quote("tok1"); q.BestAsk != 0.52 {
		t.Fatalf("expected best ask back to 0.52, got %v", q.BestAsk)
	}
}

// 没有快照之前的增量被忽略
func TestHandleMessage_ChangeBeforeSnapshot(t *testing.T) {
	c := NewClient("wss://example", []string{"tok1"})

	c.handleMessage([]byte(`{
		"event_type": "price_change",
		"asset_id": "tok1",
		"changes": [{"price": "0.51", "side": "SELL", "size": "20"}]
	}`))
	if _, ok := c.Quote("tok1"); ok {
		t.Fatalf("quote should not exist before snapshot")
	}
}

// PONG 和乱码不会让读循环崩
func TestHandleMessage_Garbage(t *testing.T) {
	c := NewClient("wss://example", []string{"tok1"})
	c.handleMessage([]byte("PONG"))
	c.handleMessage([]byte(""))
	c.handleMessage([]byte("{not json"))
	c.handleMessage([]byte("[{]"))
}
