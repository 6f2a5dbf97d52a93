// Package ledger 持久化交易台账：每条被观察到的交易一个文档，
// 外加仓位快照。台账是 Monitor 和 Executor 之间唯一的共享可变状态。
package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// 浮点字段的模糊去重精度
const dedupEpsilon = 1e-5

// TradeRecord 一条被跟踪钱包的交易事件。
// Processed / AttemptCount / Status 仅由 Executor 修改。
type TradeRecord struct {
	TxHash       string  `json:"txHash"`
	ConditionID  string  `json:"conditionId"`
	Asset        string  `json:"asset"`
	Side         string  `json:"side"` // BUY / SELL
	Size         float64 `json:"size"`
	Price        float64 `json:"price"`
	UsdcSize     float64 `json:"usdcSize"`
	Title        string  `json:"title"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	Timestamp    int64   `json:"timestamp"`

	Processed    bool   `json:"processed"`
	AttemptCount int    `json:"attemptCount"`
	Status       Status `json:"status,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// PositionSnapshot 某个 (钱包, condition) 的最新持仓。
// 外部状态，每个周期整体覆盖，不做增量维护。
type PositionSnapshot struct {
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	CurPrice     float64 `json:"curPrice"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	Title        string  `json:"title"`
	Redeemable   bool    `json:"redeemable"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// Store 基于 Badger 的台账存储，多地址共用一个 DB，按 key 前缀隔离
type Store struct {
	db *badger.DB
}

// Open 打开（或创建）台账数据库
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开台账数据库失败: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// For 返回绑定到某个被跟踪地址的台账视图
func (s *Store) For(addr string) *Ledger {
	return &Ledger{db: s.db, addr: strings.ToLower(addr)}
}

// Ledger 单个被跟踪地址的逻辑台账
type Ledger struct {
	db   *badger.DB
	addr string
}

func (l *Ledger) tradeKey(txHash string) []byte {
	return []byte("trade:" + l.addr + ":" + strings.ToLower(txHash))
}

func (l *Ledger) tradePrefix() []byte {
	return []byte("trade:" + l.addr + ":")
}

func (l *Ledger) positionKey(conditionID string) []byte {
	return []byte("position:" + l.addr + ":" + strings.ToLower(conditionID))
}

func (l *Ledger) positionPrefix() []byte {
	return []byte("position:" + l.addr + ":")
}

// PutTrade 写入一条交易记录（以 txHash 为主键，重复写入直接覆盖）
func (l *Ledger) PutTrade(rec *TradeRecord) error {
	if rec.TxHash == "" {
		return fmt.Errorf("ledger: txHash is required")
	}
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(l.tradeKey(rec.TxHash), val)
	})
}

// HasTrade 判断某个交易哈希是否已记录
func (l *Ledger) HasTrade(txHash string) (bool, error) {
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(l.tradeKey(txHash))
		if err == nil {
			found = true
			return nil
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	return found, err
}

// GetTrade 读取一条交易记录
func (l *Ledger) GetTrade(txHash string) (*TradeRecord, error) {
	var rec *TradeRecord
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(l.tradeKey(txHash))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var r TradeRecord
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			rec = &r
			return nil
		})
	})
	return rec, err
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < dedupEpsilon
}

// FindDuplicate 模糊去重：feed 偶尔会用不同的标识重发同一条交易，
// 时间戳、方向、资产、数量、价格、结果、condition 全部一致即视为重复。
func (l *Ledger) FindDuplicate(rec *TradeRecord) (bool, error) {
	dup := false
	err := l.iterateTrades(func(existing *TradeRecord) bool {
		if existing.Timestamp == rec.Timestamp &&
			existing.Side == rec.Side &&
			existing.Asset == rec.Asset &&
			floatEqual(existing.Size, rec.Size) &&
			floatEqual(existing.Price, rec.Price) &&
			existing.Outcome == rec.Outcome &&
			existing.ConditionID == rec.ConditionID {
			dup = true
			return false
		}
		return true
	})
	return dup, err
}

// iterateTrades 遍历本地址的全部交易记录，fn 返回 false 时提前终止
func (l *Ledger) iterateTrades(fn func(*TradeRecord) bool) error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = l.tradePrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec TradeRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if !fn(&rec) {
				return nil
			}
		}
		return nil
	})
}

// PendingTrades 返回最多 limit 条待处理记录，按原始时间戳升序。
// 待处理 = 未处理且重试次数未达上限。
func (l *Ledger) PendingTrades(limit, retryLimit int) ([]TradeRecord, error) {
	var pending []TradeRecord
	err := l.iterateTrades(func(rec *TradeRecord) bool {
		if !rec.Processed && rec.AttemptCount < retryLimit {
			pending = append(pending, *rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Timestamp < pending[j].Timestamp
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// mutateTrade 读取-修改-写回单条记录（单文档更新，无跨记录事务）
func (l *Ledger) mutateTrade(txHash string, fn func(*TradeRecord)) error {
	key := l.tradeKey(txHash)
	return l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return fmt.Errorf("读取交易记录失败 %s: %w", txHash, err)
		}
		var rec TradeRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		fn(&rec)
		rec.UpdatedAt = time.Now().Unix()

		val, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
}

// MarkSuccess 标记复制成功（终态）
func (l *Ledger) MarkSuccess(txHash string) error {
	return l.mutateTrade(txHash, func(rec *TradeRecord) {
		rec.Processed = true
		rec.Status = StatusSuccess
	})
}

// MarkTerminal 标记为不再重试的终态
func (l *Ledger) MarkTerminal(txHash string, status Status) error {
	return l.mutateTrade(txHash, func(rec *TradeRecord) {
		rec.Processed = true
		rec.Status = status
	})
}

// BumpAttempt 失败后递增重试计数，记录留待下个周期
func (l *Ledger) BumpAttempt(txHash string) error {
	return l.mutateTrade(txHash, func(rec *TradeRecord) {
		rec.AttemptCount++
	})
}

// ResetTrade 管理性重置：清零重试计数并重新开放处理
func (l *Ledger) ResetTrade(txHash string) error {
	return l.mutateTrade(txHash, func(rec *TradeRecord) {
		rec.Processed = false
		rec.AttemptCount = 0
		rec.Status = ""
	})
}

// ResetTransientFailures 把瞬态失败类记录重置为可处理，返回重置数量。
// 这是显式的活性机制：授权/余额类问题可能已被操作者修复。
func (l *Ledger) ResetTransientFailures() (int, error) {
	var hashes []string
	err := l.iterateTrades(func(rec *TradeRecord) bool {
		if rec.Processed && rec.Status.Transient() {
			hashes = append(hashes, rec.TxHash)
		} else if !rec.Processed && rec.AttemptCount > 0 {
			// 重试预算耗尽但未标记终态的记录一并复活
			hashes = append(hashes, rec.TxHash)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, h := range hashes {
		if err := l.mutateTrade(h, func(rec *TradeRecord) {
			rec.Processed = false
			rec.AttemptCount = 0
			rec.Status = ""
		}); err != nil {
			return 0, err
		}
	}
	return len(hashes), nil
}

// MarkAllProcessed 把当前所有未处理记录标记为已处理（skip_past_trades 模式）。
// 不会执行任何订单，只是让历史交易不再进入执行队列。
func (l *Ledger) MarkAllProcessed() (int, error) {
	var hashes []string
	err := l.iterateTrades(func(rec *TradeRecord) bool {
		if !rec.Processed {
			hashes = append(hashes, rec.TxHash)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, h := range hashes {
		if err := l.mutateTrade(h, func(rec *TradeRecord) {
			rec.Processed = true
			if rec.Status == "" {
				rec.Status = StatusPreExisting
			}
		}); err != nil {
			return 0, err
		}
	}
	return len(hashes), nil
}

// UpsertPosition 按 conditionID 覆盖仓位快照
func (l *Ledger) UpsertPosition(p *PositionSnapshot) error {
	if p.ConditionID == "" {
		return fmt.Errorf("ledger: conditionId is required")
	}
	p.UpdatedAt = time.Now().Unix()

	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("序列化仓位快照失败: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(l.positionKey(p.ConditionID), val)
	})
}

// Position 读取某个 condition 的仓位快照
func (l *Ledger) Position(conditionID string) (*PositionSnapshot, error) {
	var snap *PositionSnapshot
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(l.positionKey(conditionID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var p PositionSnapshot
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			snap = &p
			return nil
		})
	})
	return snap, err
}

// Positions 返回本地址的全部仓位快照
func (l *Ledger) Positions() ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = l.positionPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var p PositionSnapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}
