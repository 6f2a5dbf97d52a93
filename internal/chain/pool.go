package chain

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/betbot/copycat/pkg/logger"
)

// 单个节点连续失败超过该次数后被跳过，直到整轮遍历完成
const maxEndpointFailures = 3

// Pool 带故障切换的 RPC 节点池。
// 按配置顺序使用节点；当前节点累计失败过多就切到下一个，
// 所有节点都被跳过时清零计数从头再来（没有更好的选择）。
type Pool struct {
	mu        sync.Mutex
	endpoints []string
	failures  []int
	idx       int
	client    *ethclient.Client
}

// NewPool 创建节点池，urls 按优先级排列
func NewPool(urls []string) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain: at least one RPC endpoint is required")
	}
	return &Pool{
		endpoints: urls,
		failures:  make([]int, len(urls)),
	}, nil
}

// Client 返回当前节点的连接，必要时建立连接。
// 地址都是十六进制，不做任何名称解析。
func (p *Pool) Client() (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	return p.dialLocked()
}

func (p *Pool) dialLocked() (*ethclient.Client, error) {
	start := p.idx
	for {
		if p.failures[p.idx] <= maxEndpointFailures {
			client, err := ethclient.Dial(p.endpoints[p.idx])
			if err == nil {
				p.client = client
				logger.Debugf("[chain] 使用 RPC 节点 %s", p.endpoints[p.idx])
				return client, nil
			}
			p.failures[p.idx]++
			logger.Warnf("[chain] 连接 RPC 节点失败 %s: %v", p.endpoints[p.idx], err)
		}

		p.idx = (p.idx + 1) % len(p.endpoints)
		if p.idx == start {
			// 整轮都不可用，清零计数再试一遍
			for i := range p.failures {
				p.failures[i] = 0
			}
			client, err := ethclient.Dial(p.endpoints[p.idx])
			if err != nil {
				return nil, fmt.Errorf("所有 RPC 节点均不可用: %w", err)
			}
			p.client = client
			return client, nil
		}
	}
}

// MarkFailure 记录当前节点一次失败，超过阈值则切换到下一个节点
func (p *Pool) MarkFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures[p.idx]++
	if p.failures[p.idx] > maxEndpointFailures {
		logger.Warnf("[chain] RPC 节点 %s 失败 %d 次，切换下一个", p.endpoints[p.idx], p.failures[p.idx])
		p.rotateLocked()
	}
}

// Rotate 立即切换到下一个节点（RPC 类错误的显式回退）
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotateLocked()
}

func (p *Pool) rotateLocked() {
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.idx = (p.idx + 1) % len(p.endpoints)
	if p.idx == 0 {
		// 回绕时给所有节点新的机会
		for i := range p.failures {
			p.failures[i] = 0
		}
	}
}

// Current 返回当前节点 URL（日志用）
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.idx]
}
