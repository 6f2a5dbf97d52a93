package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"gopkg.in/yaml.v3"
)

// DefaultDerivationPath 默认的 BIP-44 派生路径
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// ConfigFile YAML 配置文件结构
type ConfigFile struct {
	// TrackedAddress 被跟踪钱包地址（复制其交易）
	TrackedAddress string `yaml:"tracked_address"`

	// FunderAddress 资金地址（Polymarket 代理钱包，可选）
	FunderAddress string `yaml:"funder_address"`

	// RPCEndpoints RPC 节点列表（按优先级排列，失败时依次回退）
	RPCEndpoints []string `yaml:"rpc_endpoints"`

	// ClobHost CLOB API 地址
	ClobHost string `yaml:"clob_host"`

	// DataAPIHost 数据 API 地址（activity / positions）
	DataAPIHost string `yaml:"data_api_host"`

	// StreamHost 市场行情 WebSocket 地址
	StreamHost string `yaml:"stream_host"`

	// DataDir 账本数据目录
	DataDir string `yaml:"data_dir"`

	// Monitor 监控配置
	Monitor MonitorConfig `yaml:"monitor"`

	// Executor 执行器配置
	Executor ExecutorConfig `yaml:"executor"`

	// Engine 下单引擎配置
	Engine EngineConfig `yaml:"engine"`

	// Redeem 赎回配置
	Redeem RedeemConfig `yaml:"redeem"`

	// Tracker 指定市场模式配置
	Tracker TrackerConfig `yaml:"tracker"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`
}

// MonitorConfig 交易监控配置
type MonitorConfig struct {
	// Interval 轮询间隔
	Interval time.Duration `yaml:"interval"`
	// MaxAgeHours 只处理此小时数以内的交易
	MaxAgeHours int `yaml:"max_age_hours"`
	// ActivityLimit 每次拉取的活动条数
	ActivityLimit int `yaml:"activity_limit"`
}

// ExecutorConfig 交易执行器配置
type ExecutorConfig struct {
	// Interval 轮询间隔
	Interval time.Duration `yaml:"interval"`
	// ErrorBackoff 外层循环异常后的退避时间
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	// BatchSize 每个 tick 处理的最大交易数
	BatchSize int `yaml:"batch_size"`
	// RetryLimit 单笔交易的最大重试次数
	RetryLimit int `yaml:"retry_limit"`
	// TradeDelay 同一 tick 内相邻交易之间的间隔
	TradeDelay time.Duration `yaml:"trade_delay"`
	// RiskRatio 买入方向的复制比例系数
	RiskRatio float64 `yaml:"risk_ratio"`
	// CapRatio 余额占用上限（滑点/手续费缓冲）
	CapRatio float64 `yaml:"cap_ratio"`
	// CapTrigger 超过此余额占比才触发压缩
	CapTrigger float64 `yaml:"cap_trigger"`
	// DustThreshold 低于此金额的交易直接跳过（USDC）
	DustThreshold float64 `yaml:"dust_threshold"`
	// ResetAfterEmptyTicks 连续空 tick 数达到后重置瞬态失败记录
	ResetAfterEmptyTicks int `yaml:"reset_after_empty_ticks"`
}

// EngineConfig 下单引擎配置
type EngineConfig struct {
	// MaxRetries 引擎内部重试上限
	MaxRetries int `yaml:"max_retries"`
	// SlippageTolerance 买入滑点保护（美元）
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
	// MinOrderUSDC 交易所最小订单金额
	MinOrderUSDC float64 `yaml:"min_order_usdc"`
}

// RedeemConfig 赎回配置
type RedeemConfig struct {
	// Enabled 是否启用周期性赎回
	Enabled bool `yaml:"enabled"`
	// Interval 赎回扫描间隔
	Interval time.Duration `yaml:"interval"`
	// ClaimDelay 相邻赎回交易之间的间隔
	ClaimDelay time.Duration `yaml:"claim_delay"`
	// MaxAttempts 单笔赎回的最大尝试次数
	MaxAttempts int `yaml:"max_attempts"`
	// GasLimit 固定 gas 上限（不做估算）
	GasLimit uint64 `yaml:"gas_limit"`
	// MaxPriorityFeeGwei 小费上限（gwei）
	MaxPriorityFeeGwei int64 `yaml:"max_priority_fee_gwei"`
	// MaxFeeGwei 总费用上限（gwei）
	MaxFeeGwei int64 `yaml:"max_fee_gwei"`
	// ConfirmTimeout 等待确认的超时时间
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// TrackerConfig 指定市场模式配置
type TrackerConfig struct {
	// Interval 检查间隔
	Interval time.Duration `yaml:"interval"`
	// Threshold 概率阈值（超过则买入）
	Threshold float64 `yaml:"threshold"`
	// BetFraction 单次下注占钱包余额的比例
	BetFraction float64 `yaml:"bet_fraction"`
	// Markets 跟踪的市场列表
	Markets []TrackedMarket `yaml:"markets"`
}

// TrackedMarket 被跟踪的单个市场
type TrackedMarket struct {
	ConditionID string `yaml:"condition_id"`
	YesTokenID  string `yaml:"yes_token_id"`
	NoTokenID   string `yaml:"no_token_id"`
	Title       string `yaml:"title"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load 加载配置文件并应用默认值、环境变量覆盖和校验
func Load(path string) (*ConfigFile, error) {
	cfg := &ConfigFile{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖（COPYCAT_ 前缀）
func (c *ConfigFile) applyEnvOverrides() {
	if v := os.Getenv("COPYCAT_TRACKED_ADDRESS"); v != "" {
		c.TrackedAddress = v
	}
	if v := os.Getenv("COPYCAT_FUNDER_ADDRESS"); v != "" {
		c.FunderAddress = v
	}
	if v := os.Getenv("COPYCAT_RPC_ENDPOINTS"); v != "" {
		c.RPCEndpoints = splitAndTrim(v)
	}
	if v := os.Getenv("COPYCAT_CLOB_HOST"); v != "" {
		c.ClobHost = v
	}
	if v := os.Getenv("COPYCAT_DATA_API_HOST"); v != "" {
		c.DataAPIHost = v
	}
	if v := os.Getenv("COPYCAT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("COPYCAT_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.RetryLimit = n
		}
	}
	if v := os.Getenv("COPYCAT_RISK_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Executor.RiskRatio = f
		}
	}
	if v := os.Getenv("COPYCAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ApplyDefaults 填充默认值
func (c *ConfigFile) ApplyDefaults() {
	if c.ClobHost == "" {
		c.ClobHost = "https://clob.polymarket.com"
	}
	if c.DataAPIHost == "" {
		c.DataAPIHost = "https://data-api.polymarket.com"
	}
	if c.StreamHost == "" {
		c.StreamHost = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if len(c.RPCEndpoints) == 0 {
		c.RPCEndpoints = []string{
			"https://polygon-rpc.com",
			"https://polygon-bor-rpc.publicnode.com",
			"https://rpc.ankr.com/polygon",
		}
	}
	if c.DataDir == "" {
		c.DataDir = "data/ledger"
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 10 * time.Second
	}
	if c.Monitor.MaxAgeHours == 0 {
		c.Monitor.MaxAgeHours = 24
	}
	if c.Monitor.ActivityLimit == 0 {
		c.Monitor.ActivityLimit = 100
	}

	if c.Executor.Interval == 0 {
		c.Executor.Interval = 10 * time.Second
	}
	if c.Executor.ErrorBackoff == 0 {
		c.Executor.ErrorBackoff = 30 * time.Second
	}
	if c.Executor.BatchSize == 0 {
		c.Executor.BatchSize = 10
	}
	if c.Executor.RetryLimit == 0 {
		c.Executor.RetryLimit = 3
	}
	if c.Executor.TradeDelay == 0 {
		c.Executor.TradeDelay = 2 * time.Second
	}
	if c.Executor.RiskRatio == 0 {
		c.Executor.RiskRatio = 1.0
	}
	if c.Executor.CapRatio == 0 {
		c.Executor.CapRatio = 0.90
	}
	if c.Executor.CapTrigger == 0 {
		c.Executor.CapTrigger = 0.95
	}
	if c.Executor.DustThreshold == 0 {
		c.Executor.DustThreshold = 0.01
	}
	if c.Executor.ResetAfterEmptyTicks == 0 {
		c.Executor.ResetAfterEmptyTicks = 30
	}

	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 5
	}
	if c.Engine.SlippageTolerance == 0 {
		c.Engine.SlippageTolerance = 0.20
	}
	if c.Engine.MinOrderUSDC == 0 {
		c.Engine.MinOrderUSDC = 1.0
	}

	if c.Redeem.Interval == 0 {
		c.Redeem.Interval = 30 * time.Minute
	}
	if c.Redeem.ClaimDelay == 0 {
		c.Redeem.ClaimDelay = 3 * time.Second
	}
	if c.Redeem.MaxAttempts == 0 {
		c.Redeem.MaxAttempts = 3
	}
	if c.Redeem.GasLimit == 0 {
		c.Redeem.GasLimit = 300000
	}
	if c.Redeem.MaxPriorityFeeGwei == 0 {
		c.Redeem.MaxPriorityFeeGwei = 30
	}
	if c.Redeem.MaxFeeGwei == 0 {
		c.Redeem.MaxFeeGwei = 100
	}
	if c.Redeem.ConfirmTimeout == 0 {
		c.Redeem.ConfirmTimeout = 2 * time.Minute
	}

	if c.Tracker.Interval == 0 {
		c.Tracker.Interval = 15 * time.Second
	}
	if c.Tracker.Threshold == 0 {
		c.Tracker.Threshold = 0.91
	}
	if c.Tracker.BetFraction == 0 {
		c.Tracker.BetFraction = 0.10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 7
	}
}

// Validate 校验配置
func (c *ConfigFile) Validate() error {
	if c.TrackedAddress == "" {
		return fmt.Errorf("tracked_address 不能为空")
	}
	if !strings.HasPrefix(c.TrackedAddress, "0x") || len(c.TrackedAddress) != 42 {
		return fmt.Errorf("tracked_address 不是有效的以太坊地址: %s", c.TrackedAddress)
	}
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("rpc_endpoints 不能为空")
	}
	if c.Executor.CapRatio <= 0 || c.Executor.CapRatio > 1 {
		return fmt.Errorf("executor.cap_ratio 必须在 (0, 1] 区间: %f", c.Executor.CapRatio)
	}
	if c.Executor.RiskRatio <= 0 {
		return fmt.Errorf("executor.risk_ratio 必须大于 0: %f", c.Executor.RiskRatio)
	}
	if c.Tracker.Threshold <= 0 || c.Tracker.Threshold >= 1 {
		return fmt.Errorf("tracker.threshold 必须在 (0, 1) 区间: %f", c.Tracker.Threshold)
	}
	if c.Tracker.BetFraction <= 0 || c.Tracker.BetFraction > 1 {
		return fmt.Errorf("tracker.bet_fraction 必须在 (0, 1] 区间: %f", c.Tracker.BetFraction)
	}
	return nil
}

// LoadWallet 从环境变量加载签名私钥
// 优先使用 PRIVATE_KEY；否则从 MNEMONIC（+可选 DERIVATION_PATH）派生
func LoadWallet() (*ecdsa.PrivateKey, error) {
	if raw := strings.TrimSpace(os.Getenv("PRIVATE_KEY")); raw != "" {
		raw = strings.TrimPrefix(raw, "0x")
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("解析 PRIVATE_KEY 失败: %w", err)
		}
		return key, nil
	}

	mnemonic := strings.TrimSpace(os.Getenv("MNEMONIC"))
	if mnemonic == "" {
		return nil, fmt.Errorf("未设置 PRIVATE_KEY 或 MNEMONIC")
	}

	derivationPath := strings.TrimSpace(os.Getenv("DERIVATION_PATH"))
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}

	return DeriveKey(mnemonic, derivationPath)
}

// DeriveKey 从助记词派生私钥
func DeriveKey(mnemonic, derivationPath string) (*ecdsa.PrivateKey, error) {
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("无效的助记词: %w", err)
	}

	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("无效的派生路径: %w", err)
	}

	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("派生账户失败: %w", err)
	}

	key, err := w.PrivateKey(acct)
	if err != nil {
		return nil, fmt.Errorf("获取私钥失败: %w", err)
	}

	return key, nil
}
