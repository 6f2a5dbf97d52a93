package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	clobclient "github.com/betbot/copycat/clob/client"
	clobtypes "github.com/betbot/copycat/clob/types"
	"github.com/betbot/copycat/internal/chain"
	"github.com/betbot/copycat/internal/engine"
	"github.com/betbot/copycat/internal/executor"
	"github.com/betbot/copycat/internal/feed"
	"github.com/betbot/copycat/internal/ledger"
	"github.com/betbot/copycat/internal/monitor"
	"github.com/betbot/copycat/internal/redeem"
	"github.com/betbot/copycat/internal/stream"
	"github.com/betbot/copycat/internal/tracker"
	"github.com/betbot/copycat/pkg/config"
	"github.com/betbot/copycat/pkg/logger"
	"github.com/betbot/copycat/pkg/persistence"
	"github.com/betbot/copycat/pkg/shutdown"
	"github.com/betbot/copycat/pkg/syncgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	sellAll := flag.Bool("sell-all", false, "清仓模式：卖出全部持仓后退出")
	claimAll := flag.Bool("claim-all", false, "赎回模式：领取全部已结算仓位后退出")
	skipPastTrades := flag.Bool("skip-past-trades", false, "启动时把存量历史交易标记为已处理")
	trackSpecificMarkets := flag.Bool("track-specific-markets", false, "指定市场模式：不跟单，盯配置里的市场列表")
	flag.Parse()

	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	key, err := config.LoadWallet()
	if err != nil {
		logger.Errorf("加载钱包失败: %v", err)
		os.Exit(1)
	}
	eoa := crypto.PubkeyToAddress(key.PublicKey)

	// 资金地址：设置了 funder 说明用的是 Polymarket 代理钱包，
	// 余额、持仓、赎回都以代理地址为准
	owner := eoa
	if cfg.FunderAddress != "" {
		owner = common.HexToAddress(cfg.FunderAddress)
	}
	logger.Infof("签名地址 %s，资金地址 %s", eoa.Hex(), owner.Hex())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clob := clobclient.NewClient(cfg.ClobHost, clobtypes.ChainPolygon, key, nil)
	creds, err := clob.CreateOrDeriveAPIKey(ctx, nil)
	if err != nil {
		logger.Errorf("派生 API 凭证失败: %v", err)
		os.Exit(1)
	}
	clob.SetCreds(creds)
	logger.Infof("CLOB API 凭证就绪 key=%s", creds.Key)

	chainClient, err := chain.NewClient(cfg.RPCEndpoints, clobtypes.ChainPolygon, key)
	if err != nil {
		logger.Errorf("初始化链客户端失败: %v", err)
		os.Exit(1)
	}
	// 重启后的授权状态以链上为准
	chainClient.ClearAllowanceCache()

	feedClient := feed.NewClient(cfg.DataAPIHost)
	gateway := executor.NewGateway(clob, cfg.FunderAddress)
	eng := engine.New(clob, gateway, engine.Config{
		MaxRetries:        cfg.Engine.MaxRetries,
		SlippageTolerance: cfg.Engine.SlippageTolerance,
		MinOrderUSDC:      cfg.Engine.MinOrderUSDC,
	})

	persistSvc := persistence.NewJSONFileService(cfg.DataDir + "/state")
	redeemer := redeem.New(chainClient, feedClient, strings.ToLower(owner.Hex()), cfg.Redeem, persistSvc)

	// 一次性模式不需要台账
	if *sellAll {
		runSellAll(ctx, feedClient, eng, owner)
		return
	}
	if *claimAll {
		if err := redeemer.RunOnce(ctx); err != nil {
			logger.Errorf("赎回失败: %v", err)
			os.Exit(1)
		}
		logger.Infof("赎回完成")
		return
	}

	shutdownManager := shutdown.NewManager()
	sg := syncgroup.NewSyncGroup()

	if *trackSpecificMarkets {
		runTracker(ctx, cancel, cfg, clob, chainClient, eng, owner, sg, shutdownManager)
		return
	}

	// 跟单模式：monitor + executor（+ 可选 redeem 循环）
	store, err := ledger.Open(cfg.DataDir)
	if err != nil {
		logger.Errorf("打开台账失败: %v", err)
		os.Exit(1)
	}
	shutdownManager.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		if err := store.Close(); err != nil {
			logger.Errorf("关闭台账失败: %v", err)
		}
	})

	l := store.For(cfg.TrackedAddress)
	mon := monitor.New(feedClient, l, cfg.TrackedAddress, cfg.Monitor)

	if *skipPastTrades {
		// 先拉一次存量再整体标记，避免第一个轮询周期把历史交易放进执行队列
		if err := mon.Poll(ctx); err != nil {
			logger.Errorf("初始轮询失败: %v", err)
			os.Exit(1)
		}
		if _, err := mon.SkipPastTrades(); err != nil {
			logger.Errorf("跳过历史交易失败: %v", err)
			os.Exit(1)
		}
	}

	exec := executor.New(l, chainClient, eng, owner, common.HexToAddress(cfg.TrackedAddress), cfg.Executor, mon.Wake())

	sg.Add(func() { mon.Run(ctx) })
	sg.Add(func() { exec.Run(ctx) })
	if cfg.Redeem.Enabled {
		sg.Add(func() { redeemer.Run(ctx) })
	}
	sg.Run()

	waitForSignal(cancel)
	sg.WaitAndClear()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	shutdownManager.Shutdown(shutdownCtx)
	logger.Infof("退出")
}

// runSellAll 清仓模式：逐个卖出资金地址的全部持仓
func runSellAll(ctx context.Context, feedClient *feed.Client, eng *engine.Engine, owner common.Address) {
	positions, err := feedClient.Positions(ctx, strings.ToLower(owner.Hex()))
	if err != nil {
		logger.Errorf("获取持仓失败: %v", err)
		os.Exit(1)
	}

	sold := 0
	for _, p := range positions {
		size := p.Size.Float64()
		if size <= 0 || p.Redeemable {
			// 已结算的仓位走赎回而不是挂卖
			continue
		}
		logger.Infof("清仓 %s（%s）数量 %.4f", p.Title, p.Outcome, size)
		if _, err := eng.Liquidate(ctx, p.Asset, size); err != nil {
			logger.Errorf("清仓失败 %s: %v", p.Title, err)
			continue
		}
		sold++
	}
	logger.Infof("清仓完成，共卖出 %d 个仓位", sold)
}

// runTracker 指定市场模式
func runTracker(ctx context.Context, cancel context.CancelFunc, cfg *config.ConfigFile,
	clob *clobclient.Client, chainClient *chain.Client, eng *engine.Engine,
	owner common.Address, sg *syncgroup.SyncGroup, shutdownManager *shutdown.Manager) {

	if len(cfg.Tracker.Markets) == 0 {
		logger.Errorf("指定市场模式需要在配置里提供 tracker.markets")
		os.Exit(1)
	}

	marketStore := tracker.NewMarketStore(cfg.Tracker.Markets)
	assetIDs := make([]string, 0, len(cfg.Tracker.Markets)*2)
	for _, m := range cfg.Tracker.Markets {
		if m.YesTokenID != "" {
			assetIDs = append(assetIDs, m.YesTokenID)
		}
		if m.NoTokenID != "" {
			assetIDs = append(assetIDs, m.NoTokenID)
		}
	}

	quotes := stream.NewClient(cfg.StreamHost, assetIDs)
	tr := tracker.New(marketStore, quotes, clob, chainClient, eng, owner, cfg.Tracker)

	sg.Add(func() { quotes.Run(ctx) })
	sg.Add(func() { tr.Run(ctx) })
	sg.Run()

	waitForSignal(cancel)
	sg.WaitAndClear()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	shutdownManager.Shutdown(shutdownCtx)
	logger.Infof("退出")
}

// waitForSignal 阻塞等待 SIGINT/SIGTERM 后取消根 context
func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("收到信号 %s，开始退出", sig)
	cancel()
}
