package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mt5-cycles-bot-go/internal/broker"
	"mt5-cycles-bot-go/internal/config"
	"mt5-cycles-bot-go/internal/cycles"
	"mt5-cycles-bot-go/internal/downloader"
	"mt5-cycles-bot-go/internal/engine"
	"mt5-cycles-bot-go/internal/logger"
	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/persistence"
	"mt5-cycles-bot-go/internal/pocketbase"
	"mt5-cycles-bot-go/internal/reporter"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or replay")
	dataPath := flag.String("data", "", "path to historical data file for replay")
	symbol := flag.String("symbol", "", "symbol to download for replay (e.g., PAXGUSDT)")
	startDate := flag.String("start", "", "start date for replay download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for replay download (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志, 加载配置后再按配置重建
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLiveMode(cfg)
	case "replay":
		finalDataPath, err := handleReplayData(*symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		runReplayMode(cfg, finalDataPath)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'replay'。", *mode)
	}
}

// handleReplayData 准备回放数据: 按参数下载或直接使用给定文件。
func handleReplayData(symbol, startDate, endDate, dataPath string) (string, error) {
	shouldDownload := symbol != "" && startDate != "" && endDate != ""

	if shouldDownload {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}

		if _, err := os.Stat("data"); os.IsNotExist(err) {
			if err := os.Mkdir("data", 0755); err != nil {
				return "", fmt.Errorf("创建 data 目录失败: %v", err)
			}
		}

		dl := downloader.NewKlineDownloader()
		fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
		logger.S().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startDate, endDate)

		if err := dl.DownloadKlines(symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %v", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("回放模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}

// runLiveMode 连接真实的 MT5 桥接器和 PocketBase 运行。
func runLiveMode(cfg *models.Config) {
	logger.S().Info("--- 启动实时交易模式 ---")

	// PocketBase 凭据从环境变量读取
	pbIdentity := os.Getenv("POCKETBASE_IDENTITY")
	pbPassword := os.Getenv("POCKETBASE_PASSWORD")

	pb := pocketbase.NewClient(cfg.PocketBaseURL, logger.L())
	if pbIdentity != "" && pbPassword != "" {
		if err := pb.AuthWithPassword("users", pbIdentity, pbPassword); err != nil {
			logger.S().Fatalf("PocketBase 认证失败: %v", err)
		}
		logger.S().Info("PocketBase 认证成功。")
	} else {
		logger.S().Warn("未设置 POCKETBASE_IDENTITY/POCKETBASE_PASSWORD, 以匿名方式访问。")
	}

	b := broker.NewBridgeBroker(cfg.BridgeURL,
		time.Duration(cfg.BridgeCallTimeoutMs)*time.Millisecond, logger.L())
	defer b.Close()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开本地数据库失败: %v", err)
	}
	defer repo.Close()

	cycleMgr := cycles.NewManager(cfg, logger.S())
	tracker := cycles.NewLossTracker(cfg)
	syncer := engine.NewSyncer(cfg, logger.S(), pb, repo, cycleMgr, tracker)

	if err := syncer.Restore(); err != nil {
		logger.S().Warnf("无法恢复本地状态: %v，将以全新状态启动。", err)
	}

	eng := engine.NewEngine(cfg, logger.S(), b, cycleMgr, tracker, syncer)
	rep := reporter.New(cfg, logger.S(), cycleMgr, tracker)

	metrics.Serve(cfg.MetricsAddr, logger.L())

	eng.Start()
	rep.Start()

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	rep.Stop()
	eng.Stop()
	logger.S().Info("机器人已成功停止，状态已保存。")
}

// runReplayMode 用历史K线驱动模拟经纪商走一遍完整策略。
func runReplayMode(cfg *models.Config, dataPath string) {
	logger.S().Info("--- 启动回放模式 ---")

	spread := cfg.PipValue * 2 // 合成点差: 2 pips
	ticks, err := downloader.LoadTicks(dataPath, spread)
	if err != nil {
		logger.S().Fatalf("加载回放数据失败: %v", err)
	}
	if len(ticks) == 0 {
		logger.S().Fatal("回放数据为空。")
	}

	sim := broker.NewSimBroker(cfg.Symbol, 100)
	pb := pocketbase.NewMemoryGateway()

	cycleMgr := cycles.NewManager(cfg, logger.S())
	tracker := cycles.NewLossTracker(cfg)
	syncer := engine.NewSyncer(cfg, logger.S(), pb, nil, cycleMgr, tracker)
	eng := engine.NewEngine(cfg, logger.S(), sim, cycleMgr, tracker, syncer)
	rep := reporter.New(cfg, logger.S(), cycleMgr, tracker)

	logger.S().Infof("开始回放 %d 条报价 (%s 到 %s)...", len(ticks),
		ticks[0].Time.Format("2006-01-02 15:04"),
		ticks[len(ticks)-1].Time.Format("2006-01-02 15:04"))

	for _, tick := range ticks {
		sim.SetTick(tick.Bid, tick.Ask, tick.Time)
		eng.ProcessTick()
	}

	logger.S().Info("回放结束。")
	rep.Report()

	if err := syncer.Flush(); err != nil {
		logger.S().Warnf("回放结果同步失败: %v", err)
	}
}
