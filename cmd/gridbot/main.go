package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"swap-grid-bot-go/internal/api"
	"swap-grid-bot-go/internal/backtest"
	"swap-grid-bot-go/internal/config"
	"swap-grid-bot-go/internal/controller"
	"swap-grid-bot-go/internal/downloader"
	"swap-grid-bot-go/internal/exchange"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/logger"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/persistence"
	"swap-grid-bot-go/internal/pricefeed"
	"swap-grid-bot-go/internal/reporter"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage"
	"swap-grid-bot-go/internal/storage/postgres"
	"swap-grid-bot-go/internal/storage/sqlite"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type cliFlags struct {
	configPath string
	mode       string
	dataPath   string
	symbol     string
	interval   string
	startDate  string
	endDate    string
	gridID     string
	paramsPath string
	lower      float64
	upper      float64
	levels     int
}

func main() {
	// --- 命令行参数定义 ---
	f := cliFlags{}
	flag.StringVar(&f.configPath, "config", "config.json", "path to the config file")
	flag.StringVar(&f.mode, "mode", "live", "running mode: live, backtest, download, summary, create, edit or delete")
	flag.StringVar(&f.dataPath, "data", "", "path to historical kline CSV for backtesting")
	flag.StringVar(&f.symbol, "symbol", "", "symbol to download or backtest (e.g., SOLUSDT)")
	flag.StringVar(&f.interval, "interval", "1m", "kline interval for downloads")
	flag.StringVar(&f.startDate, "start", "", "start date (YYYY-MM-DD)")
	flag.StringVar(&f.endDate, "end", "", "end date (YYYY-MM-DD)")
	flag.StringVar(&f.gridID, "grid", "", "grid ID for edit and delete")
	flag.StringVar(&f.paramsPath, "params", "", "JSON file with grid parameters for create")
	flag.Float64Var(&f.lower, "lower", 0, "new lower limit for edit")
	flag.Float64Var(&f.upper, "upper", 0, "new upper limit for edit")
	flag.IntVar(&f.levels, "levels", 0, "new level count for edit")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	ctx := context.Background()
	switch f.mode {
	case "live":
		err = runLiveMode(ctx, cfg)
	case "backtest":
		err = runBacktestMode(ctx, cfg, f)
	case "download":
		_, err = downloadKlines(ctx, cfg, f)
	case "summary":
		err = runSummary(ctx, cfg)
	case "create", "edit", "delete":
		err = runAdmin(ctx, cfg, f)
	default:
		err = fmt.Errorf("未知的运行模式: %s", f.mode)
	}
	if err != nil {
		var ce *models.ConfigError
		if errors.As(err, &ce) {
			fmt.Fprintf(os.Stderr, "网格参数非法: %s: %s\n", ce.Field, ce.Reason)
		}
		logger.S().Errorf("%s 模式执行失败: %v", f.mode, err)
		logger.Sync()
		os.Exit(1)
	}
}

// openStore 根据配置打开 PostgreSQL 或 SQLite 存储
func openStore(ctx context.Context, cfg *models.Config) (storage.Store, error) {
	if cfg.PostgresDSN != "" {
		logger.S().Info("使用 PostgreSQL 存储。")
		return postgres.Open(ctx, cfg.PostgresDSN)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}
	return sqlite.Open(cfg.DBPath)
}

// backend 是离线命令与 live 模式共用的持久化与状态组件
type backend struct {
	store       storage.Store
	checkpoints persistence.CheckpointRepository
	states      *statemanager.StateManager
}

func openBackend(ctx context.Context, cfg *models.Config) (*backend, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	checkpoints, err := persistence.NewBadgerRepository(cfg.CheckpointPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &backend{store: store, checkpoints: checkpoints, states: statemanager.NewStateManager(logger.L())}, nil
}

func (b *backend) Close() {
	if err := b.checkpoints.Close(); err != nil {
		logger.S().Warnf("关闭检查点存储失败: %v", err)
	}
	if err := b.store.Close(); err != nil {
		logger.S().Warnf("关闭存储失败: %v", err)
	}
}

// buildPriceSource 根据配置创建价格源。返回的 stop 用于关闭后台连接。
func buildPriceSource(cfg *models.Config) (exchange.PriceSource, func()) {
	switch cfg.PriceSource {
	case config.PriceSourceBinanceWS:
		stream := pricefeed.NewStreamPriceSource(pricefeed.StreamConfig{
			BaseURL:      cfg.WSBaseURL,
			QuoteAsset:   cfg.QuoteAsset,
			StaleAfter:   time.Duration(cfg.PriceStaleSec) * time.Second,
			PingInterval: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
			PongTimeout:  time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		}, logger.L())
		stream.Start()
		return stream, stream.Stop
	case config.PriceSourceJupiter:
		return pricefeed.NewJupiterPriceSource(cfg.JupiterPriceURL, 10*time.Second, logger.L()), func() {}
	default:
		return exchange.NewBinancePriceSource(cfg.BaseURL, cfg.QuoteAsset, logger.L()), func() {}
	}
}

// buildVenue 创建执行场所。paper 场所通过包装价格源获取真实行情。
func buildVenue(ctx context.Context, cfg *models.Config, prices exchange.PriceSource) (exchange.Venue, exchange.PriceSource, error) {
	if cfg.Venue == config.VenuePaper {
		logger.S().Info("使用模拟撮合场所 (paper)。")
		paper := exchange.NewPaperVenue(cfg.Paper)
		return paper, paper.MirrorPrices(prices), nil
	}

	// 从环境变量加载API密钥
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return nil, nil, errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}
	venue := exchange.NewBinanceVenue(apiKey, secretKey, cfg.BaseURL, logger.L())
	if _, err := venue.SyncTime(ctx); err != nil {
		return nil, nil, err
	}
	return venue, prices, nil
}

// runLiveMode 运行实时网格控制器
func runLiveMode(ctx context.Context, cfg *models.Config) error {
	logger.S().Info("--- 启动实时交易模式 ---")

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	rawPrices, stopPrices := buildPriceSource(cfg)
	defer stopPrices()
	venue, prices, err := buildVenue(ctx, cfg, rawPrices)
	if err != nil {
		return err
	}

	ctrl := controller.New(controller.OptionsFromConfig(cfg), b.states, prices, venue, b.store, b.checkpoints, logger.L())
	if err := ctrl.Reconcile(ctx); err != nil {
		return err
	}
	if err := ctrl.SeedGrids(ctx, cfg.Grids); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl.Start(runCtx)

	var server *api.Server
	if cfg.APIListenAddr != "" {
		server = api.NewServer(ctrl, cfg.APIListenAddr, logger.L())
		go func() {
			if err := server.Start(); err != nil {
				logger.L().Error("管理接口异常退出", zap.Error(err))
			}
		}()
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("收到退出信号，等待当前周期结束...")

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.S().Warnf("关闭管理接口失败: %v", err)
		}
		cancelShutdown()
	}
	ctrl.Stop()
	cancel()
	logger.S().Info("控制器已成功停止。")
	return nil
}

// downloadKlines 下载K线到 data 目录，文件已存在时直接复用
func downloadKlines(ctx context.Context, cfg *models.Config, f cliFlags) (string, error) {
	if f.symbol == "" || f.startDate == "" || f.endDate == "" {
		return "", errors.New("下载需要 --symbol, --start 和 --end 参数")
	}
	startTime, err1 := time.Parse("2006-01-02", f.startDate)
	endTime, err2 := time.Parse("2006-01-02", f.endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	if err := os.MkdirAll("data", 0755); err != nil {
		return "", fmt.Errorf("创建 data 目录失败: %w", err)
	}
	fileName := downloader.FileName("data", f.symbol, startTime, endTime)
	logger.S().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", f.symbol, f.startDate, f.endDate)

	d := downloader.NewKlineDownloader(cfg.BaseURL, logger.L())
	if err := d.DownloadKlines(ctx, f.symbol, f.interval, fileName, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return fileName, nil
}

// runBacktestMode 在历史K线上回测配置文件中与交易对匹配的网格
func runBacktestMode(ctx context.Context, cfg *models.Config, f cliFlags) error {
	logger.S().Info("--- 启动回测模式 ---")

	dataPath := f.dataPath
	if f.symbol != "" && f.startDate != "" && f.endDate != "" {
		path, err := downloadKlines(ctx, cfg, f)
		if err != nil {
			return err
		}
		dataPath = path
	}
	if dataPath == "" {
		return errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}

	symbol := f.symbol
	if symbol == "" {
		symbol = extractSymbolFromPath(dataPath)
	}
	params := gridsForSymbol(cfg.Grids, symbol)
	if len(params) == 0 {
		return fmt.Errorf("配置文件中没有交易对为 %s 的网格", symbol)
	}

	file, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	klines, skipped, err := backtest.ReadKlines(file)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.S().Warnf("跳过了 %d 条无法解析的K线", skipped)
	}

	result, err := backtest.NewRunner(cfg, logger.L()).Run(ctx, klines, params)
	if err != nil {
		return err
	}
	reporter.GenerateReport(os.Stdout, result.Metrics, dataPath)
	fmt.Println(reporter.RenderSummary(result.Snapshots, nil))
	return nil
}

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/SOLUSDT-2025-03-15-2025-06-15.csv" -> "SOLUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.Split(name, "-")[0]
}

// gridsForSymbol 返回源代币与目标代币拼接后等于 symbol 的网格
func gridsForSymbol(grids []models.GridParams, symbol string) []models.GridParams {
	var out []models.GridParams
	for _, g := range grids {
		if strings.EqualFold(g.SourceToken.ID+g.TargetToken.ID, symbol) {
			out = append(out, g)
		}
	}
	return out
}

// offlineController 为离线命令恢复状态。离线命令不取价也不执行兑换。
func offlineController(ctx context.Context, cfg *models.Config, b *backend) (*controller.Controller, error) {
	ctrl := controller.New(controller.OptionsFromConfig(cfg), b.states, nil, nil, b.store, b.checkpoints, logger.L())
	if err := ctrl.Reconcile(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// runSummary 打印所有网格的状态表
func runSummary(ctx context.Context, cfg *models.Config) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ctrl, err := offlineController(ctx, cfg, b)
	if err != nil {
		return err
	}
	snapshots := ctrl.Snapshots()
	counters := make(map[string]*models.Counters, len(snapshots))
	for _, s := range snapshots {
		c, err := ctrl.Counters(ctx, s.Config.ID)
		if err != nil {
			return err
		}
		counters[s.Config.ID] = c
	}
	fmt.Println(reporter.RenderSummary(snapshots, counters))
	return nil
}

// runAdmin 执行 create / edit / delete。运行中的实例请使用管理接口。
func runAdmin(ctx context.Context, cfg *models.Config, f cliFlags) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ctrl, err := offlineController(ctx, cfg, b)
	if err != nil {
		return err
	}

	switch f.mode {
	case "create":
		params, err := readGridParams(f.paramsPath)
		if err != nil {
			return err
		}
		created, err := ctrl.CreateGrid(ctx, params)
		if err != nil {
			return err
		}
		fmt.Printf("网格已创建: %s (%s, %g - %g, %d 层)\n", created.ID, created.Pair(), created.LowerLimit, created.UpperLimit, created.LevelCount)
	case "edit":
		if f.gridID == "" {
			return errors.New("edit 需要 --grid 参数")
		}
		snap, err := ctrl.UpdateGridRange(ctx, f.gridID, grid.RangeEdit{LowerLimit: f.lower, UpperLimit: f.upper, LevelCount: f.levels})
		if err != nil {
			return err
		}
		fmt.Printf("网格 %s 区间已更新: %g - %g, %d 层, 当前层级 %d\n",
			f.gridID, snap.Config.LowerLimit, snap.Config.UpperLimit, snap.Config.LevelCount, snap.State.CurrentLevel)
	case "delete":
		if f.gridID == "" {
			return errors.New("delete 需要 --grid 参数")
		}
		if err := ctrl.DeleteGrid(ctx, f.gridID); err != nil {
			return err
		}
		fmt.Printf("网格 %s 已删除\n", f.gridID)
	}
	return nil
}

func readGridParams(path string) (models.GridParams, error) {
	var params models.GridParams
	if path == "" {
		return params, errors.New("create 需要 --params 参数指定网格参数JSON文件")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return params, err
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("解析网格参数 %s 失败: %w", path, err)
	}
	return params, nil
}
