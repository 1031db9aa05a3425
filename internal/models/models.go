package models

// Config 结构体定义了网格控制器的所有配置参数
type Config struct {
	IsTestnet      bool   `json:"is_testnet"`      // 是否使用测试网
	DBPath         string `json:"db_path"`         // SQLite 数据库文件路径 (网格配置、成交记录、计数器)
	CheckpointPath string `json:"checkpoint_path"` // BadgerDB 目录, 用于保存每个网格的检查点
	PostgresDSN    string `json:"postgres_dsn"`    // 可选: 设置后使用 PostgreSQL 代替 SQLite

	Venue       string `json:"venue"`        // 执行场所: "binance" 或 "paper"
	PriceSource string `json:"price_source"` // 价格源: "binance", "binance_ws" 或 "jupiter"
	QuoteAsset  string `json:"quote_asset"`  // 价格源使用的统一计价资产, 如 "USDT"

	LiveAPIURL      string `json:"live_api_url"`
	LiveWSURL       string `json:"live_ws_url"`
	TestnetAPIURL   string `json:"testnet_api_url"`
	TestnetWSURL    string `json:"testnet_ws_url"`
	JupiterPriceURL string `json:"jupiter_price_url"`

	TickIntervalSec        int `json:"tick_interval_sec"`         // 轮询周期(秒)
	MaxParallelGrids       int `json:"max_parallel_grids"`        // 单个周期内并行处理的网格数上限
	ExecutionTimeoutSec    int `json:"execution_timeout_sec"`     // 单笔兑换执行的超时时间(秒)
	DefaultSlippageBps     int `json:"default_slippage_bps"`      // 默认滑点容忍度 (基点)
	PriceStaleSec          int `json:"price_stale_sec"`           // WebSocket 价格缓存的过期时间(秒)
	PriceFailureAlertTicks int `json:"price_failure_alert_ticks"` // 连续多少个周期取价失败后发出告警

	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping消息发送间隔(秒)
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong消息超时时间(秒)

	APIListenAddr string `json:"api_listen_addr"` // 管理接口监听地址, 为空则不启动

	Paper     PaperConfig  `json:"paper"`       // 模拟撮合配置 (paper 场所与回测共用)
	Grids     []GridParams `json:"grids"`       // 启动时写入的网格定义 (已存在的ID会被跳过)
	LogConfig LogConfig    `json:"log"`         // 日志配置
	BaseURL   string       `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string       `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// PaperConfig 定义了模拟撮合的参数
type PaperConfig struct {
	InitialBalances map[string]float64 `json:"initial_balances"` // 按代币符号的初始余额
	FeeRate         float64            `json:"fee_rate"`         // 手续费率, 从输出中扣除
	SlippageRate    float64            `json:"slippage_rate"`    // 模拟滑点率
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
