package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Account   AccountConfig   `yaml:"account"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	History   HistoryConfig   `yaml:"history"`
	Server    ServerConfig    `yaml:"server"`
	Memory    MemoryConfig    `yaml:"memory"`
	Sentiment SentimentConfig `yaml:"sentiment"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Engine    EngineConfig    `yaml:"engine"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Watch     WatchConfig     `yaml:"watch"`
	Positions PositionsConfig `yaml:"positions"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Wake      WakeConfig      `yaml:"wake"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AccountConfig names the wallet whose positions and fills the daemon
// tracks. The daemon never signs anything, the address is read-only.
type AccountConfig struct {
	Address string `yaml:"address"`
}

type RESTConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MemoryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

type SentimentConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig points at the reasoning-engine endpoint the dispatcher
// wakes. Disabled leaves wakes recorded but answered by a no-op engine.
type EngineConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type DaemonConfig struct {
	Symbols              []string      `yaml:"symbols"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	PriceInterval        time.Duration `yaml:"price_interval"`
	DerivativesInterval  time.Duration `yaml:"derivatives_interval"`
	SentimentInterval    time.Duration `yaml:"sentiment_interval"`
	TriggerOrderInterval time.Duration `yaml:"trigger_order_interval"`
	ReviewInterval       time.Duration `yaml:"review_interval"`
	DecayInterval        time.Duration `yaml:"decay_interval"`
	ConflictInterval     time.Duration `yaml:"conflict_interval"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	EventBufferSize      int           `yaml:"event_buffer_size"`
}

type ScannerConfig struct {
	BufferSize           int           `yaml:"buffer_size"`
	DedupTTL             time.Duration `yaml:"dedup_ttl"`
	MinVolumeUSD         float64       `yaml:"min_volume_usd"`
	MinOpenInterestUSD   float64       `yaml:"min_open_interest_usd"`
	PriceMovePct5m       float64       `yaml:"price_move_pct_5m"`
	PriceMovePct15m      float64       `yaml:"price_move_pct_15m"`
	FundingExtreme       float64       `yaml:"funding_extreme"`
	OISurgePct           float64       `yaml:"oi_surge_pct"`
	OIWindow             time.Duration `yaml:"oi_window"`
	LiquidationSymbolUSD float64       `yaml:"liquidation_symbol_usd"`
	LiquidationGlobalUSD float64       `yaml:"liquidation_global_usd"`
	LiquidationWindow    time.Duration `yaml:"liquidation_window"`
	BookImbalanceSwing   float64       `yaml:"book_imbalance_swing"`
	MomentumBodyPct      float64       `yaml:"momentum_body_pct"`
	MomentumVolumeMult   float64       `yaml:"momentum_volume_mult"`
	NewsKeywords         []string      `yaml:"news_keywords"`
}

type WatchConfig struct {
	MaxActive     int           `yaml:"max_active"`
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	FearGreedLow  float64       `yaml:"fear_greed_low"`
}

type PositionsConfig struct {
	FillLookbackSlack time.Duration `yaml:"fill_lookback_slack"`
	ProximityPct      float64       `yaml:"proximity_pct"`
	DedupCap          int           `yaml:"dedup_cap"`
	ScalpLeverageMin  float64       `yaml:"scalp_leverage_min"`
	ScalpTiersPct     []float64     `yaml:"scalp_tiers_pct"`
	SwingTiersPct     []float64     `yaml:"swing_tiers_pct"`
	TierCooldown      time.Duration `yaml:"tier_cooldown"`
}

type BreakerConfig struct {
	MaxDailyLossUSD float64 `yaml:"max_daily_loss_usd"`
}

type WakeConfig struct {
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxPerHour int           `yaml:"max_per_hour"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RequestsPerSecond == 0 {
		cfg.REST.RequestsPerSecond = 10
	}
	if cfg.REST.Burst == 0 {
		cfg.REST.Burst = 20
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-sentinel-bot.db"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8790"
	}
	if cfg.Memory.Timeout == 0 {
		cfg.Memory.Timeout = 10 * time.Second
	}
	if cfg.Memory.RetryCount == 0 {
		cfg.Memory.RetryCount = 2
	}
	if cfg.Sentiment.BaseURL == "" {
		cfg.Sentiment.BaseURL = "https://api.alternative.me"
	}
	if cfg.Sentiment.Timeout == 0 {
		cfg.Sentiment.Timeout = 10 * time.Second
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = 2 * time.Minute
	}
	applyDaemonDefaults(&cfg.Daemon)
	applyScannerDefaults(&cfg.Scanner)
	applyWatchDefaults(&cfg.Watch)
	applyPositionsDefaults(&cfg.Positions)
	if cfg.Breaker.MaxDailyLossUSD == 0 {
		cfg.Breaker.MaxDailyLossUSD = 500
	}
	if cfg.Wake.Cooldown == 0 {
		cfg.Wake.Cooldown = 15 * time.Minute
	}
	if cfg.Wake.MaxPerHour == 0 {
		cfg.Wake.MaxPerHour = 6
	}
}

func applyDaemonDefaults(d *DaemonConfig) {
	if len(d.Symbols) == 0 {
		d.Symbols = []string{"BTC", "ETH", "SOL"}
	}
	if d.TickInterval == 0 {
		d.TickInterval = 10 * time.Second
	}
	if d.PriceInterval == 0 {
		d.PriceInterval = 30 * time.Second
	}
	if d.DerivativesInterval == 0 {
		d.DerivativesInterval = 60 * time.Second
	}
	if d.SentimentInterval == 0 {
		d.SentimentInterval = 30 * time.Minute
	}
	if d.TriggerOrderInterval == 0 {
		d.TriggerOrderInterval = 5 * time.Minute
	}
	if d.ReviewInterval == 0 {
		d.ReviewInterval = 4 * time.Hour
	}
	if d.DecayInterval == 0 {
		d.DecayInterval = 12 * time.Hour
	}
	if d.ConflictInterval == 0 {
		d.ConflictInterval = 15 * time.Minute
	}
	if d.HealthInterval == 0 {
		d.HealthInterval = time.Hour
	}
	if d.FlushInterval == 0 {
		d.FlushInterval = 5 * time.Minute
	}
	if d.EventBufferSize == 0 {
		d.EventBufferSize = 500
	}
}

func applyScannerDefaults(s *ScannerConfig) {
	if s.BufferSize == 0 {
		s.BufferSize = 360
	}
	if s.DedupTTL == 0 {
		s.DedupTTL = 30 * time.Minute
	}
	if s.MinVolumeUSD == 0 {
		s.MinVolumeUSD = 1_000_000
	}
	if s.MinOpenInterestUSD == 0 {
		s.MinOpenInterestUSD = 500_000
	}
	if s.PriceMovePct5m == 0 {
		s.PriceMovePct5m = 2.0
	}
	if s.PriceMovePct15m == 0 {
		s.PriceMovePct15m = 4.0
	}
	if s.FundingExtreme == 0 {
		s.FundingExtreme = 0.0008
	}
	if s.OISurgePct == 0 {
		s.OISurgePct = 10.0
	}
	if s.OIWindow == 0 {
		s.OIWindow = time.Hour
	}
	if s.LiquidationSymbolUSD == 0 {
		s.LiquidationSymbolUSD = 2_000_000
	}
	if s.LiquidationGlobalUSD == 0 {
		s.LiquidationGlobalUSD = 10_000_000
	}
	if s.LiquidationWindow == 0 {
		s.LiquidationWindow = time.Hour
	}
	if s.BookImbalanceSwing == 0 {
		s.BookImbalanceSwing = 0.6
	}
	if s.MomentumBodyPct == 0 {
		s.MomentumBodyPct = 1.5
	}
	if s.MomentumVolumeMult == 0 {
		s.MomentumVolumeMult = 3.0
	}
	if len(s.NewsKeywords) == 0 {
		s.NewsKeywords = []string{"hack", "exploit", "sec", "etf", "halt", "depeg"}
	}
}

func applyWatchDefaults(w *WatchConfig) {
	if w.MaxActive == 0 {
		w.MaxActive = 50
	}
	if w.DefaultExpiry == 0 {
		w.DefaultExpiry = 7 * 24 * time.Hour
	}
	if w.FearGreedLow == 0 {
		w.FearGreedLow = 20
	}
}

func applyPositionsDefaults(p *PositionsConfig) {
	if p.FillLookbackSlack == 0 {
		p.FillLookbackSlack = 2 * time.Minute
	}
	if p.ProximityPct == 0 {
		p.ProximityPct = 0.3
	}
	if p.DedupCap == 0 {
		p.DedupCap = 200
	}
	if p.ScalpLeverageMin == 0 {
		p.ScalpLeverageMin = 10
	}
	if len(p.ScalpTiersPct) == 0 {
		p.ScalpTiersPct = []float64{5, 10, 20}
	}
	if len(p.SwingTiersPct) == 0 {
		p.SwingTiersPct = []float64{10, 25, 50}
	}
	if p.TierCooldown == 0 {
		p.TierCooldown = 4 * time.Hour
	}
}

func validate(cfg *Config) error {
	if cfg.Account.Address == "" {
		cfg.Account.Address = os.Getenv("ACCOUNT_ADDRESS")
	}
	if cfg.Account.Address == "" {
		return errors.New("account.address is required (or set ACCOUNT_ADDRESS)")
	}
	if len(cfg.Daemon.Symbols) == 0 {
		return errors.New("daemon.symbols is required")
	}
	if cfg.Breaker.MaxDailyLossUSD <= 0 {
		return errors.New("breaker.max_daily_loss_usd must be > 0")
	}
	if cfg.Wake.MaxPerHour <= 0 {
		return errors.New("wake.max_per_hour must be > 0")
	}
	if cfg.Wake.Cooldown < 0 {
		return errors.New("wake.cooldown must be >= 0")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" && os.Getenv("HISTORY_DSN") == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if cfg.Memory.Enabled && cfg.Memory.BaseURL == "" {
		return errors.New("memory.base_url is required when memory is enabled")
	}
	if cfg.Engine.Enabled && cfg.Engine.BaseURL == "" {
		return errors.New("engine.base_url is required when engine is enabled")
	}
	if cfg.Positions.ProximityPct <= 0 {
		return errors.New("positions.proximity_pct must be > 0")
	}
	return nil
}
