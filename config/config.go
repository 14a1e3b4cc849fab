package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// Execution modes.
const (
	ModePaper = "paper" // simulated chain, nothing leaves the process
	ModeLive  = "live"  // real balances over RPC; transfers need a signer
)

// Config es la configuración completa de la tesorería.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Wallets      []WalletConfig     `yaml:"wallets"`
	Risk         RiskConfig         `yaml:"risk"`
	Distribution DistributionConfig `yaml:"distribution"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Paper        PaperConfig        `yaml:"paper"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig controla el endpoint de Prometheus del comando run.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // "" desactiva el endpoint
}

// ExecutionConfig selecciona de dónde salen balances y ejecuciones.
type ExecutionConfig struct {
	Mode          string        `yaml:"mode"` // paper | live
	RPCURL        string        `yaml:"rpc_url"`
	RPCRatePerSec float64       `yaml:"rpc_rate_per_sec"`
	Mints         []string      `yaml:"mints"`           // assets reportados además del nativo
	MaxBalanceAge time.Duration `yaml:"max_balance_age"` // 0 = sin límite
}

// MultisigConfig describe los firmantes de una wallet.
type MultisigConfig struct {
	Signers   []string `yaml:"signers"`
	Threshold int      `yaml:"threshold"`
}

// WalletConfig es una wallet gestionada con su objetivo de asignación.
type WalletConfig struct {
	Role             string          `yaml:"role"`
	Address          string          `yaml:"address"`
	TargetPct        float64         `yaml:"target_pct"`
	MinBalance       int64           `yaml:"min_balance"`
	MaxBalance       int64           `yaml:"max_balance"`
	RequiresMultisig bool            `yaml:"requires_multisig"`
	Multisig         *MultisigConfig `yaml:"multisig"`
}

// RiskConfig son los límites de trading. Los campos ausentes del YAML
// conservan domain.DefaultRiskLimits; un cero explícito es un cero.
type RiskConfig struct {
	MaxPositionSizePct   float64       `yaml:"max_position_size_pct"`
	MaxTotalExposurePct  float64       `yaml:"max_total_exposure_pct"`
	MaxSingleAssetPct    float64       `yaml:"max_single_asset_pct"`
	MaxDailyLossPct      float64       `yaml:"max_daily_loss_pct"`
	MaxWeeklyLossPct     float64       `yaml:"max_weekly_loss_pct"`
	MaxMonthlyLossPct    float64       `yaml:"max_monthly_loss_pct"`
	MaxTradesPerDay      int           `yaml:"max_trades_per_day"`
	MaxTradesPerHour     int           `yaml:"max_trades_per_hour"`
	MinTradeInterval     time.Duration `yaml:"min_trade_interval"`
	MaxSlippageBps       int           `yaml:"max_slippage_bps"`
	MaxPriceImpactPct    float64       `yaml:"max_price_impact_pct"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	AutoResetHours       float64       `yaml:"auto_reset_hours"`
}

// DistributionConfig controla el reparto semanal de beneficios.
type DistributionConfig struct {
	StakingPct     float64           `yaml:"staking_pct"`
	OperationsPct  float64           `yaml:"operations_pct"`
	DevelopmentPct float64           `yaml:"development_pct"`
	Addresses      map[string]string `yaml:"addresses"` // role → address
	Weekday        string            `yaml:"weekday"`   // sunday … saturday
	Hour           int               `yaml:"hour"`      // UTC
	MinAmount      int64             `yaml:"min_amount"`
}

// SchedulerConfig son los cron specs (con campo de segundos) de los jobs.
type SchedulerConfig struct {
	DistributionSpec   string  `yaml:"distribution_spec"`
	PeriodSpec         string  `yaml:"period_spec"`
	RebalanceSpec      string  `yaml:"rebalance_spec"`
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
	AutoRebalance      bool    `yaml:"auto_rebalance"`
}

// PaperConfig siembra la cadena simulada.
type PaperConfig struct {
	Balances map[string]int64   `yaml:"balances"` // address → native balance
	Prices   map[string]float64 `yaml:"prices"`   // asset → sell multiplier
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodifica YAML, aplica overrides de entorno y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Risk: riskDefaults()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TREASURY_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("TREASURY_RPC_URL"); v != "" {
		cfg.Execution.RPCURL = v
	}
	if v := os.Getenv("TREASURY_MODE"); v != "" {
		cfg.Execution.Mode = v
	}
}

func riskDefaults() RiskConfig {
	d := domain.DefaultRiskLimits()
	return RiskConfig{
		MaxPositionSizePct:   d.MaxPositionSizePct,
		MaxTotalExposurePct:  d.MaxTotalExposurePct,
		MaxSingleAssetPct:    d.MaxSingleAssetPct,
		MaxDailyLossPct:      d.MaxDailyLossPct,
		MaxWeeklyLossPct:     d.MaxWeeklyLossPct,
		MaxMonthlyLossPct:    d.MaxMonthlyLossPct,
		MaxTradesPerDay:      d.MaxTradesPerDay,
		MaxTradesPerHour:     d.MaxTradesPerHour,
		MinTradeInterval:     d.MinTradeInterval,
		MaxSlippageBps:       d.MaxSlippageBps,
		MaxPriceImpactPct:    d.MaxPriceImpactPct,
		MaxConsecutiveLosses: d.MaxConsecutiveLosses,
		AutoResetHours:       d.AutoResetAfter.Hours(),
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "treasury.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	cfg.Execution.Mode = strings.ToLower(cfg.Execution.Mode)
	if cfg.Execution.Mode == "" {
		cfg.Execution.Mode = ModePaper
	}
	if cfg.Execution.RPCRatePerSec <= 0 {
		cfg.Execution.RPCRatePerSec = 6
	}
	if cfg.Distribution.Weekday == "" {
		cfg.Distribution.Weekday = "sunday"
	}
	if cfg.Scheduler.DistributionSpec == "" {
		cfg.Scheduler.DistributionSpec = "0 0 * * * *"
	}
	if cfg.Scheduler.PeriodSpec == "" {
		cfg.Scheduler.PeriodSpec = "0 1 0 * * *"
	}
	if cfg.Scheduler.RebalanceSpec == "" {
		cfg.Scheduler.RebalanceSpec = "0 */15 * * * *"
	}
	if cfg.Scheduler.RebalanceThreshold <= 0 {
		cfg.Scheduler.RebalanceThreshold = domain.DefaultRebalanceThreshold
	}
}

// Validate devuelve el primer error encontrado, envuelto en domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Execution.Mode != ModePaper && c.Execution.Mode != ModeLive {
		return fmt.Errorf("%w: execution mode %q, want paper or live", domain.ErrInvalidConfig, c.Execution.Mode)
	}
	if c.Execution.MaxBalanceAge < 0 {
		return fmt.Errorf("%w: negative max_balance_age", domain.ErrInvalidConfig)
	}

	seen := make(map[domain.Role]bool, len(c.Wallets))
	pcts := make([]float64, 0, len(c.Wallets))
	for i, w := range c.Wallets {
		wallet, target, err := w.Domain()
		if err != nil {
			return fmt.Errorf("wallets[%d]: %w", i, err)
		}
		if seen[wallet.Role] {
			return fmt.Errorf("%w: %w: %s", domain.ErrInvalidConfig, domain.ErrDuplicateRole, wallet.Role)
		}
		seen[wallet.Role] = true
		pcts = append(pcts, target.TargetPct)
	}
	for _, r := range []domain.Role{domain.RoleActive, domain.RoleProfit} {
		if !seen[r] {
			return fmt.Errorf("%w: no %s wallet configured", domain.ErrInvalidConfig, r)
		}
	}
	if err := domain.ValidateTargetSum(pcts); err != nil {
		return err
	}

	if c.Risk.AutoResetHours < 0 {
		return fmt.Errorf("%w: auto_reset_hours is negative", domain.ErrInvalidConfig)
	}
	if err := c.RiskLimits().Validate(); err != nil {
		return err
	}

	if _, err := c.DistributionSettings(); err != nil {
		return err
	}
	return nil
}

// Domain convierte la entrada en tipos de dominio, validándola de forma aislada.
func (w WalletConfig) Domain() (domain.Wallet, domain.AllocationTarget, error) {
	role, err := domain.ParseRole(w.Role)
	if err != nil {
		return domain.Wallet{}, domain.AllocationTarget{}, fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	if w.Address == "" {
		return domain.Wallet{}, domain.AllocationTarget{}, fmt.Errorf("%w: wallet %s has no address", domain.ErrInvalidConfig, role)
	}
	target := domain.AllocationTarget{
		TargetPct:        w.TargetPct,
		MinBalance:       w.MinBalance,
		MaxBalance:       w.MaxBalance,
		RequiresMultisig: w.RequiresMultisig,
	}
	if err := target.Validate(); err != nil {
		return domain.Wallet{}, domain.AllocationTarget{}, fmt.Errorf("wallet %s: %w", role, err)
	}

	wallet := domain.Wallet{Role: role, Address: w.Address}
	if w.Multisig != nil {
		wallet.Multisig = &domain.MultisigInfo{
			Signers:   append([]string(nil), w.Multisig.Signers...),
			Threshold: w.Multisig.Threshold,
		}
	}
	if w.RequiresMultisig {
		ms := wallet.Multisig
		if ms == nil || ms.Threshold <= 0 || len(ms.Signers) < ms.Threshold {
			return domain.Wallet{}, domain.AllocationTarget{}, fmt.Errorf("%w: wallet %s requires multisig but has no valid signer set", domain.ErrInvalidConfig, role)
		}
	}
	return wallet, target, nil
}

// RiskLimits convierte la sección risk.
func (c *Config) RiskLimits() domain.RiskLimits {
	r := c.Risk
	return domain.RiskLimits{
		MaxPositionSizePct:   r.MaxPositionSizePct,
		MaxTotalExposurePct:  r.MaxTotalExposurePct,
		MaxSingleAssetPct:    r.MaxSingleAssetPct,
		MaxDailyLossPct:      r.MaxDailyLossPct,
		MaxWeeklyLossPct:     r.MaxWeeklyLossPct,
		MaxMonthlyLossPct:    r.MaxMonthlyLossPct,
		MaxTradesPerDay:      r.MaxTradesPerDay,
		MaxTradesPerHour:     r.MaxTradesPerHour,
		MinTradeInterval:     r.MinTradeInterval,
		MaxSlippageBps:       r.MaxSlippageBps,
		MaxPriceImpactPct:    r.MaxPriceImpactPct,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		AutoResetAfter:       time.Duration(r.AutoResetHours * float64(time.Hour)),
	}
}

var errBadWeekday = errors.New("unknown weekday")

// DistributionSettings convierte y valida la sección distribution.
func (c *Config) DistributionSettings() (domain.DistributionConfig, error) {
	d := c.Distribution
	wd, err := parseWeekday(d.Weekday)
	if err != nil {
		return domain.DistributionConfig{}, fmt.Errorf("%w: distribution: %w", domain.ErrInvalidConfig, err)
	}
	addrs := make(map[domain.Role]string, len(d.Addresses))
	for k, v := range d.Addresses {
		role, err := domain.ParseRole(k)
		if err != nil {
			return domain.DistributionConfig{}, fmt.Errorf("%w: distribution address: %w", domain.ErrInvalidConfig, err)
		}
		addrs[role] = v
	}
	out := domain.DistributionConfig{
		StakingPct:     d.StakingPct,
		OperationsPct:  d.OperationsPct,
		DevelopmentPct: d.DevelopmentPct,
		Addresses:      addrs,
		Weekday:        wd,
		Hour:           d.Hour,
		MinAmount:      d.MinAmount,
	}
	if err := out.Validate(); err != nil {
		return domain.DistributionConfig{}, err
	}
	return out, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errBadWeekday, s)
}
