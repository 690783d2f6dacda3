package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"FlowLedger/internal/asset"
	"FlowLedger/internal/auth"
	xerrors "FlowLedger/internal/errors"
	"FlowLedger/internal/events"
	"FlowLedger/internal/sentinel"
	"FlowLedger/internal/state"
	"FlowLedger/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "FLOWLEDGER_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
const DefaultPath = "configs/flowledger.yaml"

// Config 描述了 FlowLedger 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  logger.Config  `yaml:"logging"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Storage  StorageConfig  `yaml:"storage"`
	Asset    AssetConfig    `yaml:"asset"`
	Events   EventsConfig   `yaml:"events"`
	Sentinel SentinelConfig `yaml:"sentinel"`
	Alerting AlertingConfig `yaml:"alerting"`
	Auth     auth.Config    `yaml:"auth"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// LedgerConfig 描述账本与恒定流处理器的参数。
type LedgerConfig struct {
	// FlowAgreementAddress 是恒定流处理器注册的地址。
	FlowAgreementAddress string `yaml:"flow_agreement_address"`
	// LiquidationPeriod 是押金覆盖的秒数。
	LiquidationPeriod uint64 `yaml:"liquidation_period"`
	// RewardAccount 为空时清算押金归清算人。
	RewardAccount string `yaml:"reward_account"`
	// BailoutAccount 为空时不做穿仓补偿。
	BailoutAccount string `yaml:"bailout_account"`
}

// StorageConfig 选择账本状态的存储后端。
type StorageConfig struct {
	Driver string            `yaml:"driver"`
	MySQL  state.MySQLConfig `yaml:"mysql"`
}

// AssetConfig 选择底层资产的实现。
type AssetConfig struct {
	Driver string            `yaml:"driver"`
	Redis  asset.RedisConfig `yaml:"redis"`
}

// EventsConfig 配置事件下游，地址为空的下游不启用。
type EventsConfig struct {
	Audit    bool                  `yaml:"audit"`
	Redis    events.RedisConfig    `yaml:"redis"`
	RabbitMQ events.RabbitMQConfig `yaml:"rabbitmq"`
}

// SentinelConfig 配置清算请求队列与处理协程。
type SentinelConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	Driver     string                    `yaml:"driver"`
	Workers    int                       `yaml:"workers"`
	MaxRetries int                       `yaml:"max_retries"`
	QueueSize  int                       `yaml:"queue_size"`
	Redis      sentinel.RedisQueueConfig `yaml:"redis"`
	RabbitMQ   sentinel.RabbitMQConfig   `yaml:"rabbitmq"`
}

// AlertingConfig 配置告警渠道，日志渠道始终启用。
type AlertingConfig struct {
	RedisAddress string `yaml:"redis_address"`
	RedisChannel string `yaml:"redis_channel"`
}

// ResolvePath 返回环境变量指定的路径，缺省为 DefaultPath。
func ResolvePath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}
	return Parse(content)
}

// Parse 解析 YAML 内容并补全默认值。未知字段视为错误。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Ledger.FlowAgreementAddress == "" {
		c.Ledger.FlowAgreementAddress = "0x0000000000000000000000000000000000001001"
	}
	if c.Ledger.LiquidationPeriod == 0 {
		c.Ledger.LiquidationPeriod = 4 * 60 * 60
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Asset.Driver == "" {
		c.Asset.Driver = "memory"
	}
	if c.Sentinel.Driver == "" {
		c.Sentinel.Driver = "memory"
	}
	if c.Sentinel.Workers <= 0 {
		c.Sentinel.Workers = 4
	}
	if c.Sentinel.MaxRetries <= 0 {
		c.Sentinel.MaxRetries = 3
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
	if c.Sentinel.QueueSize <= 0 {
		c.Sentinel.QueueSize = 256
	}
}

// Validate 检查取值是否合法。
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"ledger.flow_agreement_address": c.Ledger.FlowAgreementAddress,
		"ledger.reward_account":         c.Ledger.RewardAccount,
		"ledger.bailout_account":        c.Ledger.BailoutAccount,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return xerrors.New(xerrors.CodeInvalidArgument, name+" 不是合法地址", xerrors.WithMetadata("value", addr))
		}
	}
	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.Driver == "mysql" && c.Storage.MySQL.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "storage.mysql.dsn 不能为空")
	}
	if err := oneOf("asset.driver", c.Asset.Driver, "memory", "redis"); err != nil {
		return err
	}
	if c.Asset.Driver == "redis" && c.Asset.Redis.Address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "asset.redis.address 不能为空")
	}
	if err := oneOf("auth.mode", string(c.Auth.Mode), string(auth.ModeDisabled), string(auth.ModeAPIKey)); err != nil {
		return err
	}
	return oneOf("sentinel.driver", c.Sentinel.Driver, "memory", "redis", "rabbitmq")
}

// Address 解析已校验的地址字段，空串返回零地址。
func Address(raw string) common.Address {
	if raw == "" {
		return common.Address{}
	}
	return common.HexToAddress(raw)
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidArgument, name+" 取值不受支持",
		xerrors.WithMetadata("value", value),
		xerrors.WithMetadata("allowed", strings.Join(allowed, ",")))
}
