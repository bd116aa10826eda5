// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wyfcoding/zonepricing/pkg/logger"
)

// Config 服务配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
	// 运维端点配置（调度进程）
	Ops OpsConfig `mapstructure:"ops"`
	// 调度配置
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	// 定价管道配置
	Pricing PricingConfig `mapstructure:"pricing"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 数据源名称（postgres DSN）
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用读侧快照
	Enabled bool `mapstructure:"enabled"`
	// 地址 host:port
	Addr string `mapstructure:"addr"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// 是否启用事件广播
	Enabled bool `mapstructure:"enabled"`
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// 运行完成事件主题
	RunCompletedTopic string `mapstructure:"run_completed_topic"`
}

// OpsConfig 调度进程的健康检查/指标端口
type OpsConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 是否暴露 pprof
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// SchedulerConfig 定时调度配置
type SchedulerConfig struct {
	// cron 表达式，默认每 15 分钟
	CronSpec string `mapstructure:"cron_spec"`
	// 单次运行超时（秒）
	RunTimeout int `mapstructure:"run_timeout"`
}

// PricingConfig 定价管道配置
type PricingConfig struct {
	// 策略文档目录
	PolicyDir string `mapstructure:"policy_dir"`
	// 期望的策略版本，与文档内版本号必须一致
	PolicyVersion string `mapstructure:"policy_version"`
	// 预测选择模式：latest_run, explicit_run_id, explicit_window
	ForecastMode string `mapstructure:"forecast_mode"`
	// 开发限流：大于 0 时只处理编号最小的 N 个区域
	MaxZones int `mapstructure:"max_zones"`
	// 运行产物根目录，空串关闭产物
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	// 是否启用集群级互斥锁
	LockEnabled bool `mapstructure:"lock_enabled"`
}

// Load 从 TOML 文件加载配置，PRICING_ 前缀环境变量覆盖同名键
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("PRICING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Pricing.PolicyDir == "" {
		return fmt.Errorf("pricing policy_dir is required")
	}
	if c.Pricing.PolicyVersion == "" {
		return fmt.Errorf("pricing policy_version is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if c.Ops.Port < 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("invalid ops port: %d", c.Ops.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.run_completed_topic", "pricing.run.completed")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/pricing.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)

	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", 9090)

	v.SetDefault("scheduler.cron_spec", "*/15 * * * *")
	v.SetDefault("scheduler.run_timeout", 600)

	v.SetDefault("pricing.forecast_mode", "latest_run")
	v.SetDefault("pricing.artifacts_dir", "artifacts")
	v.SetDefault("pricing.lock_enabled", true)
}
