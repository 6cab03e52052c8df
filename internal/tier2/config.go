// Package tier2 把追踪器记录的 trace 提升为二级执行：
// 热点检测、抽象解释优化、copy-and-patch 编译，失败时退回解释执行。
package tier2

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/tangzhangming/tracejit/internal/optimizer"
)

// 常量定义
const (
	ConfigFileName = "tracejit.toml" // 默认配置文件名
)

// Config 二级执行配置
type Config struct {
	// Enabled 是否编译为本机代码；关闭时只优化并解释执行
	Enabled bool `toml:"enabled"`

	// Optimize 是否运行抽象解释优化器
	Optimize bool `toml:"optimize"`

	// HotThreshold trace 入口执行多少次后提升
	HotThreshold int64 `toml:"hot_threshold"`

	// MaxCompileFails 编译失败超过此次数后不再尝试
	MaxCompileFails int32 `toml:"max_compile_fails"`

	// Catalog CBOR 模板目录路径，为空时为本机架构合成目录
	Catalog string `toml:"catalog"`

	Optimizer OptimizerConfig `toml:"optimizer"`
	Memory    MemoryConfig    `toml:"memory"`
	Log       LogConfig       `toml:"log"`
}

// OptimizerConfig 优化器配置
type OptimizerConfig struct {
	OverallocateFactor int `toml:"overallocate_factor"`
	SlotBudget         int `toml:"slot_budget"`
	MaxArenaSlots      int `toml:"max_arena_slots"`
}

// MemoryConfig 可执行内存配置
type MemoryConfig struct {
	// Strategy "mapping"（每条 trace 独立映射）或 "pool"（共享内存池，保证地址局部性）
	Strategy string `toml:"strategy"`
	PoolSize int    `toml:"pool_size"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	opts := optimizer.DefaultOptions()
	return &Config{
		Enabled:         true,
		Optimize:        true,
		HotThreshold:    16,
		MaxCompileFails: 3,
		Optimizer: OptimizerConfig{
			OverallocateFactor: opts.OverallocateFactor,
			SlotBudget:         opts.SlotBudget,
			MaxArenaSlots:      opts.MaxArenaSlots,
		},
		Memory: MemoryConfig{
			Strategy: "mapping",
			PoolSize: 16 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig 从文件加载配置，文件中没有的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.HotThreshold < 1 {
		return fmt.Errorf("hot_threshold must be at least 1, got %d", c.HotThreshold)
	}
	if c.MaxCompileFails < 1 {
		return fmt.Errorf("max_compile_fails must be at least 1, got %d", c.MaxCompileFails)
	}
	if c.Optimizer.OverallocateFactor < 1 {
		return fmt.Errorf("optimizer.overallocate_factor must be at least 1, got %d", c.Optimizer.OverallocateFactor)
	}
	if c.Optimizer.SlotBudget < 1 {
		return fmt.Errorf("optimizer.slot_budget must be at least 1, got %d", c.Optimizer.SlotBudget)
	}
	if c.Optimizer.MaxArenaSlots < 1 {
		return fmt.Errorf("optimizer.max_arena_slots must be at least 1, got %d", c.Optimizer.MaxArenaSlots)
	}
	switch c.Memory.Strategy {
	case "mapping":
	case "pool":
		if c.Memory.PoolSize <= 0 {
			return fmt.Errorf("memory.pool_size must be positive for the pool strategy")
		}
	default:
		return fmt.Errorf("unknown memory.strategy %q", c.Memory.Strategy)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// OptimizerOptions 转换为优化器选项
func (c *Config) OptimizerOptions() optimizer.Options {
	return optimizer.Options{
		OverallocateFactor: c.Optimizer.OverallocateFactor,
		SlotBudget:         c.Optimizer.SlotBudget,
		MaxArenaSlots:      c.Optimizer.MaxArenaSlots,
	}
}
