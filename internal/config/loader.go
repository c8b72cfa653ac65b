package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Plugins {
		applyPluginDefaults(&cfg.Plugins[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 相对路径以配置文件所在目录为基准
	policyPath := cfg.Global.PolicyFile
	if !filepath.IsAbs(policyPath) {
		policyPath = filepath.Join(filepath.Dir(path), policyPath)
	}
	absPolicy, err := filepath.Abs(policyPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析策略文件路径: %w", err)
	}
	cfg.Global.PolicyFile = absPolicy

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("PolicyFile", "policy/policies.json")
	v.SetDefault("WatchPolicies", false)
	v.SetDefault("PolicyReloadCron", "")
	v.SetDefault("DefaultPolicy", "default_policy")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxResponseBytes", 16*1024*1024)
	v.SetDefault("HandlerConcurrency", 64)
	v.SetDefault("HandlerTimeout", "5s")
	v.SetDefault("MetricsEnabled", true)
	v.SetDefault("TraceStdout", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if strings.TrimSpace(g.PolicyFile) == "" {
		g.PolicyFile = "policy/policies.json"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.HandlerTimeout.DurationValue() == 0 {
		g.HandlerTimeout = Duration(5 * time.Second)
	}
	if g.HandlerConcurrency == 0 {
		g.HandlerConcurrency = 64
	}
	g.PolicyReloadCron = strings.TrimSpace(g.PolicyReloadCron)
	g.DefaultPolicy = strings.TrimSpace(g.DefaultPolicy)
}

func applyPluginDefaults(p *PluginConfig) {
	p.Name = strings.TrimSpace(p.Name)
	p.Kind = PluginKind(strings.ToLower(strings.TrimSpace(string(p.Kind))))
	p.Path = strings.TrimSpace(p.Path)
	p.Symbol = strings.TrimSpace(p.Symbol)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
