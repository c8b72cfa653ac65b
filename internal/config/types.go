package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// PluginKind 描述 manifest 中插件的加载方式。
type PluginKind string

const (
	// PluginKindNative 通过 Go plugin 在进程内加载 .so。
	PluginKindNative PluginKind = "native"
	// PluginKindExec 以子进程方式执行，崩溃不会影响网关进程。
	PluginKindExec PluginKind = "exec"
)

// GlobalConfig 描述网关的全局运行时行为。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	PolicyFile         string   `mapstructure:"PolicyFile"`
	WatchPolicies      bool     `mapstructure:"WatchPolicies"`
	PolicyReloadCron   string   `mapstructure:"PolicyReloadCron"`
	DefaultPolicy      string   `mapstructure:"DefaultPolicy"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	MaxResponseBytes   int64    `mapstructure:"MaxResponseBytes"`
	HandlerConcurrency int      `mapstructure:"HandlerConcurrency"`
	HandlerTimeout     Duration `mapstructure:"HandlerTimeout"`
	MetricsEnabled     bool     `mapstructure:"MetricsEnabled"`
	TraceStdout        bool     `mapstructure:"TraceStdout"`
}

// PluginConfig 是 allow-list 中的一条插件声明，handler 名称只能映射到这里登记的路径。
type PluginConfig struct {
	Name   string     `mapstructure:"Name"`
	Kind   PluginKind `mapstructure:"Kind"`
	Path   string     `mapstructure:"Path"`
	Symbol string     `mapstructure:"Symbol"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Plugins []PluginConfig `mapstructure:"Plugin"`
}

// PluginNames 返回 manifest 中登记的插件摘要，例如 auth:exec，供启动日志使用。
func PluginNames(plugins []PluginConfig) []string {
	if len(plugins) == 0 {
		return nil
	}
	result := make([]string, len(plugins))
	for i, p := range plugins {
		result[i] = fmt.Sprintf("%s:%s", p.Name, p.Kind)
	}
	return result
}
