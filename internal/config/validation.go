package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	pluginNamePattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	pluginSymbolPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if strings.TrimSpace(g.PolicyFile) == "" {
		return newFieldError("Global.PolicyFile", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.HandlerTimeout.DurationValue() <= 0 {
		return newFieldError("Global.HandlerTimeout", "必须大于 0")
	}
	if g.HandlerConcurrency <= 0 {
		return newFieldError("Global.HandlerConcurrency", "必须大于 0")
	}
	if g.MaxResponseBytes <= 0 {
		return newFieldError("Global.MaxResponseBytes", "必须大于 0")
	}
	if g.PolicyReloadCron != "" {
		if _, err := cron.ParseStandard(g.PolicyReloadCron); err != nil {
			return fmt.Errorf("Global.PolicyReloadCron: %w", err)
		}
	}

	seenNames := map[string]struct{}{}
	for i := range c.Plugins {
		p := &c.Plugins[i]
		if p.Name == "" {
			return newFieldError("Plugin[].Name", "不能为空")
		}
		if !pluginNamePattern.MatchString(p.Name) {
			return newFieldError(pluginField(p.Name, "Name"), "仅允许小写字母、数字、- 与 _")
		}
		if _, exists := seenNames[p.Name]; exists {
			return newFieldError(pluginField(p.Name, "Name"), "重复")
		}
		seenNames[p.Name] = struct{}{}

		switch p.Kind {
		case PluginKindNative, PluginKindExec:
		case "":
			return newFieldError(pluginField(p.Name, "Kind"), "不能为空")
		default:
			return newFieldError(pluginField(p.Name, "Kind"), "仅支持 native|exec")
		}

		if p.Path == "" {
			return newFieldError(pluginField(p.Name, "Path"), "不能为空")
		}
		if !filepath.IsAbs(p.Path) {
			return newFieldError(pluginField(p.Name, "Path"), "必须是绝对路径")
		}

		if p.Symbol != "" {
			if p.Kind != PluginKindNative {
				return newFieldError(pluginField(p.Name, "Symbol"), "仅 native 插件支持")
			}
			if !pluginSymbolPattern.MatchString(p.Symbol) {
				return newFieldError(pluginField(p.Name, "Symbol"), "必须是导出的 Go 标识符")
			}
		}
	}

	return nil
}
