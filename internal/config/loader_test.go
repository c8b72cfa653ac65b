package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadFailsWhenFileMissing(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("配置文件不存在时应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	path := writeTempConfig(t, `LogLevel = "chatty"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("未知日志级别应失败")
	}
}

func TestLoadNormalizesPluginKind(t *testing.T) {
	cfg := `
LogLevel = "debug"

[[Plugin]]
Name = "audit"
Kind = " EXEC "
Path = "/opt/plugins/audit"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Plugins[0].Kind != PluginKindExec {
		t.Fatalf("Kind 应被规范化为 exec，得到 %q", loaded.Plugins[0].Kind)
	}
}
