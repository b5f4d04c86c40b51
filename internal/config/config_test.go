package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/offline-agent/offline-agent/internal/manifest"
	"github.com/offline-agent/offline-agent/internal/version"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被解析为绝对路径，得到 %s", cfg.Global.StoragePath)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.MaxBackgroundWrites != 32 {
		t.Fatalf("MaxBackgroundWrites 应使用默认值，得到 %d", cfg.Global.MaxBackgroundWrites)
	}
	if !cfg.Agent.SkipWaitingOnInstall {
		t.Fatalf("SkipWaitingOnInstall 默认应为 true")
	}
	if cfg.Agent.AllowPassthrough {
		t.Fatalf("AllowPassthrough 默认应关闭")
	}
	if cfg.Agent.IndexDocument != "./index.html" {
		t.Fatalf("IndexDocument 默认值错误: %s", cfg.Agent.IndexDocument)
	}
	if len(cfg.Agent.Assets) != 4 {
		t.Fatalf("Assets 解析错误: %v", cfg.Agent.Assets)
	}
	if cfg.Agent.UpstreamOrOrigin() != "http://127.0.0.1:8080" {
		t.Fatalf("Upstream 应优先于 Origin，得到 %s", cfg.Agent.UpstreamOrOrigin())
	}
}

func TestLoadResolvesManifestRelativeToConfig(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "with_manifest.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	want := filepath.Join("testdata", "manifest.yaml")
	if cfg.Agent.ManifestPath != want {
		t.Fatalf("清单路径应相对配置文件解析，期望 %s 得到 %s", want, cfg.Agent.ManifestPath)
	}
	if cfg.Agent.SkipWaitingOnInstall {
		t.Fatalf("显式关闭的 SkipWaitingOnInstall 不应被默认值覆盖")
	}
	if cfg.Global.StorageDriver != StorageDriverFS {
		t.Fatalf("StorageDriver 解析错误: %s", cfg.Global.StorageDriver)
	}
	if cfg.Agent.Version != version.CacheVersion {
		t.Fatalf("未配置 Version 时应回退构建版本，得到 %s", cfg.Agent.Version)
	}
	if cfg.Agent.UpstreamOrOrigin() != "https://app.local" {
		t.Fatalf("未配置 Upstream 时应回退 Origin，得到 %s", cfg.Agent.UpstreamOrOrigin())
	}
}

func TestValidateRejectsMissingAgent(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失 Agent 字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[Agent]
Domain = "app.local"
Origin = "http://app.local"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateAgentFields(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		field     string
		shouldErr bool
	}{
		{"valid", func(*Config) {}, "", false},
		{"bad driver", func(c *Config) { c.Global.StorageDriver = "redis" }, "Global.StorageDriver", true},
		{"domain with scheme", func(c *Config) { c.Agent.Domain = "http://app.local" }, "", true},
		{"origin without host", func(c *Config) { c.Agent.Origin = "http://" }, "", true},
		{"ftp upstream", func(c *Config) { c.Agent.Upstream = "ftp://files.local" }, "", true},
		{"prefix with slash", func(c *Config) { c.Agent.CachePrefix = "a/b" }, "Agent.CachePrefix", true},
		{"empty version", func(c *Config) { c.Agent.Version = " " }, "Agent.Version", true},
		{"absolute asset", func(c *Config) { c.Agent.Assets = []string{"https://cdn.example/app.js"} }, "Agent.Assets[0]", true},
		{"manifest and assets", func(c *Config) {
			c.Agent.ManifestPath = "manifest.yaml"
			c.Agent.Assets = []string{"./"}
		}, "Agent.ManifestPath/Assets", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.field != "" {
				var fe FieldError
				if !errors.As(err, &fe) || fe.Field != tc.field {
					t.Fatalf("expected FieldError on %s, got %v", tc.field, err)
				}
			}
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil {
		t.Fatalf("纯数字秒值应可解析: %v", err)
	}
	if d.DurationValue() != 90*time.Second {
		t.Fatalf("期望 90s，得到 %v", d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("2m")); err != nil || d.DurationValue() != 2*time.Minute {
		t.Fatalf("Go Duration 字符串解析失败: %v %v", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:          5000,
			StoragePath:         "./data",
			StorageDriver:       StorageDriverLevelDB,
			UpstreamTimeout:     Duration(time.Second),
			MaxBackgroundWrites: 4,
			ShutdownTimeout:     Duration(time.Second),
		},
		Agent: AgentConfig{
			Domain:        "app.local",
			Origin:        "http://app.local",
			Scope:         "/",
			CachePrefix:   DefaultCachePrefix,
			Version:       "v1",
			IndexDocument: "./index.html",
		},
	}
}

func TestBuildAgentRuntimeUsesManifestFile(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "with_manifest.toml"))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	rt, err := BuildAgentRuntime(cfg.Agent)
	if err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	if rt.Scope.String() != "https://app.local/" {
		t.Fatalf("unexpected scope %s", rt.Scope)
	}
	if len(rt.Manifest.Assets) != 4 || rt.Manifest.Index != "./index.html" {
		t.Fatalf("unexpected manifest %+v", rt.Manifest)
	}
}

func TestBuildAgentRuntimeFallsBackToBuiltinManifest(t *testing.T) {
	agent := AgentConfig{Origin: "https://app.local", Scope: "/app", IndexDocument: "./index.html"}
	rt, err := BuildAgentRuntime(agent)
	if err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	if rt.Scope.String() != "https://app.local/app/" {
		t.Fatalf("unexpected scope %s", rt.Scope)
	}
	if len(rt.Manifest.Assets) != len(manifest.Default().Assets) {
		t.Fatalf("expected builtin manifest, got %v", rt.Manifest.Assets)
	}
}

func TestBuildAgentRuntimeRejectsEscapingAssets(t *testing.T) {
	agent := AgentConfig{Origin: "https://app.local", Scope: "/app/", Assets: []string{"../outside.js"}, IndexDocument: "./index.html"}
	if _, err := BuildAgentRuntime(agent); err == nil {
		t.Fatalf("expected asset outside scope to be rejected")
	}
}

func TestPassthroughRequiresHostAllowList(t *testing.T) {
	base := `
[Agent]
Domain = "app.local"
Origin = "https://app.local"
AllowPassthrough = true
`
	_, err := Load(writeTempConfig(t, base))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Agent.PassthroughHosts" {
		t.Fatalf("expected PassthroughHosts field error, got %v", err)
	}

	cfg, err := Load(writeTempConfig(t, base+`PassthroughHosts = [" CDN.example ", "fonts.example"]`+"\n"))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(cfg.Agent.PassthroughHosts) != 2 || cfg.Agent.PassthroughHosts[0] != "cdn.example" {
		t.Fatalf("unexpected passthrough hosts %v", cfg.Agent.PassthroughHosts)
	}
}
