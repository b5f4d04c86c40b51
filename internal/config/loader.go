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

	"github.com/offline-agent/offline-agent/internal/version"
)

// DefaultCachePrefix 与应用历史上的缓存命名保持一致，旧代际才能被识别并回收。
const DefaultCachePrefix = "moniezi-cache"

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
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAgentDefaults(&cfg.Agent)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Agent.ManifestPath != "" && !filepath.IsAbs(cfg.Agent.ManifestPath) {
		// 清单路径相对于配置文件所在目录解析，便于随配置一起部署。
		cfg.Agent.ManifestPath = filepath.Join(filepath.Dir(path), cfg.Agent.ManifestPath)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverLevelDB)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxBackgroundWrites", 32)
	v.SetDefault("ShutdownTimeout", "10s")

	v.SetDefault("Agent.Scope", "/")
	v.SetDefault("Agent.CachePrefix", DefaultCachePrefix)
	v.SetDefault("Agent.IndexDocument", "./index.html")
	v.SetDefault("Agent.SkipWaitingOnInstall", true)
	v.SetDefault("Agent.AllowPassthrough", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverLevelDB
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxBackgroundWrites == 0 {
		g.MaxBackgroundWrites = 32
	}
	if g.ShutdownTimeout.DurationValue() == 0 {
		g.ShutdownTimeout = Duration(10 * time.Second)
	}
}

func applyAgentDefaults(a *AgentConfig) {
	a.Domain = strings.ToLower(strings.TrimSpace(a.Domain))
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	a.Upstream = strings.TrimRight(strings.TrimSpace(a.Upstream), "/")
	if strings.TrimSpace(a.Scope) == "" {
		a.Scope = "/"
	}
	if !strings.HasSuffix(a.Scope, "/") {
		a.Scope += "/"
	}
	if strings.TrimSpace(a.CachePrefix) == "" {
		a.CachePrefix = DefaultCachePrefix
	}
	if strings.TrimSpace(a.Version) == "" {
		a.Version = version.CacheVersion
	}
	if strings.TrimSpace(a.IndexDocument) == "" {
		a.IndexDocument = "./index.html"
	}
	hosts := a.PassthroughHosts[:0]
	for _, host := range a.PassthroughHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts = append(hosts, host)
		}
	}
	a.PassthroughHosts = hosts
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
