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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// 支持的缓存存储驱动。
const (
	StorageDriverLevelDB = "leveldb"
	StorageDriverFS      = "fs"
)

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	StorageDriver       string   `mapstructure:"StorageDriver"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	MaxBackgroundWrites int      `mapstructure:"MaxBackgroundWrites"`
	ShutdownTimeout     Duration `mapstructure:"ShutdownTimeout"`
}

// AgentConfig 描述被代理的单个应用源站，以及缓存代际的命名与预缓存清单。
type AgentConfig struct {
	// Domain 是客户端访问代理时使用的 Host，匹配即视为同源请求。
	Domain string `mapstructure:"Domain"`
	// Origin 是应用对外的源（scheme://host[:port]），缓存键中的 URL 以它为准。
	Origin string `mapstructure:"Origin"`
	// Upstream 是同源请求真正回源的地址，留空时等于 Origin。
	Upstream string `mapstructure:"Upstream"`
	// Scope 是注册作用域路径，清单中的相对路径都以它为基准解析。
	Scope       string `mapstructure:"Scope"`
	CachePrefix string `mapstructure:"CachePrefix"`
	// Version 留空时使用构建时注入的 version.CacheVersion。
	Version       string   `mapstructure:"Version"`
	ManifestPath  string   `mapstructure:"ManifestPath"`
	Assets        []string `mapstructure:"Assets"`
	IndexDocument string   `mapstructure:"IndexDocument"`

	SkipWaitingOnInstall bool `mapstructure:"SkipWaitingOnInstall"`
	// AllowPassthrough 开启后，Host 不是 Domain 的请求会原样转发，
	// 但只限 PassthroughHosts 中列出的主机，其余一律 404。
	AllowPassthrough bool     `mapstructure:"AllowPassthrough"`
	PassthroughHosts []string `mapstructure:"PassthroughHosts"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// UpstreamOrOrigin 返回同源请求的回源地址。
func (a AgentConfig) UpstreamOrOrigin() string {
	if strings.TrimSpace(a.Upstream) != "" {
		return a.Upstream
	}
	return a.Origin
}

// ManifestSource 输出清单来源描述，供启动日志使用。
func (a AgentConfig) ManifestSource() string {
	switch {
	case a.ManifestPath != "":
		return "file:" + a.ManifestPath
	case len(a.Assets) > 0:
		return "inline"
	default:
		return "builtin"
	}
}
