package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
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
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverLevelDB, StorageDriverFS:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 leveldb/fs")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxBackgroundWrites <= 0 {
		return newFieldError("Global.MaxBackgroundWrites", "必须大于 0")
	}
	if g.ShutdownTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ShutdownTimeout", "必须大于 0")
	}

	return c.Agent.validate()
}

func (a *AgentConfig) validate() error {
	if err := validateDomain(a.Domain); err != nil {
		return fmt.Errorf("%s: %w", agentField("Domain"), err)
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", agentField("Origin"), err)
	}
	if a.Upstream != "" {
		if err := validateOrigin(a.Upstream); err != nil {
			return fmt.Errorf("%s: %w", agentField("Upstream"), err)
		}
	}
	if !strings.HasPrefix(a.Scope, "/") {
		return newFieldError(agentField("Scope"), "必须以 / 开头")
	}

	prefix := strings.TrimSpace(a.CachePrefix)
	if prefix == "" {
		return newFieldError(agentField("CachePrefix"), "不能为空")
	}
	if strings.ContainsAny(prefix, "/\\\x00 ") {
		return newFieldError(agentField("CachePrefix"), "不允许包含路径分隔符或空白")
	}
	if strings.ContainsAny(a.Version, "/\\\x00 ") || strings.TrimSpace(a.Version) == "" {
		return newFieldError(agentField("Version"), "不能为空且不允许包含路径分隔符或空白")
	}

	if a.ManifestPath != "" && len(a.Assets) > 0 {
		return newFieldError(agentField("ManifestPath/Assets"), "只能二选一")
	}
	for i, asset := range a.Assets {
		if err := validateRelativeAsset(asset); err != nil {
			return newFieldError(fmt.Sprintf("Agent.Assets[%d]", i), err.Error())
		}
	}
	if err := validateRelativeAsset(a.IndexDocument); err != nil {
		return newFieldError(agentField("IndexDocument"), err.Error())
	}
	if a.AllowPassthrough && len(a.PassthroughHosts) == 0 {
		return newFieldError(agentField("PassthroughHosts"), "开启 AllowPassthrough 时必须列出允许转发的主机")
	}
	for i, host := range a.PassthroughHosts {
		if err := validateDomain(host); err != nil {
			return newFieldError(fmt.Sprintf("Agent.PassthroughHosts[%d]", i), err.Error())
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateRelativeAsset 保证清单条目是作用域内的相对路径，不能指向其它源。
func validateRelativeAsset(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return errors.New("必须是相对于作用域的路径")
	}
	return nil
}
