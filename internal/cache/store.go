package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Backend 是存储层面的“代际”集合，相当于按名称管理多个独立的键值仓。
type Backend interface {
	// Open 打开指定名称的代际，不存在时创建。
	Open(ctx context.Context, name string) (Generation, error)

	// Has 判断代际是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个代际及其全部快照，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 列出当前存储中的全部代际名称（含其它应用的代际），按名称排序。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源，之后的任何操作都返回 ErrStoreClosed。
	Close() error
}

// Generation 是一个命名的快照仓，键为请求身份。写入是整条快照的原子 put。
type Generation interface {
	Name() string

	// Match 返回请求对应的快照副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入（或覆盖）快照。代际已被删除时返回 ErrGenerationGone。
	Put(ctx context.Context, key Key, snap *Snapshot) error

	// Remove 删除单个快照，不存在时不报错。
	Remove(ctx context.Context, key Key) error

	// Keys 列出代际内全部请求身份。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationGone 表示目标代际已被回收，写入被拒绝而不是把代际“复活”。
	ErrGenerationGone = errors.New("cache generation deleted")
	// ErrStoreClosed 表示存储已关闭。
	ErrStoreClosed = errors.New("cache store closed")
	// ErrUnsupportedMethod 表示只有 GET 请求可以作为缓存键。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
	// ErrInvalidName 表示代际名称不合法。
	ErrInvalidName = errors.New("invalid generation name")
)

// Key 唯一定位一个快照：方法 + 绝对 URL（不含 fragment）。
type Key struct {
	Method string
	URL    string
}

// NewKey 由方法与 URL 构造缓存键，URL 的 fragment 会被丢弃。
func NewKey(method string, u *url.URL) Key {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return Key{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		URL:    clean.String(),
	}
}

// GetKey 解析绝对 URL 并返回 GET 键，常用于清单条目与回退文档。
func GetKey(rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse cache url: %w", err)
	}
	if !u.IsAbs() {
		return Key{}, fmt.Errorf("cache url must be absolute: %s", rawURL)
	}
	return NewKey(http.MethodGet, u), nil
}

// String 输出 "GET https://host/path" 形式，同时作为底层存储的键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 是 String 的逆操作。
func ParseKey(raw string) (Key, error) {
	method, rest, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rest == "" {
		return Key{}, fmt.Errorf("malformed cache key: %q", raw)
	}
	return Key{Method: method, URL: rest}, nil
}

func (k Key) validate() error {
	if k.Method != http.MethodGet {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, k.Method)
	}
	if k.URL == "" {
		return errors.New("cache key url required")
	}
	return nil
}

// validateName 保证代际名称可以安全地作为目录名或键前缀使用。
func validateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
