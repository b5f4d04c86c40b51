package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrForeignGeneration 表示目标代际不属于当前命名空间，禁止打开或删除。
var ErrForeignGeneration = errors.New("generation not owned by namespace")

// Namespace 把共享存储按“<prefix>-”前缀切分：只有带前缀的代际才属于本应用，
// 枚举、打开、删除都经过这一层过滤，其它应用的代际永远不会被触碰。
type Namespace struct {
	backend Backend
	prefix  string
}

// NewNamespace 创建命名空间视图，prefix 不能为空也不能包含分隔符。
func NewNamespace(backend Backend, prefix string) (*Namespace, error) {
	if backend == nil {
		return nil, errors.New("cache backend required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, errors.New("cache prefix required")
	}
	if err := validateName(prefix); err != nil {
		return nil, err
	}
	return &Namespace{backend: backend, prefix: prefix}, nil
}

// Prefix 返回命名空间前缀（不含末尾的 "-"）。
func (n *Namespace) Prefix() string {
	return n.prefix
}

// GenerationName 按 "<prefix>-<version>" 生成代际名称。
func (n *Namespace) GenerationName(version string) string {
	return n.prefix + "-" + version
}

// Owns 判断代际名称是否属于本命名空间。
func (n *Namespace) Owns(name string) bool {
	return strings.HasPrefix(name, n.prefix+"-") && len(name) > len(n.prefix)+1
}

// Owned 列出存储中属于本命名空间的代际，顺序与 Backend.Names 一致。
func (n *Namespace) Owned(ctx context.Context) ([]string, error) {
	names, err := n.backend.Names(ctx)
	if err != nil {
		return nil, err
	}
	owned := make([]string, 0, len(names))
	for _, name := range names {
		if n.Owns(name) {
			owned = append(owned, name)
		}
	}
	return owned, nil
}

func (n *Namespace) Open(ctx context.Context, name string) (Generation, error) {
	if !n.Owns(name) {
		return nil, fmt.Errorf("%w: %s", ErrForeignGeneration, name)
	}
	return n.backend.Open(ctx, name)
}

func (n *Namespace) Has(ctx context.Context, name string) (bool, error) {
	if !n.Owns(name) {
		return false, nil
	}
	return n.backend.Has(ctx, name)
}

func (n *Namespace) Delete(ctx context.Context, name string) (bool, error) {
	if !n.Owns(name) {
		return false, fmt.Errorf("%w: %s", ErrForeignGeneration, name)
	}
	return n.backend.Delete(ctx, name)
}
