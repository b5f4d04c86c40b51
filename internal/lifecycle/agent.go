package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/logging"
	"github.com/offline-agent/offline-agent/internal/network"
)

const defaultInstallConcurrency = 6

var (
	// ErrUnknownMessage 表示收到不支持的控制命令。
	ErrUnknownMessage = errors.New("unknown agent message")
	// ErrNotInstalled 表示当前代际尚未安装，无法激活。
	ErrNotInstalled = errors.New("agent not installed")
)

// Options 汇总 Agent 的依赖。
type Options struct {
	Release   Release
	Namespace *cache.Namespace
	Fetcher   network.Fetcher
	Logger    *logrus.Logger
	// SkipWaitingOnInstall 为 true 时安装完成立即激活，否则等待 SKIP_WAITING 消息。
	SkipWaitingOnInstall bool
	// InstallConcurrency 限制预缓存时的并发回源数。
	InstallConcurrency int
}

// InstallReport 描述一次预缓存的结果。Err 汇总了所有失败条目。
type InstallReport struct {
	Stored []string
	Failed []string
	Err    error
}

// ActivateReport 描述一次代际回收的结果。
type ActivateReport struct {
	Deleted []string
	Failed  []string
	Claimed int
}

// Agent 管理一个版本的安装、激活与控制权。
type Agent struct {
	release     Release
	ns          *cache.Namespace
	fetcher     network.Fetcher
	logger      *logrus.Logger
	skipOnStart bool
	concurrency int

	mu            sync.RWMutex
	state         State
	skipRequested bool
	controlling   bool
	generation    cache.Generation
	clients       map[string]time.Time
}

// NewAgent 构造代理，此时尚未触碰存储。
func NewAgent(opts Options) (*Agent, error) {
	if opts.Namespace == nil {
		return nil, errors.New("cache namespace required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Release.CacheName == "" {
		return nil, errors.New("release cache name required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	return &Agent{
		release:     opts.Release,
		ns:          opts.Namespace,
		fetcher:     opts.Fetcher,
		logger:      logger,
		skipOnStart: opts.SkipWaitingOnInstall,
		concurrency: concurrency,
		clients:     make(map[string]time.Time),
	}, nil
}

// Start 执行安装；配置允许时紧接着跳过等待并激活。
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.Install(ctx); err != nil {
		return err
	}
	a.mu.RLock()
	skip := a.skipOnStart || a.skipRequested
	a.mu.RUnlock()
	if !skip {
		a.logger.WithFields(a.fields("waiting")).Info("安装完成，等待 SKIP_WAITING 消息")
		return nil
	}
	return a.SkipWaiting(ctx)
}

// Install 打开（或创建）当前代际，并尽力预缓存清单中的全部资源。
// 单个条目失败只记录警告，只有代际本身无法打开时才返回错误。
func (a *Agent) Install(ctx context.Context) (InstallReport, error) {
	a.setState(StateInstalling)
	reused, err := a.ns.Has(ctx, a.release.CacheName)
	if err != nil {
		a.setState(StateRedundant)
		return InstallReport{}, fmt.Errorf("inspect generation %s: %w", a.release.CacheName, err)
	}
	gen, err := a.ns.Open(ctx, a.release.CacheName)
	if err != nil {
		a.setState(StateRedundant)
		return InstallReport{}, fmt.Errorf("open generation %s: %w", a.release.CacheName, err)
	}

	var (
		mu     sync.Mutex
		report InstallReport
		errs   []error
	)
	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	for _, asset := range a.release.Assets {
		asset := asset
		g.Go(func() error {
			err := a.precache(ctx, gen, asset)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, asset)
				errs = append(errs, err)
				a.logger.WithFields(a.fields("install")).WithField("asset", asset).
					WithError(err).Debug("预缓存条目失败")
				return nil
			}
			report.Stored = append(report.Stored, asset)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Stored)
	sort.Strings(report.Failed)
	report.Err = errors.Join(errs...)

	a.mu.Lock()
	a.generation = gen
	a.state = StateInstalled
	a.mu.Unlock()

	fields := a.fields("install")
	fields["stored"] = len(report.Stored)
	fields["failed"] = len(report.Failed)
	fields["reused"] = reused
	if report.Err != nil {
		a.logger.WithFields(fields).WithError(report.Err).Warn("部分核心资源预缓存失败")
	} else {
		a.logger.WithFields(fields).Info("核心资源预缓存完成")
	}
	return report, nil
}

func (a *Agent) precache(ctx context.Context, gen cache.Generation, asset string) error {
	key, err := cache.GetKey(asset)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	snap, err := cache.NewSnapshot(resp)
	if err != nil {
		return err
	}
	if !snap.OK() {
		return fmt.Errorf("%s: unexpected status %d", asset, snap.Status)
	}
	_, err = cache.NewWriter(gen, cache.StorePrecache).Store(ctx, key, snap)
	return err
}

// SkipWaiting 对应“跳过等待”：已安装时立即激活；安装尚未完成时记下请求，
// 由 Start 在安装结束后处理；已激活时什么也不做。
func (a *Agent) SkipWaiting(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateInstalled:
		a.mu.Unlock()
		_, err := a.Activate(ctx)
		return err
	case StateNew, StateInstalling:
		a.skipRequested = true
		a.mu.Unlock()
		return nil
	default:
		a.mu.Unlock()
		return nil
	}
}

// Activate 删除本命名空间内除当前代际外的所有代际，然后接管全部客户端。
// 每个删除相互独立，失败只记录，不影响其它删除。
func (a *Agent) Activate(ctx context.Context) (ActivateReport, error) {
	a.mu.Lock()
	if a.state != StateInstalled {
		state := a.state
		a.mu.Unlock()
		if state == StateActivated || state == StateActivating {
			return ActivateReport{}, nil
		}
		return ActivateReport{}, ErrNotInstalled
	}
	a.state = StateActivating
	a.mu.Unlock()

	report, err := a.collectGarbage(ctx)
	if err != nil {
		a.setState(StateInstalled)
		return report, err
	}

	report.Claimed = a.ClaimClients()
	a.setState(StateActivated)

	fields := a.fields("activate")
	fields["deleted"] = len(report.Deleted)
	fields["failed"] = len(report.Failed)
	fields["claimed"] = report.Claimed
	a.logger.WithFields(fields).Info("代际回收完成，已接管客户端")
	return report, nil
}

func (a *Agent) collectGarbage(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport
	owned, err := a.ns.Owned(ctx)
	if err != nil {
		return report, fmt.Errorf("list generations: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, name := range owned {
		if name == a.release.CacheName {
			continue
		}
		name := name
		g.Go(func() error {
			_, err := a.ns.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, name)
				a.logger.WithFields(a.fields("activate")).WithField("stale_generation", name).
					WithError(err).Warn("删除旧代际失败")
				return nil
			}
			report.Deleted = append(report.Deleted, name)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Deleted)
	sort.Strings(report.Failed)
	return report, nil
}

// ClaimClients 让代理立即接管所有已连接客户端，而不是等到下一次导航。
// 已打开的旧页面可能与新代际的资源不一致，这一点会记录在日志中。
func (a *Agent) ClaimClients() int {
	a.mu.Lock()
	a.controlling = true
	claimed := len(a.clients)
	a.mu.Unlock()

	if claimed > 0 {
		fields := a.fields("claim")
		fields["clients"] = claimed
		a.logger.WithFields(fields).Info("已接管打开中的客户端，旧页面可能与新代际资源不一致")
	}
	return claimed
}

// HandleMessage 处理控制命令。
func (a *Agent) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		a.logger.WithFields(a.fields("message")).Info("收到 SKIP_WAITING")
		return a.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// ObserveClient 记录一次来自客户端的请求。
func (a *Agent) ObserveClient(id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	a.clients[id] = time.Now()
	a.mu.Unlock()
}

// Clients 返回已观察到的客户端数量。
func (a *Agent) Clients() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

// Controlling 表示路由是否已开始拦截请求。
func (a *Agent) Controlling() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controlling
}

// Generation 返回当前代际，安装前为 nil。
func (a *Agent) Generation() cache.Generation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// Release 返回本代理服务的版本描述。
func (a *Agent) Release() Release {
	return a.release
}

// State 返回当前生命周期阶段。
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) fields(phase string) logrus.Fields {
	return logging.LifecycleFields(phase, a.release.Version, a.release.CacheName)
}
