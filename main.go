package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/offline-agent/offline-agent/internal/background"
	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/config"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
	"github.com/offline-agent/offline-agent/internal/logging"
	"github.com/offline-agent/offline-agent/internal/network"
	"github.com/offline-agent/offline-agent/internal/proxy"
	"github.com/offline-agent/offline-agent/internal/server"
	"github.com/offline-agent/offline-agent/internal/server/routes"
	"github.com/offline-agent/offline-agent/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	rt, err := config.BuildAgentRuntime(cfg.Agent)
	if err != nil {
		fmt.Fprintf(stdErr, "解析清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["domain"] = cfg.Agent.Domain
		fields["scope"] = rt.Scope.String()
		fields["manifest"] = cfg.Agent.ManifestSource()
		fields["assets"] = len(rt.Manifest.Assets)
		fields["driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, rt, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_AGENT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func openBackend(cfg config.GlobalConfig) (cache.Backend, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverFS:
		return cache.NewFSBackend(cfg.StoragePath)
	default:
		return cache.NewLevelDBBackend(cfg.StoragePath)
	}
}

// serve 按“存储 → 代际命名空间 → 生命周期 → 路由 → Fiber”的顺序装配组件，
// 安装与激活在监听之前完成，收到信号后依次关闭 HTTP、后台写入与存储。
func serve(ctx context.Context, cfg *config.Config, rt config.AgentRuntime, configPath string, logger *logrus.Logger) error {
	backend, err := openBackend(cfg.Global)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer backend.Close()

	ns, err := cache.NewNamespace(backend, cfg.Agent.CachePrefix)
	if err != nil {
		return err
	}

	release, err := lifecycle.NewRelease(ns, cfg.Agent.Version, rt.Scope, rt.Manifest)
	if err != nil {
		return err
	}

	site, err := server.NewSite(cfg)
	if err != nil {
		return err
	}

	fetcher, err := network.NewHTTPFetcher(network.NewUpstreamClient(cfg), cfg.Agent.Origin, cfg.Agent.UpstreamOrOrigin())
	if err != nil {
		return err
	}

	group := background.NewGroup(background.Options{
		Limit:   cfg.Global.MaxBackgroundWrites,
		Timeout: cfg.Global.UpstreamTimeout.DurationValue(),
		Logger:  logger,
	})

	agent, err := lifecycle.NewAgent(lifecycle.Options{
		Release:              release,
		Namespace:            ns,
		Fetcher:              fetcher,
		Logger:               logger,
		SkipWaitingOnInstall: cfg.Agent.SkipWaitingOnInstall,
	})
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		// 安装失败时代理仍可透传请求，因此只记录日志。
		logger.WithFields(logging.LifecycleFields("start", release.Version, release.CacheName)).
			WithError(err).Warn("agent start incomplete")
	}

	router, err := proxy.NewRouter(proxy.RouterOptions{
		Controller: agent,
		Fetcher:    fetcher,
		Origin:     site.Origin(),
		Group:      group,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	forwarder := proxy.NewForwarder(proxy.NewHandler(router, agent, logger), logger)

	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Site:       site,
		Proxy:      forwarder,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAgentRoutes(app, agent, ns, group)

	fields := logging.BaseFields("startup", configPath)
	fields["domain"] = site.Domain()
	fields["origin"] = site.Origin().String()
	fields["listen_port"] = port
	fields["cache"] = release.CacheName
	fields["state"] = agent.State().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Global.ShutdownTimeout.DurationValue())
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("HTTP 服务关闭失败")
	}
	if err := group.Wait(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.WithField("action", "shutdown").WithError(err).Warn("后台写入未完成")
	}
	return serveErr
}
