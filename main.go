package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/policy-gateway/internal/chain"
	"github.com/any-hub/policy-gateway/internal/config"
	"github.com/any-hub/policy-gateway/internal/gateway"
	_ "github.com/any-hub/policy-gateway/internal/handlers/auth"
	_ "github.com/any-hub/policy-gateway/internal/handlers/headers"
	_ "github.com/any-hub/policy-gateway/internal/handlers/logmsg"
	"github.com/any-hub/policy-gateway/internal/logging"
	"github.com/any-hub/policy-gateway/internal/metrics"
	"github.com/any-hub/policy-gateway/internal/plugin"
	"github.com/any-hub/policy-gateway/internal/policy"
	"github.com/any-hub/policy-gateway/internal/proxy"
	"github.com/any-hub/policy-gateway/internal/server"
	"github.com/any-hub/policy-gateway/internal/server/routes"
	"github.com/any-hub/policy-gateway/internal/tracing"
	"github.com/any-hub/policy-gateway/internal/version"
)

const envConfigPath = "POLICY_GATEWAY_CONFIG"

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
	os.Exit(execute(os.Args[1:]))
}

// execute 解析参数并运行，参数错误返回 2。
func execute(args []string) int {
	code := 0
	cmd := newRootCommand(func(opts cliOptions) {
		code = run(opts)
	})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return code
}

func newRootCommand(runFn func(cliOptions)) *cobra.Command {
	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	cmd := &cobra.Command{
		Use:   "policy-gateway",
		Short: "Policy-driven HTTP gateway",
		Long: `policy-gateway resolves GET /{policy} to a named policy, runs its inbound
handler chain, forwards to the policy target and runs the outbound chain
on the response.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runFn(resolveOptions(configFlag, checkOnly, showVer))
			return nil
		},
	}
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)

	cmd.Flags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+envConfigPath+" 覆盖）")
	cmd.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置与策略文件后退出")
	cmd.Flags().BoolVar(&showVer, "version", false, "显示版本信息")
	return cmd
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	cmd := newRootCommand(func(parsed cliOptions) {
		opts = parsed
	})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return opts, nil
}

func resolveOptions(configFlag string, checkOnly, showVersion bool) cliOptions {
	path := os.Getenv(envConfigPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVersion,
	}
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

	// 策略文件不可用时拒绝启动，之后的 reload 失败只会保留旧快照。
	table, err := policy.Load(cfg.Global.PolicyFile)
	if err != nil {
		fields := logging.BaseFields("policy_load", opts.configPath)
		fields["policy_file"] = cfg.Global.PolicyFile
		logger.WithFields(fields).WithError(err).Error("策略加载失败")
		fmt.Fprintf(stdErr, "加载策略失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		registry := plugin.NewRegistry(cfg.Plugins, plugin.WithLogger(logger))
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["policies"] = table.Len()
		fields["plugins"] = config.PluginNames(cfg.Plugins)
		unknown := unknownHandlers(table, registry)
		if len(unknown) > 0 {
			fields["unknown_handlers"] = unknown
			fields["result"] = "warn"
			logger.WithFields(fields).Warn("存在未注册的 handler，相关策略将返回 500")
			return 0
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	shutdownTracing, err := tracing.Setup(cfg.Global.TraceStdout, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 tracing 失败: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	var m *metrics.Metrics
	if cfg.Global.MetricsEnabled {
		m = metrics.New()
	}

	// CLI 启动遵循“配置 → 策略快照 → 插件注册表 → handler 池 → 转发器 → Fiber server”顺序，
	// 所有请求共享同一组实例。
	store := policy.NewStore(table)
	registry := plugin.NewRegistry(cfg.Plugins, plugin.WithLogger(logger), plugin.WithMetrics(m))
	pool := chain.NewPool(cfg.Global.HandlerConcurrency, cfg.Global.HandlerTimeout.DurationValue(), m)
	executor := chain.NewExecutor(registry, pool, logger, m)
	forwarder := proxy.NewForwarder(proxy.NewUpstreamClient(cfg.Global), cfg.Global.MaxResponseBytes, logger, m)
	router := gateway.NewRouter(store, executor, forwarder, logger, m)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["policies"] = table.Len()
	fields["policy_file"] = cfg.Global.PolicyFile
	fields["plugins"] = config.PluginNames(cfg.Plugins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := newReloadFunc(store, cfg.Global.PolicyFile, logger, m)
	if err := startReloaders(ctx, cfg.Global, reload, logger); err != nil {
		fmt.Fprintf(stdErr, "启动策略重载失败: %v\n", err)
		return 1
	}

	diag := routes.Diagnostics{Store: store, Plugins: registry, Metrics: m, Started: time.Now()}
	if err := startHTTPServer(ctx, cfg, router, diag, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Global.HandlerTimeout.DurationValue())
	defer cancel()
	if err := pool.Wait(drainCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("仍有 handler 未结束")
	}
	return 0
}

// newReloadFunc 返回 watcher 与定时任务共用的 reload 逻辑。
func newReloadFunc(store *policy.Store, path string, logger *logrus.Logger, m *metrics.Metrics) policy.ReloadFunc {
	return func() error {
		err := store.Reload(path)
		m.ObserveReload(err)
		fields := logrus.Fields{
			"action":      "policy_reload",
			"policy_file": path,
			"generation":  store.Generation(),
		}
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("策略重载失败，继续使用旧快照")
			return err
		}
		fields["policies"] = store.Snapshot().Len()
		logger.WithFields(fields).Info("策略已重载")
		return nil
	}
}

func startReloaders(ctx context.Context, g config.GlobalConfig, reload policy.ReloadFunc, logger *logrus.Logger) error {
	if g.WatchPolicies {
		watcher := policy.NewWatcher(g.PolicyFile, policy.DefaultDebounce, reload, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithField("action", "policy_watch").WithError(err).Error("策略文件监听退出")
			}
		}()
	}
	if g.PolicyReloadCron != "" {
		schedule, err := policy.NewSchedule(g.PolicyReloadCron, reload, logger)
		if err != nil {
			return err
		}
		if err := schedule.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func unknownHandlers(table *policy.Table, registry *plugin.Registry) []string {
	var unknown []string
	for _, name := range table.HandlerNames() {
		if !registry.Known(name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

func startHTTPServer(ctx context.Context, cfg *config.Config, gw server.Gateway, diag routes.Diagnostics, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:        logger,
		Gateway:       gw,
		DefaultPolicy: cfg.Global.DefaultPolicy,
		ListenPort:    port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, diag)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
