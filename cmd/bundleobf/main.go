package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	cfgpkg "bundleobf/internal/config"
	"bundleobf/internal/diag"
	"bundleobf/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功或跳过；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// exitError 携带退出码；err 为空时不再向 stderr 打印。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, a...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute 运行命令树并映射退出码。
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// 在读取任何配置前加载工作目录下的 .env（不覆盖已有 ENV）
	_ = godotenv.Load()
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fprintf(stderr, "bundleobf: %v\n", ee.err)
			}
			return ee.code
		}
		// cobra 自身的参数错误
		fprintf(stderr, "bundleobf: %v\n", err)
		return exitConfig
	}
	return exitOK
}

// app 保存一次调用的共享状态。
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configFile string
	cfg        cfgpkg.Config
	logger     *diag.Logger
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	def := cfgpkg.Defaults()
	root := &cobra.Command{
		Use:           "bundleobf",
		Short:         "Obfuscate application modules inside a React Native bundle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./bundleobf.{yaml,json,toml})")
	pf.Bool("run-in-dev", def.RunInDev, "also run for development builds")
	pf.Bool("source-map", def.SourceMap, "write a combined source map")
	pf.String("source-map-location", def.SourceMapLocation, "source map path (relative to the project root)")
	pf.Bool("log-obfuscated-files", def.LogObfuscatedFiles, "keep the scratch workspace after the run")
	pf.String("project-root", def.ProjectRoot, "project root (default: nearest directory with package.json)")
	pf.String("temp-dir", def.TempDir, "parent directory of the scratch workspace")
	pf.String("manifest", def.Manifest, "selection manifest path (relative to the project root)")
	pf.Int("batch-size", def.BatchSize, "files transformed concurrently per batch")
	pf.Int("max-retries", def.MaxRetries, "retries for rate-limited or network failures")
	pf.String("transformer", def.Transformer.Name, "transformer name")
	pf.String("log-level", def.Logging.Level, "debug|info|warn|error")
	pf.String("log-format", def.Logging.Format, "json|console")
	pf.String("log-dir", def.Logging.Dir, "also write logs to a rotating file in this directory")
	pf.String("metrics-file", def.Metrics.File, "write Prometheus text metrics here after the run")
	pf.Bool("summary", def.Summary, "print a per-module result table")
	pf.Bool("status", def.Status, "terminal progress on stderr")

	root.AddCommand(newFilterCmd(a), newRunCmd(a), newInitCmd(a))
	return root
}

// load 合并配置并建立日志器；失败映射为配置错误。
func (a *app) load(cmd *cobra.Command) error {
	wd, _ := os.Getwd()
	cfg, used, err := cfgpkg.Load(cfgpkg.Source{File: a.configFile, Dir: wd, Flags: cmd.Flags()})
	if err != nil {
		return fail(exitConfig, "%w", err)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		return fail(exitConfig, "%w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cfg, uuid.NewString(), a.stderr)
	if used != "" {
		a.logger.DebugStart("config", "loaded", "", "", map[string]string{"file": used})
	}
	return nil
}

// newLogger: 默认 JSON 行写 stderr；配置了 logging.dir 时写轮转文件。
func newLogger(cfg cfgpkg.Config, corrID string, stderr io.Writer) *diag.Logger {
	if dir := strings.TrimSpace(cfg.Logging.Dir); dir != "" {
		return diag.NewLogger(corrID, cfg.Logging.Level, dir, cfg.Logging.Format)
	}
	return diag.NewLoggerWriter(corrID, cfg.Logging.Level, diag.FormatWriter(stderr, cfg.Logging.Format))
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }
