package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	cfgpkg "bundleobf/internal/config"
	"bundleobf/internal/diag"
	"bundleobf/internal/hostcli"
	"bundleobf/internal/pipeline"
	"bundleobf/internal/scratch"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run [-- host-argv...]",
		Short: "Post-build stage: transform the selected modules of the emitted bundle",
		Long: "run receives the bundler's own command line after \"--\". It does nothing unless\n" +
			"that command is a release \"bundle\" command, then transforms every module listed\n" +
			"in the selection manifest and rewrites the bundle in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			defer a.close()
			return a.run(cmd.Context(), args)
		},
	}
}

// run 执行构建后阶段。跳过时不做任何 I/O，退出码为 0。
func (a *app) run(ctx context.Context, hostArgv []string) error {
	start := time.Now()
	host, err := hostcli.Parse(hostArgv)
	if err != nil {
		return fail(exitConfig, "host args: %w", err)
	}
	if reason := hostcli.SkipReason(host, a.cfg.RunInDev); reason != "" {
		a.logger.Skip("hostcli", reason)
		diag.IncOp("pipeline", "skip", "success")
		return nil
	}

	root := a.projectRoot()
	wd, _ := os.Getwd()
	bundlePath, fellBack := hostcli.ResolveBundlePath(host, wd, root, a.cfg.DefaultBundlePath)
	if fellBack {
		a.logger.Warn("hostcli", "bundle path not in host args, using default", map[string]string{"path": bundlePath})
	}

	man, found, err := readManifest(root, a.cfg.Manifest)
	if err != nil {
		diag.Record(a.logger, "modfilter", "read manifest", err, "", "")
		return fail(exitConfig, "%w", err)
	}
	if !found {
		a.logger.Warn("modfilter", "selection manifest missing, nothing selected", map[string]string{"path": manifestPath(root, a.cfg.Manifest)})
	}

	scr, err := scratch.New(nil, a.cfg.TempDir)
	if err != nil {
		return fail(exitRuntime, "%w", err)
	}
	keep := a.cfg.LogObfuscatedFiles
	defer func() {
		if keep {
			a.logger.Info("scratch", "workspace retained", map[string]string{"path": scr.Root()})
		}
		if err := scr.Dispose(keep); err != nil {
			a.logger.Warn("scratch", "dispose failed", map[string]string{"path": scr.Root(), "error": err.Error()})
		}
	}()

	comp, set, err := cfgpkg.Assemble(a.cfg, cfgpkg.Layout{
		BundlePath:  bundlePath,
		ProjectRoot: root,
		Selection:   man.Modules,
		Scratch:     scr,
	})
	if err != nil {
		diag.Record(a.logger, "config", "assemble", err, "", "")
		return fail(exitConfig, "assemble: %w", err)
	}

	term := diag.NewTerminal(a.stderr, a.cfg.Status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(a.cfg.BatchSize, a.cfg.Transformer.Name)
	a.logger.DebugStart("config", "effective", "", "", map[string]string{
		"bundle":       bundlePath,
		"project_root": root,
		"selected":     strconv.Itoa(len(man.Modules)),
		"transformer":  a.cfg.Transformer.Name,
		"batch_size":   strconv.Itoa(a.cfg.BatchSize),
		"source_map":   strconv.FormatBool(a.cfg.SourceMap),
		"scratch":      scr.Root(),
	})

	t := a.logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, comp, set, a.logger)
	if err != nil {
		code := string(diag.Classify(err))
		a.logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		term.RunFinish(false, time.Since(start))
		a.writeMetrics()
		if errors.Is(err, context.Canceled) {
			return &exitError{code: exitRuntime}
		}
		return fail(exitRuntime, "run: %w", err)
	}
	t.Finish("run", int64(rep.Transformed))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	if a.cfg.Summary {
		printSummary(a.stdout, rep)
	}
	a.writeMetrics()
	return nil
}

func (a *app) writeMetrics() {
	p := a.cfg.Metrics.File
	if p == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err == nil {
		err = diag.WriteMetrics(p)
		if err == nil {
			return
		}
	}
	a.logger.Warn("diag", "write metrics failed", map[string]string{"path": p})
}

// printSummary 输出逐模块结果表与合计行。
func printSummary(w io.Writer, rep pipeline.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Module", "Batch", "Result", "Lines", "Error"})
	table.SetAutoWrapText(false)
	for _, f := range rep.Files {
		batch := "-"
		if f.Outcome != pipeline.OutcomeUnmatched {
			batch = strconv.FormatInt(f.Batch, 10)
		}
		table.Append([]string{
			strconv.Itoa(f.Segment),
			string(f.Name),
			batch,
			string(f.Outcome),
			strconv.Itoa(f.Lines),
			f.Err,
		})
	}
	table.SetFooter([]string{"", fmt.Sprintf("segments %d", rep.Segments), fmt.Sprintf("batches %d", rep.Batches),
		fmt.Sprintf("ok %d", rep.Transformed), fmt.Sprintf("skipped %d", rep.Skipped), fmt.Sprintf("unmatched %d", rep.Unmatched)})
	table.Render()
}
