package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"bundleobf/internal/diag"
	"bundleobf/internal/hostcli"
	"bundleobf/pkg/contract"
	"bundleobf/pkg/modfilter"
	wfs "bundleobf/plugins/writer/filesystem"
)

// filterReply: 每个输入模块对应的一行输出。
type filterReply struct {
	Keep   bool              `json:"keep"`
	Module *modfilter.Module `json:"module"`
}

func newFilterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "filter [-- host-argv...]",
		Short: "Module filter hook: NDJSON modules on stdin, tagged modules on stdout",
		Long: "filter receives the bundler's own command line after \"--\". Unless that command\n" +
			"is a release \"bundle\" command, modules are passed through untagged and an empty\n" +
			"selection manifest is written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			defer a.close()
			return a.filter(cmd.Context(), args)
		},
	}
}

// filter 逐行处理宿主发来的模块；输入结束后封存选择集并写出清单。
// 非 release bundle 构建时原样放行所有模块，清单为空。
func (a *app) filter(ctx context.Context, hostArgv []string) error {
	start := time.Now()
	host, err := hostcli.Parse(hostArgv)
	if err != nil {
		return fail(exitConfig, "host args: %w", err)
	}
	root := a.projectRoot()
	sel := modfilter.NewSelection()
	f, err := modfilter.New(modfilter.Options{
		ProjectRoot:  root,
		Exclude:      a.cfg.Filter.Exclude,
		Extensions:   a.cfg.Filter.Extensions,
		CanonicalExt: a.cfg.Filter.CanonicalExt,
		Labels:       a.cfg.Filter.Labels,
	}, sel)
	if err != nil {
		return fail(exitConfig, "%w", err)
	}
	process := f.Process
	if reason := hostcli.SkipReason(host, a.cfg.RunInDev); reason != "" {
		a.logger.Skip("hostcli", reason)
		diag.IncOp("modfilter", "skip", "success")
		process = func(*modfilter.Module) bool { return true }
	}
	t := a.logger.StartWithKV("modfilter", "filter", "", "", map[string]string{"project_root": root})

	dec := json.NewDecoder(bufio.NewReaderSize(a.stdin, 256*1024))
	out := bufio.NewWriter(a.stdout)
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	var seen int64
	for {
		if err := ctx.Err(); err != nil {
			return &exitError{code: exitRuntime, err: err}
		}
		var m modfilter.Module
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			diag.Record(a.logger, "modfilter", "decode module", err, "", strconv.FormatInt(seen, 10))
			return fail(exitRuntime, "filter: module %d: %w", seen, err)
		}
		seen++
		keep := process(&m)
		if err := enc.Encode(filterReply{Keep: keep, Module: &m}); err != nil {
			return fail(exitRuntime, "filter: write: %w", err)
		}
	}
	if err := out.Flush(); err != nil {
		return fail(exitRuntime, "filter: write: %w", err)
	}

	mods := sel.Finalize()
	if err := writeManifest(ctx, root, a.cfg.Manifest, modfilter.Manifest{ProjectRoot: root, Modules: mods}); err != nil {
		diag.Record(a.logger, "modfilter", "write manifest", err, "", "")
		return fail(exitRuntime, "%w", err)
	}
	a.logger.Info("modfilter", "selection sealed", map[string]string{
		"modules":  strconv.FormatInt(seen, 10),
		"selected": strconv.Itoa(len(mods)),
		"manifest": manifestPath(root, a.cfg.Manifest),
	})
	diag.ObserveDuration("modfilter", "filter", time.Since(start).Milliseconds())
	t.Finish("filter", int64(len(mods)))
	return nil
}

// projectRoot: 显式配置优先，否则自工作目录向上查找 package.json。
func (a *app) projectRoot() string {
	if r := strings.TrimSpace(a.cfg.ProjectRoot); r != "" {
		if abs, err := filepath.Abs(r); err == nil {
			return abs
		}
		return r
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return hostcli.FindProjectRoot(afero.NewOsFs(), wd)
}

func manifestPath(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// writeManifest 经文件系统 Writer 原子写出清单。
func writeManifest(ctx context.Context, root, p string, m modfilter.Manifest) error {
	full := manifestPath(root, p)
	w, err := wfs.New(&wfs.Options{OutputDir: filepath.Dir(full)})
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	var buf bytes.Buffer
	if err := modfilter.WriteManifest(&buf, m); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if err := w.Write(ctx, contract.ArtifactID(filepath.Base(full)), &buf); err != nil {
		return fmt.Errorf("manifest: write %s: %w", full, err)
	}
	return nil
}

// readManifest 读取清单；文件不存在时返回空选择集与 found=false。
func readManifest(root, p string) (m modfilter.Manifest, found bool, err error) {
	full := manifestPath(root, p)
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return modfilter.Manifest{}, false, nil
		}
		return modfilter.Manifest{}, false, err
	}
	defer f.Close()
	m, err = modfilter.ReadManifest(f)
	if err != nil {
		return modfilter.Manifest{}, true, fmt.Errorf("%s: %w", full, err)
	}
	return m, true, nil
}
