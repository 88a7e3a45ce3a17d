// Package extract runs the archive extraction state machine: stability
// wait, extension repair, volume handling, the password waterfall, and
// the optional verification and nested-archive passes.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hibiki.cc/otokura/internal/archive"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/metrics"
	"hibiki.cc/otokura/internal/vault"
)

const (
	// minStableSize rejects placeholder files still being created.
	minStableSize = 1024

	// volumeRecheckInterval is the re-read cadence while waiting for
	// sibling volumes to finish copying.
	volumeRecheckInterval = 2 * time.Second

	cleanupRetries   = 3
	cleanupRetryWait = time.Second
)

// Password candidate sources, used as metric labels and for vault
// bookkeeping after a successful extraction.
const (
	sourceVaultCode     = "vault_code"
	sourceVaultFilename = "vault_filename"
	sourceEmpty         = "none"
	sourceConfig        = "config"
	sourceVaultGeneric  = "vault_generic"
)

// Options carries the per-run hooks from the task worker. Checkpoint is
// called before each state transition; returning an error aborts the run.
type Options struct {
	Checkpoint func(step string) error
}

func (o Options) checkpoint(step string) error {
	if o.Checkpoint == nil {
		return nil
	}
	return o.Checkpoint(step)
}

// Result reports a finished extraction.
type Result struct {
	OutputDir   string
	SourcePath  string // possibly renamed by extension repair
	Password    string // working password, empty when none was needed
	Entries     []archive.Entry
	VolumeSet   *archive.VolumeSet
	NestedCount int
}

// Engine extracts one archive per Run call. Safe for concurrent use;
// each Run works on its own paths.
type Engine struct {
	driver  *archive.Driver
	vault   *vault.Vault
	cfg     config.ExtractConfig
	proc    config.ProcessingConfig
	tempDir string
}

func NewEngine(cfg *config.Config, drv *archive.Driver, v *vault.Vault) *Engine {
	return &Engine{
		driver:  drv,
		vault:   v,
		cfg:     cfg.Extract,
		proc:    cfg.Processing,
		tempDir: cfg.Storage.TempDir,
	}
}

// Run drives the state machine for archivePath and returns the output
// directory with the extraction details.
func (e *Engine) Run(ctx context.Context, archivePath string, opt Options) (*Result, error) {
	if err := opt.checkpoint("等待文件稳定"); err != nil {
		return nil, err
	}
	if err := e.waitStable(ctx, archivePath); err != nil {
		return nil, err
	}

	if err := opt.checkpoint("修复扩展名"); err != nil {
		return nil, err
	}
	archivePath, err := e.repairExtension(ctx, archivePath)
	if err != nil {
		return nil, err
	}

	vs, err := archive.DetectVolumeSet(archivePath)
	if err != nil {
		return nil, fmt.Errorf("extract: detect volumes for %s: %w", archivePath, err)
	}
	if vs != nil {
		if err := opt.checkpoint("等待分卷就绪"); err != nil {
			return nil, err
		}
		if archive.IsNonFirstVolume(filepath.Base(archivePath)) {
			slog.Info("redirecting to first volume", "from", filepath.Base(archivePath), "to", filepath.Base(vs.First()))
			archivePath = vs.First()
		}
		if err := e.waitVolumeSet(ctx, vs); err != nil {
			return nil, err
		}
	}

	if err := opt.checkpoint("读取压缩包内容"); err != nil {
		return nil, err
	}
	filename := filepath.Base(archivePath)
	candidates := e.passwordCandidates(filename)
	entries, listPassword := e.readContents(ctx, archivePath, candidates)

	if err := opt.checkpoint("解压"); err != nil {
		return nil, err
	}
	outDir := e.pickOutputDir(filename)
	password, err := e.tryExtract(ctx, archivePath, outDir, candidates, listPassword)
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.ExtractionsTotal.WithLabelValues("success").Inc()

	res := &Result{
		OutputDir:  outDir,
		SourcePath: archivePath,
		Password:   password,
		Entries:    entries,
		VolumeSet:  vs,
	}

	if e.cfg.VerifyAfterExtract {
		if err := opt.checkpoint("校验解压结果"); err != nil {
			return nil, err
		}
		if err := e.verify(outDir, entries); err != nil {
			e.removeWithRetry(outDir)
			return nil, err
		}
	}

	if e.cfg.ExtractNested {
		if err := opt.checkpoint("解压嵌套压缩包"); err != nil {
			return nil, err
		}
		res.NestedCount = e.extractNested(ctx, outDir, password)
	}

	slog.Info("extraction finished",
		"archive", filename,
		"output", outDir,
		"entries", len(entries),
		"nested", res.NestedCount,
	)
	return res, nil
}

// waitStable blocks until the file size holds still for the configured
// number of consecutive readings. A file that cannot be opened (the
// producer still holds it) resets the counter instead of failing.
func (e *Engine) waitStable(ctx context.Context, path string) error {
	interval, _ := time.ParseDuration(e.proc.StableInterval)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxWait, _ := time.ParseDuration(e.proc.MaxStableWait)
	if maxWait <= 0 {
		maxWait = time.Hour
	}
	needed := e.proc.StableChecks
	if needed < 1 {
		needed = 3
	}

	deadline := time.Now().Add(maxWait)
	var lastSize int64 = -1
	stable := 0

	for {
		size, readable := probeFile(path)
		switch {
		case !readable:
			stable = 0
			lastSize = -1
		case size == lastSize && size >= minStableSize:
			stable++
			if stable >= needed {
				return nil
			}
		default:
			stable = 1
			if size < minStableSize {
				stable = 0
			}
			lastSize = size
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("extract: %s did not stabilize within %s", filepath.Base(path), maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// probeFile returns the file size and whether it could actually be
// opened for reading, not just stat'ed.
func probeFile(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	f.Close()
	return info.Size(), true
}

// repairExtension renames files whose extension disagrees with their
// magic bytes. Self-extractors and volume files are left alone.
func (e *Engine) repairExtension(ctx context.Context, path string) (string, error) {
	if !e.cfg.AutoRepairExtension {
		return path, nil
	}
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".exe" || archive.IsNonFirstVolume(name) || isVolumePart(name) {
		return path, nil
	}

	kind := archive.SniffTypeRetry(path, 3, time.Second)
	if kind == "" {
		// Magic said nothing; trust the tool's own detection.
		kind = e.driver.DetectType(ctx, path)
	}
	if kind == "" || "."+kind == ext {
		return path, nil
	}

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	target := stem + "." + kind
	for n := 1; pathExists(target); n++ {
		target = fmt.Sprintf("%s(%d).%s", stem, n, kind)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("extract: repair extension of %s: %w", name, err)
	}
	slog.Info("repaired archive extension", "from", name, "to", filepath.Base(target), "kind", kind)
	return target, nil
}

var volumePartRe = regexp.MustCompile(`(?i)\.(part\d+\.(rar|zip|7z)|z\d{2}|\d{2,3})$`)

func isVolumePart(name string) bool {
	return volumePartRe.MatchString(name)
}

// waitVolumeSet waits for every volume of the set to stop growing.
func (e *Engine) waitVolumeSet(ctx context.Context, vs *archive.VolumeSet) error {
	maxWait, _ := time.ParseDuration(e.proc.MaxStableWait)
	if maxWait <= 0 {
		maxWait = time.Hour
	}
	deadline := time.Now().Add(maxWait)

	slog.Info("waiting for volume set", "base", vs.BaseName, "kind", vs.Kind, "volumes", len(vs.Volumes))
	for _, vol := range vs.Volumes {
		for {
			first, okFirst := probeFile(vol)
			if okFirst {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(volumeRecheckInterval):
				}
				second, okSecond := probeFile(vol)
				if okSecond && second == first {
					break
				}
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("extract: volume %s did not stabilize within %s", filepath.Base(vol), maxWait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(volumeRecheckInterval):
			}
		}
	}
	return nil
}

// candidate is one password to try, tagged with where it came from.
type candidate struct {
	password string
	source   string
}

// passwordCandidates builds the waterfall for filename: vault code
// matches, vault filename matches, no password, configured defaults,
// then the vault's generic entries. Duplicates keep their first slot.
func (e *Engine) passwordCandidates(filename string) []candidate {
	var byCode, byFile, generic []string
	if e.vault != nil {
		byCode, byFile, generic = e.vault.ScopedPasswords(filename)
	}

	var out []candidate
	seen := make(map[string]bool)
	add := func(password, source string) {
		if seen[password] {
			return
		}
		seen[password] = true
		out = append(out, candidate{password: password, source: source})
	}

	for _, p := range byCode {
		add(p, sourceVaultCode)
	}
	for _, p := range byFile {
		add(p, sourceVaultFilename)
	}
	add("", sourceEmpty)
	for _, p := range e.cfg.Passwords {
		add(p, sourceConfig)
	}
	for _, p := range generic {
		add(p, sourceVaultGeneric)
	}
	return out
}

// readContents finds a password under which the listing succeeds. When
// none does the extraction still proceeds; verification is skipped.
func (e *Engine) readContents(ctx context.Context, path string, candidates []candidate) ([]archive.Entry, string) {
	for _, c := range candidates {
		entries, err := e.driver.List(ctx, path, c.password)
		if err == nil {
			slog.Debug("archive listing succeeded",
				"archive", filepath.Base(path),
				"entries", len(entries),
				"password_source", c.source,
			)
			return entries, c.password
		}
		if ctx.Err() != nil {
			return nil, ""
		}
	}
	slog.Warn("no password candidate could list the archive", "archive", filepath.Base(path))
	return nil, ""
}

// tryExtract works through the candidates until one extracts cleanly.
// The password that listed the contents goes first.
func (e *Engine) tryExtract(ctx context.Context, path, outDir string, candidates []candidate, listPassword string) (string, error) {
	ordered := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.password == listPassword {
			ordered = append([]candidate{c}, ordered...)
			continue
		}
		ordered = append(ordered, c)
	}

	filename := filepath.Base(path)
	for _, c := range ordered {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		err := e.driver.Extract(ctx, path, outDir, c.password)
		if err == nil {
			metrics.PasswordAttemptsTotal.WithLabelValues(c.source, "success").Inc()
			e.recordPassword(c, filename)
			return c.password, nil
		}
		metrics.PasswordAttemptsTotal.WithLabelValues(c.source, "failure").Inc()
		slog.Debug("extraction attempt failed",
			"archive", filename,
			"password_source", c.source,
			"error", err,
		)
		e.removeWithRetry(outDir)
	}
	return "", fmt.Errorf("extract %s: all %d password candidates failed", filename, len(ordered))
}

// recordPassword bumps vault bookkeeping for the working password, and
// captures passwords that worked but were not in the vault yet.
func (e *Engine) recordPassword(c candidate, filename string) {
	if e.vault == nil || c.password == "" {
		return
	}
	switch c.source {
	case sourceVaultCode, sourceVaultFilename, sourceVaultGeneric:
		if err := e.vault.RecordUse(c.password); err != nil {
			slog.Warn("failed to record password use", "error", err)
		}
	default:
		e.vault.CaptureAuto(c.password, filename)
	}
}

// pickOutputDir reserves <temp>/<stem>, shifting to <stem>_N when a
// previous run left the directory behind.
func (e *Engine) pickOutputDir(filename string) string {
	want := filepath.Join(e.tempDir, outputStem(filename))
	target := want
	for n := 1; pathExists(target); n++ {
		target = fmt.Sprintf("%s_%d", want, n)
	}
	return target
}

var stemIllegalRe = regexp.MustCompile(`[<>:"|?*\s]+`)

// outputStem derives the temp directory name from the archive filename:
// one extension off, spaces and reserved characters removed.
func outputStem(filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	stem = stemIllegalRe.ReplaceAllString(stem, "")
	if stem == "" {
		stem = "extracted"
	}
	return stem
}

// CleanupOutputs removes the output directories a failed run may have
// left for archivePath: <stem>, <stem>_1..3 and <stem>_temp.
func (e *Engine) CleanupOutputs(archivePath string) {
	stem := filepath.Join(e.tempDir, outputStem(filepath.Base(archivePath)))
	targets := []string{stem, stem + "_temp"}
	for n := 1; n <= 3; n++ {
		targets = append(targets, fmt.Sprintf("%s_%d", stem, n))
	}
	for _, target := range targets {
		if pathExists(target) {
			e.removeWithRetry(target)
		}
	}
}

// removeWithRetry removes path, retrying while the tool or a scanner
// still holds files open.
func (e *Engine) removeWithRetry(path string) {
	var err error
	for i := 0; i < cleanupRetries; i++ {
		if err = os.RemoveAll(path); err == nil {
			return
		}
		time.Sleep(cleanupRetryWait)
	}
	slog.Warn("failed to remove extraction leftovers", "path", path, "error", err)
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
