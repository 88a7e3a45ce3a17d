package organize

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"hibiki.cc/otokura/internal/config"
)

// audioExtensions is the tally set for the adaptive mp3 guard.
var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".flac": true, ".m4a": true,
	".ogg": true, ".wma": true, ".aac": true,
}

var mp3PatternRe = regexp.MustCompile(`(?i)mp3`)

// FilterResult counts what one filter pass removed.
type FilterResult struct {
	Files   int
	Folders int
}

// Filter deletes files and folders whose basenames match the configured
// rules.
type Filter struct {
	cfg config.FilterConfig
}

func NewFilter(cfg config.FilterConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Apply walks root bottom-up and deletes every entry matched by an enabled
// rule. When the tree's audio files are mp3-only, rules targeting mp3 are
// skipped for this pass so the folder is not emptied out.
func (f *Filter) Apply(root string) (FilterResult, error) {
	var res FilterResult
	if !f.cfg.Enabled {
		return res, nil
	}
	if _, err := os.Stat(root); err != nil {
		return res, fmt.Errorf("filter %s: %w", root, err)
	}

	rules := f.cfg.Rules
	if len(rules) == 0 {
		rules = config.DefaultFilterRules()
	}

	formats := tallyAudioFormats(root)
	if formats["mp3"] > 0 && len(formats) == 1 {
		slog.Info("audio tree is mp3-only, skipping mp3 filter rules", "path", root)
		rules = disableMP3Rules(rules)
	}

	f.walk(root, compileRules(rules), &res)
	slog.Info("filter pass finished", "path", root, "files", res.Files, "folders", res.Folders)
	return res, nil
}

// walk visits children before considering the directory itself, so a
// matching folder never swallows unvisited entries.
func (f *Filter) walk(dir string, rules []compiledRule, res *FilterResult) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("filter cannot read directory", "path", dir, "error", err)
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			f.walk(path, rules, res)
			if f.cfg.FilterDirs && matchRules(rules, entry.Name(), "folder") {
				if err := os.RemoveAll(path); err != nil {
					slog.Error("filter failed to delete folder", "path", path, "error", err)
					continue
				}
				res.Folders++
				slog.Info("filtered folder", "name", entry.Name())
			}
			continue
		}
		if matchRules(rules, entry.Name(), "file") {
			if err := os.Remove(path); err != nil {
				slog.Error("filter failed to delete file", "path", path, "error", err)
				continue
			}
			res.Files++
			slog.Info("filtered file", "name", entry.Name())
		}
	}
}

type compiledRule struct {
	name   string
	target string
	re     *regexp.Regexp
}

func compileRules(rules []config.FilterRule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		re, err := regexp.Compile("(?i)(?:" + r.Pattern + ")")
		if err != nil {
			slog.Error("invalid filter rule pattern", "rule", r.Name, "pattern", r.Pattern, "error", err)
			continue
		}
		out = append(out, compiledRule{name: r.Name, target: r.Target, re: re})
	}
	return out
}

// matchRules reports whether any rule applying to kind matches base.
func matchRules(rules []compiledRule, base, kind string) bool {
	for _, r := range rules {
		if r.target != kind && r.target != "all" {
			continue
		}
		if r.re.MatchString(base) {
			slog.Debug("filter rule matched", "name", base, "rule", r.name)
			return true
		}
	}
	return false
}

// disableMP3Rules returns a copy of rules with every enabled file rule
// whose pattern mentions mp3 switched off.
func disableMP3Rules(rules []config.FilterRule) []config.FilterRule {
	out := make([]config.FilterRule, len(rules))
	copy(out, rules)
	for i := range out {
		if !out[i].Enabled || (out[i].Target != "file" && out[i].Target != "all") {
			continue
		}
		if mp3PatternRe.MatchString(out[i].Pattern) {
			out[i].Enabled = false
		}
	}
	return out
}

// tallyAudioFormats counts audio files per extension under root, keyed
// without the leading dot.
func tallyAudioFormats(root string) map[string]int {
	formats := make(map[string]int)
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if audioExtensions[ext] {
			formats[strings.TrimPrefix(ext, ".")]++
		}
		return nil
	})
	return formats
}
