// Package organize holds the post-extraction transforms: template rename,
// rule-based filtering, single-subfolder flattening and empty-dir pruning.
package organize

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/metadata"
)

var (
	squareBracketRe = regexp.MustCompile(`【[^】]*】`)
	illegalCharRe   = regexp.MustCompile(`[<>:"/\\|?*]`)

	// Full-width stand-ins for characters Windows forbids in names.
	fullWidthReplacer = strings.NewReplacer(
		"<", "＜", ">", "＞", ":", "：", `"`, "＂",
		"/", "／", `\`, "＼", "|", "｜", "?", "？", "*", "＊",
	)
)

// Renamer applies the configured naming template to work folders.
type Renamer struct {
	cfg config.RenameConfig
}

func NewRenamer(cfg config.RenameConfig) *Renamer {
	return &Renamer{cfg: cfg}
}

// Apply renames dir in place to the compiled template name and returns the
// resulting path. A folder already carrying the target name is left alone;
// collisions are resolved with an (N) suffix.
func (r *Renamer) Apply(dir string, work *metadata.Work) (string, error) {
	if work == nil || work.WorkCode == "" {
		return "", fmt.Errorf("rename %s: missing work metadata", dir)
	}

	name := sanitizeName(r.CompileName(work), r.cfg.IllegalCharToFullWidth)
	if name == "" {
		return "", fmt.Errorf("rename %s: template produced an empty name", dir)
	}

	if filepath.Base(dir) == name {
		return dir, nil
	}

	parent := filepath.Dir(dir)
	target := filepath.Join(parent, name)
	for n := 1; pathExists(target); n++ {
		target = filepath.Join(parent, fmt.Sprintf("%s(%d)", name, n))
	}

	if err := os.Rename(dir, target); err != nil {
		return "", fmt.Errorf("rename %s: %w", dir, err)
	}
	slog.Info("renamed work folder", "from", filepath.Base(dir), "to", filepath.Base(target))
	return target, nil
}

// CompileName expands the naming template with the work's fields. The
// result still needs sanitizing before use as a directory name.
func (r *Renamer) CompileName(work *metadata.Work) string {
	name := r.cfg.Template
	name = strings.ReplaceAll(name, "{rjcode}", work.WorkCode)
	name = strings.ReplaceAll(name, "{work_name}", work.WorkName)
	name = strings.ReplaceAll(name, "{maker_id}", work.MakerID)
	name = strings.ReplaceAll(name, "{maker_name}", work.MakerName)

	if strings.Contains(name, "{release_date}") {
		formatted := ""
		if work.ReleaseDate != "" {
			if t, err := time.Parse("2006-01-02", work.ReleaseDate); err == nil {
				formatted = t.Format(r.cfg.DateFormat)
			}
		}
		name = strings.ReplaceAll(name, "{release_date}", formatted)
	}

	if strings.Contains(name, "{cvs}") {
		cvs := ""
		if len(work.CVs) > 0 {
			cvs = r.cfg.CVListLeft + strings.Join(work.CVs, r.cfg.Delimiter) + r.cfg.CVListRight
		}
		name = strings.ReplaceAll(name, "{cvs}", cvs)
	}

	if strings.Contains(name, "{tags}") {
		joined := ""
		if len(work.Tags) > 0 {
			tags := work.Tags
			if r.cfg.TagsMaxNumber > 0 && len(tags) > r.cfg.TagsMaxNumber {
				tags = tags[:r.cfg.TagsMaxNumber]
			}
			joined = strings.Join(tags, r.cfg.Delimiter)
		}
		name = strings.ReplaceAll(name, "{tags}", joined)
	}

	if r.cfg.ExcludeSquareBrackets {
		name = squareBracketRe.ReplaceAllString(name, "")
	}
	return strings.TrimSpace(name)
}

// sanitizeName makes a compiled template safe as a single path segment.
func sanitizeName(name string, fullWidth bool) string {
	if fullWidth {
		name = fullWidthReplacer.Replace(name)
	} else {
		name = illegalCharRe.ReplaceAllString(name, "")
	}
	name = strings.TrimRight(name, " .")
	if runes := []rune(name); len(runes) > 200 {
		name = string(runes[:200])
	}
	return name
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
