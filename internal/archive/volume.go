package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// VolumeSet is a group of files forming one multi-volume archive.
type VolumeSet struct {
	BaseName string
	Kind     string // part | zip_volume | 7z_volume | generic
	Volumes  []string
}

// First returns the volume extraction starts from.
func (vs *VolumeSet) First() string {
	return vs.Volumes[0]
}

var volumePatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)\.part(\d+)\.(rar|zip|7z)$`), "part"},
	{regexp.MustCompile(`(?i)\.z(\d{2})$`), "zip_volume"},
	{regexp.MustCompile(`(?i)\.(\d{3})$`), "7z_volume"},
	{regexp.MustCompile(`(?i)\.(\d{2})$`), "generic"},
}

var (
	partNumber  = regexp.MustCompile(`(?i)\.part(\d+)\.`)
	zipVolume   = regexp.MustCompile(`(?i)\.z\d{2}$`)
	firstPartRe = regexp.MustCompile(`(?i)^(.*)\.part(\d+)\.(rar|zip|7z|exe)$`)
)

// DetectVolumeSet reports whether path belongs to a multi-volume archive
// and enumerates its siblings. A match with no siblings is not a set.
func DetectVolumeSet(path string) (*VolumeSet, error) {
	dir := filepath.Dir(path)
	filename := filepath.Base(path)

	for _, p := range volumePatterns {
		if !p.re.MatchString(filename) {
			continue
		}
		base := p.re.ReplaceAllString(filename, "")
		volumes, err := findVolumes(dir, base, p.re)
		if err != nil {
			return nil, err
		}
		if len(volumes) > 1 {
			return &VolumeSet{BaseName: base, Kind: p.kind, Volumes: volumes}, nil
		}
	}
	return nil, nil
}

func findVolumes(dir, base string, re *regexp.Regexp) ([]string, error) {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list volume directory: %w", err)
	}
	var volumes []string
	for _, entry := range names {
		name := entry.Name()
		if strings.HasPrefix(name, base) && re.MatchString(name) {
			volumes = append(volumes, filepath.Join(dir, name))
		}
	}
	sort.Strings(volumes)
	return volumes, nil
}

// IsNonFirstVolume reports whether name is a continuation volume that
// must never start an extraction on its own: .partN with N>1, or any
// .zNN sibling of a split zip (the .zip itself is the entry point).
func IsNonFirstVolume(name string) bool {
	if m := partNumber.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 1 {
			return true
		}
	}
	return zipVolume.MatchString(name)
}

// SplitFirstPart decomposes a .partN multi-volume filename into its stem
// and extension. The archival pool uses it to sweep sibling volumes along
// with the first part.
func SplitFirstPart(name string) (base string, ok bool) {
	m := firstPartRe.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}
