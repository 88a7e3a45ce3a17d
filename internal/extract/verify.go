package extract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"

	"hibiki.cc/otokura/internal/archive"
)

// verify checks the extracted tree against the archive listing. Entries
// whose path cannot be found under any encoding candidate only warn; a
// found file with the wrong size fails the extraction.
func (e *Engine) verify(outDir string, entries []archive.Entry) error {
	if len(entries) == 0 {
		slog.Warn("skipping verification, no listing available", "output", outDir)
		return nil
	}

	checked, missing := 0, 0
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		checked++

		found := false
		for _, name := range pathCandidates(entry.Name) {
			full := filepath.Join(outDir, filepath.FromSlash(name))
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			found = true
			if entry.Size > 0 && info.Size() != entry.Size {
				return fmt.Errorf("extract: verify %s: size %d, listing says %d", name, info.Size(), entry.Size)
			}
			break
		}
		if !found {
			missing++
			slog.Debug("listed entry not found after extraction", "entry", entry.Name)
		}
	}

	if missing > 0 {
		// Encodings the listing decoder cannot express come out mangled;
		// a few unlocatable names are expected, wholesale absence is not.
		if missing*2 > checked {
			slog.Error("most listed entries missing after extraction",
				"output", outDir, "missing", missing, "checked", checked)
		} else {
			slog.Warn("some listed entries not found after extraction",
				"output", outDir, "missing", missing, "checked", checked)
		}
	}
	return nil
}

// pathCandidates returns the names an entry may carry on disk: the
// decoded listing name plus best-effort reinterpretations between the
// GBK the listing assumed and Shift-JIS the archive may actually use.
func pathCandidates(name string) []string {
	out := []string{name}
	if alt := reinterpret(name, simplifiedchinese.GBK.NewEncoder(), japanese.ShiftJIS.NewDecoder()); alt != "" && alt != name {
		out = append(out, alt)
	}
	if alt := reinterpret(name, japanese.ShiftJIS.NewEncoder(), simplifiedchinese.GBK.NewDecoder()); alt != "" && alt != name {
		out = append(out, alt)
	}
	return out
}

// reinterpret re-encodes name with enc and decodes the bytes with dec,
// recovering names that were listed under the wrong code page.
func reinterpret(name string, enc *encoding.Encoder, dec *encoding.Decoder) string {
	raw, err := enc.String(name)
	if err != nil {
		return ""
	}
	alt, err := dec.String(raw)
	if err != nil {
		return ""
	}
	return alt
}
