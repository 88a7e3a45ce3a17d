package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func writeHeader(t *testing.T, name string, header []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := append(append([]byte{}, header...), make([]byte, 16)...)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestSniffType(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   string
	}{
		{"zip", []byte("PK\x03\x04"), "zip"},
		{"empty zip", []byte("PK\x05\x06"), "zip"},
		{"rar", []byte("Rar!\x1a\x07"), "rar"},
		{"7z", []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, "7z"},
		{"gzip", []byte{0x1F, 0x8B, 0x08}, "gz"},
		{"bzip2", []byte("BZh9"), "bz2"},
		{"xz", []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, "xz"},
		{"plain text", []byte("hello world"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeHeader(t, "probe.bin", tt.header)
			if got := SniffType(path); got != tt.want {
				t.Errorf("SniffType: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSniffTypeMissingFile(t *testing.T) {
	if got := SniffType(filepath.Join(t.TempDir(), "nope.zip")); got != "" {
		t.Errorf("missing file: got %q, want empty", got)
	}
}

func TestSniffTypeRetryReadableUnknown(t *testing.T) {
	// A readable non-archive must return immediately, not retry.
	path := writeHeader(t, "notes.txt", []byte("just text"))
	if got := SniffTypeRetry(path, 3, 0); got != "" {
		t.Errorf("unknown header: got %q, want empty", got)
	}
}

func TestHasArchiveExtension(t *testing.T) {
	yes := []string{"a.zip", "b.RAR", "c.7z", "d.tar", "e.gz", "f.bz2", "g.xz"}
	for _, name := range yes {
		if !HasArchiveExtension(name) {
			t.Errorf("HasArchiveExtension(%q) = false, want true", name)
		}
	}
	no := []string{"a.txt", "b.wav", "c", "d.zip.bak", "e.exe"}
	for _, name := range no {
		if HasArchiveExtension(name) {
			t.Errorf("HasArchiveExtension(%q) = true, want false", name)
		}
	}
}
