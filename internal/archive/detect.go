package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// archiveExtensions are the suffixes treated as archives without sniffing.
var archiveExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true,
	".tar": true, ".gz": true, ".bz2": true, ".xz": true,
}

// HasArchiveExtension reports whether the filename carries a known
// archive suffix.
func HasArchiveExtension(name string) bool {
	return archiveExtensions[strings.ToLower(filepath.Ext(name))]
}

var magicTypes = []struct {
	prefix []byte
	kind   string
}{
	{[]byte("PK\x03\x04"), "zip"},
	{[]byte("PK\x05\x06"), "zip"}, // empty zip
	{[]byte("PK\x07\x08"), "zip"}, // spanned zip
	{[]byte("Rar!"), "rar"},
	{[]byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, "7z"},
	{[]byte{0x1F, 0x8B}, "gz"},
	{[]byte("BZh"), "bz2"},
	{[]byte{0xFD, '7', 'z', 'X', 'Z'}, "xz"},
}

// SniffType reads the first 8 bytes of the file and returns the archive
// kind they identify, or "" when the header matches nothing known.
func SniffType(path string) string {
	kind, _ := sniffOnce(path)
	return kind
}

// SniffTypeRetry retries the magic probe when the file cannot be read,
// which happens while the producer still holds it open. An unknown but
// readable header returns "" immediately.
func SniffTypeRetry(path string, attempts int, wait time.Duration) string {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		kind, err := sniffOnce(path)
		if err == nil {
			return kind
		}
		if i < attempts-1 {
			time.Sleep(wait)
		}
	}
	return ""
}

func sniffOnce(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 8)
	n, err := f.Read(header)
	if err != nil || n == 0 {
		return "", err
	}
	header = header[:n]

	for _, m := range magicTypes {
		if bytes.HasPrefix(header, m.prefix) {
			return m.kind, nil
		}
	}
	return "", nil
}
