package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Exporter writes a list of packets to a destination path.
type Exporter interface {
	Export(path string, packets []Packet) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(path string, packets []Packet) error

func (f ExporterFunc) Export(path string, packets []Packet) error { return f(path, packets) }

// TextExporter writes one Packet.String line per packet.
type TextExporter struct{}

// Export writes the lines to a temp file next to path and renames it into
// place, so readers never see a partial dump.
func (TextExporter) Export(path string, packets []Packet) error {
	lines := make([]string, len(packets))
	for i, p := range packets {
		lines[i] = p.String()
	}
	data := strings.Join(lines, "\n")
	if len(lines) > 0 {
		data += "\n"
	}
	return WriteFileAtomic(path, []byte(data))
}

// WriteFileAtomic writes data to path using a unique temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file to %q: %w", path, err)
	}
	return nil
}
