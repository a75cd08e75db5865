// Package checkpoint saves and restores grids mid-run.
//
// A checkpoint file is a single JSON header line followed by a gzip stream
// holding the binary grid encoding. The header carries a sha256 of the
// compressed bytes so integrity can be checked without decompressing.
package checkpoint

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nvandessel/heatstep/internal/grid"
)

// FormatName identifies checkpoint files in the header.
const FormatName = "heatstep-checkpoint"

// FormatVersion is the current header version.
const FormatVersion = 1

// ErrChecksum is returned when the payload does not match the header.
var ErrChecksum = errors.New("checkpoint checksum mismatch")

// Header is the plain-text first line of a checkpoint file.
type Header struct {
	Format     string            `json:"format"`
	Version    int               `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	Checksum   string            `json:"checksum"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Clock      float32           `json:"clock"`
	Step       int               `json:"step"`
	Compressed bool              `json:"compressed"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Meta is caller-supplied context stored in the header.
type Meta struct {
	// Step counts steps completed in the run that produced the checkpoint.
	Step     int
	Metadata map[string]string
}

// Write stores g at path, creating parent directories.
func Write(path string, g *grid.Grid, meta Meta) (*Header, error) {
	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if err := grid.Save(gzw, g, true); err != nil {
		return nil, fmt.Errorf("encoding grid: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	header := &Header{
		Format:     FormatName,
		Version:    FormatVersion,
		CreatedAt:  time.Now().UTC(),
		Checksum:   checksum(compressed.Bytes()),
		Width:      g.Width,
		Height:     g.Height,
		Clock:      g.Clock,
		Step:       meta.Step,
		Compressed: true,
		Metadata:   meta.Metadata,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	// Written under a temporary name and renamed into place.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	w := bufio.NewWriter(f)
	w.Write(headerBytes)
	w.WriteByte('\n')
	w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("renaming checkpoint: %w", err)
	}
	return header, nil
}

// Read loads and verifies the checkpoint at path.
func Read(path string) (*grid.Grid, *Header, error) {
	header, payload, err := readVerified(path)
	if err != nil {
		return nil, nil, err
	}

	gzr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	// The binary encoding needs 8 bytes per cell plus a short text preamble.
	limit := int64(header.Width)*int64(header.Height)*8 + 4096
	g, err := grid.Load(io.LimitReader(gzr, limit))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding grid: %w", err)
	}
	if g.Width != header.Width || g.Height != header.Height {
		return nil, nil, fmt.Errorf("grid is %dx%d but header says %dx%d", g.Width, g.Height, header.Width, header.Height)
	}
	return g, header, nil
}

// ReadHeader reads only the header line.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	return parseHeader(bufio.NewReader(f))
}

// Verify checks the payload checksum without decompressing.
func Verify(path string) error {
	_, _, err := readVerified(path)
	return err
}

func readVerified(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := parseHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading payload: %w", err)
	}
	if actual := checksum(payload); actual != header.Checksum {
		return nil, nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksum, header.Checksum, actual)
	}
	return header, payload, nil
}

func parseHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Format != FormatName {
		return nil, fmt.Errorf("not a checkpoint file (format %q)", header.Format)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", header.Version)
	}
	if !header.Compressed {
		return nil, fmt.Errorf("uncompressed checkpoints are not supported")
	}
	return &header, nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
