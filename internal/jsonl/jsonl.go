// Package jsonl reads and writes JSON Lines streams of plain records and
// patches.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// maxLine bounds a single JSONL line.
const maxLine = 16 << 20

// Read returns each non-empty, well-formed line of r. Malformed lines are
// skipped.
func Read(r io.Reader) ([]json.RawMessage, error) {
	var out []json.RawMessage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out = append(out, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	return out, nil
}

// ReadFile is Read on the file at path.
func ReadFile(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	lines, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lines, nil
}

// Records decodes lines into plain records. Numbers decode as json.Number
// so integer ids survive unchanged.
func Records(lines []json.RawMessage) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(lines))
	for i, line := range lines {
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		if m == nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Patches decodes lines into patches. Both CREATE tokens are accepted.
func Patches(lines []json.RawMessage) ([]types.Patch, error) {
	out := make([]types.Patch, 0, len(lines))
	for i, line := range lines {
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var p types.Patch
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("patch %d: %w", i+1, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Write encodes each item as one line of w.
func Write[T any](w io.Writer, items []T) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encoding item %d: %w", i+1, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing buffer: %w", err)
	}
	return nil
}

// WritePatches writes patches using token for CREATE.
func WritePatches(w io.Writer, patches []types.Patch, token string) error {
	lines := make([]json.RawMessage, 0, len(patches))
	for _, p := range patches {
		body, err := types.EncodePatch(p, token)
		if err != nil {
			return err
		}
		lines = append(lines, body)
	}
	return Write(w, lines)
}

// WriteFile atomically replaces path with the encoded items using the
// temp-file, fsync, rename pattern.
func WriteFile[T any](path string, items []T) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := Write(tmp, items); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
