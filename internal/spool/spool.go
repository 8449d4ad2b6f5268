// Package spool manages the on-disk retry queue. Each entry is a single
// encoded mail in a file named label-token-timestamp; callers hold the
// account's file lock while writing or consuming entries, so a visible file
// is always fully written.
package spool

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Entry is one spooled mail awaiting retry.
type Entry struct {
	Path  string
	Label string
}

// Write persists an encoded mail under root and returns the file path. The
// caller must hold the account's file lock.
func Write(root, label string, encoded []byte) (string, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}

	name := fmt.Sprintf("%s-%d-%d", label, rand.Uint64(), time.Now().Unix())
	path := filepath.Join(root, name)

	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("write spool entry: %w", err)
	}
	return path, nil
}

// List enumerates the spool entries under root. Files whose names do not
// parse as label-token-timestamp are ignored; a missing root directory is
// an empty spool, not an error.
func List(root string) ([]Entry, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		label, ok := parseName(d.Name())
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Path:  filepath.Join(root, d.Name()),
			Label: label,
		})
	}
	return entries, nil
}

// parseName recovers the account label from a spool file name. The label
// may itself contain hyphens, so the token and timestamp are taken from the
// right.
func parseName(name string) (string, bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return "", false
	}
	for _, p := range parts[len(parts)-2:] {
		if _, err := strconv.ParseUint(p, 10, 64); err != nil {
			return "", false
		}
	}
	label := strings.Join(parts[:len(parts)-2], "-")
	return label, label != ""
}
