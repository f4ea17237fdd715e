package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// UpdateFile rewrites the given keys in a KEY=VALUE file. Existing lines keep
// their position and comments are preserved; keys not yet present are
// appended in sorted order. The file is replaced atomically.
func UpdateFile(path string, values map[string]string) error {
	for key := range values {
		probe := defaults()
		// Reject keys Load would refuse, so the store can never brick the file.
		if err := probe.setValue(key, values[key]); err != nil {
			return err
		}
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	pending := make(map[string]string, len(values))
	for k, v := range values {
		pending[k] = v
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		raw := scanner.Text()
		key, _, ok, err := parseLine(raw)
		if err == nil && ok {
			if v, found := pending[key]; found {
				fmt.Fprintf(&out, "%s=%s\n", key, v)
				delete(pending, key)
				continue
			}
		}
		out.WriteString(raw)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&out, "%s=%s\n", k, pending[k])
	}

	return writeAtomic(path, out.Bytes())
}

// writeAtomic writes data to a temp file next to path and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic exposes the temp+rename writer for other stores.
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, data)
}

// FormatFloat renders a float so that Load parses it back bit-exact.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
