package update

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestName is the optional descriptor at the root of a bundle.
const ManifestName = "manifest.yaml"

const maxUncompressedBytes = 1 << 30

// Manifest is the parsed bundle descriptor.
type Manifest struct {
	Version string          `yaml:"version"`
	Aliases []ManifestAlias `yaml:"aliases"`
}

// ManifestAlias declares a command name that forwards to a registered command.
type ManifestAlias struct {
	Name        string         `yaml:"name"`
	Target      string         `yaml:"target"`
	Description string         `yaml:"description"`
	Defaults    map[string]any `yaml:"defaults"`
}

// Bundle is a validated, staged code bundle.
type Bundle struct {
	Marker   string
	Path     string
	Size     int64
	Files    int
	Manifest *Manifest
}

// ValidateBundle checks that data is a readable zip archive with at least one file and, when
// present, a well-formed manifest.
func ValidateBundle(marker string, data []byte) (*Manifest, int, error) {
	if len(data) == 0 {
		return nil, 0, &IntegrityError{Marker: marker, Reason: "empty bundle"}
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, 0, &IntegrityError{Marker: marker, Reason: "not a zip archive", Err: err}
	}
	var (
		manifest *Manifest
		files    int
		total    int64
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		if strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, 0, &IntegrityError{Marker: marker, Reason: fmt.Sprintf("unsafe entry path %q", f.Name)}
		}
		body, n, err := readEntry(f, maxUncompressedBytes-total)
		if err != nil {
			return nil, 0, &IntegrityError{Marker: marker, Reason: fmt.Sprintf("entry %q unreadable", f.Name), Err: err}
		}
		total += n
		files++
		if name == ManifestName {
			m, err := ParseManifest(body)
			if err != nil {
				return nil, 0, &IntegrityError{Marker: marker, Reason: "invalid manifest", Err: err}
			}
			manifest = m
		}
	}
	if files == 0 {
		return nil, 0, &IntegrityError{Marker: marker, Reason: "archive has no files"}
	}
	if manifest != nil && manifest.Version != "" && manifest.Version != marker {
		return nil, 0, &IntegrityError{
			Marker: marker,
			Reason: fmt.Sprintf("manifest declares version %q", manifest.Version),
		}
	}
	return manifest, files, nil
}

// readEntry reads one entry fully so the archive checksum is verified. Only the manifest
// body is kept.
func readEntry(f *zip.File, budget int64) ([]byte, int64, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	limited := io.LimitReader(rc, budget+1)
	if path.Clean(f.Name) == ManifestName {
		body, err := io.ReadAll(limited)
		if err != nil {
			return nil, 0, err
		}
		if int64(len(body)) > budget {
			return nil, 0, errors.New("uncompressed size limit exceeded")
		}
		return body, int64(len(body)), nil
	}
	n, err := io.Copy(io.Discard, limited)
	if err != nil {
		return nil, 0, err
	}
	if n > budget {
		return nil, 0, errors.New("uncompressed size limit exceeded")
	}
	return nil, n, nil
}

// ParseManifest decodes a manifest, rejecting unknown keys and incomplete aliases.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	m.Version = strings.TrimSpace(m.Version)
	seen := make(map[string]struct{}, len(m.Aliases))
	for i, a := range m.Aliases {
		a.Name = strings.TrimSpace(a.Name)
		a.Target = strings.TrimSpace(a.Target)
		if a.Name == "" || a.Target == "" {
			return nil, fmt.Errorf("aliases[%d]: name and target required", i)
		}
		if _, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("aliases[%d]: duplicate alias %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
		m.Aliases[i] = a
	}
	return &m, nil
}

var unsafeMarkerChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// stageBundle writes data into dir under a name derived from marker. The write goes through
// a temp file so a partially written bundle is never visible.
func stageBundle(dir, marker string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("update: create staging dir: %w", err)
	}
	name := unsafeMarkerChars.ReplaceAllString(marker, "_")
	if name == "" || name == "." || name == ".." {
		name = "bundle"
	}
	final := filepath.Join(dir, name+".zip")
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("update: create staging file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("update: write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("update: close staging file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("update: promote staging file: %w", err)
	}
	return final, nil
}
