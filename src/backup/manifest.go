package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	ManifestFile  = "manifest.json"
	ChecksumsFile = "checksums.txt"
	ConfigArchive = "config.tar.gz"
	DisksDir      = "HDDs"
)

// Manifest describes one VM backup directory.
type Manifest struct {
	Type      string    `json:"type"` // vm
	Name      string    `json:"name"`
	UUID      string    `json:"uuid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	RunID     string    `json:"runId,omitempty"`
	Archives  []Archive `json:"archives"`
}

func writeManifest(job *Job, runID string) error {
	mf := Manifest{
		Type:      "vm",
		Name:      job.Name,
		CreatedAt: job.Start.UTC(),
		RunID:     runID,
		Archives:  job.Archives,
	}
	if job.VM != nil {
		mf.UUID = job.VM.UUID
	}
	if err := writeJSON(filepath.Join(job.Dir, ManifestFile), mf); err != nil {
		return err
	}
	files := make([]string, 0, len(job.Archives)+1)
	for _, a := range job.Archives {
		files = append(files, a.Path)
	}
	files = append(files, ManifestFile)
	return writeChecksums(job.Dir, files)
}

// ReadManifest loads the manifest of a VM backup directory.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var mf Manifest
	if err := json.Unmarshal(b, &mf); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, ManifestFile), err)
	}
	return &mf, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeChecksums(dir string, files []string) error {
	out, err := os.Create(filepath.Join(dir, ChecksumsFile))
	if err != nil {
		return err
	}
	defer out.Close()
	for _, name := range files {
		sum, err := SHA256File(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s  %s\n", sum, filepath.ToSlash(name)); err != nil {
			return err
		}
	}
	return nil
}

// SHA256File returns the hex SHA-256 of a file.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
