package backup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Verify recomputes the checksums listed in dir/checksums.txt. It returns
// "ok", "mismatch" or a description of why the list could not be read.
func Verify(dir string) string {
	f, err := os.Open(filepath.Join(dir, ChecksumsFile))
	if err != nil {
		return fmt.Sprintf("missing %s: %v", ChecksumsFile, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	ok := true
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// <sha256>  <relative path>
		want, name, found := strings.Cut(line, "  ")
		if !found {
			ok = false
			continue
		}
		n++
		sum, err := SHA256File(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil || !strings.EqualFold(want, sum) {
			ok = false
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Sprintf("reading %s: %v", ChecksumsFile, err)
	}
	if !ok || n == 0 {
		return "mismatch"
	}
	return "ok"
}
