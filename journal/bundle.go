package journal

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// BundleOptions selects what goes into a support bundle.
type BundleOptions struct {
	// JournalPath is the live event log; its rotated archives are found
	// next to it.
	JournalPath string
	// LogGlobs are doublestar patterns (relative to LogDir) for
	// application log files to include.
	LogDir   string
	LogGlobs []string
	// IncludeRotated includes rotated journal archives.
	IncludeRotated bool
}

// WriteBundle creates a support bundle zip with the journal, its rotated
// archives, and application logs. It is safe to call at any time; files
// that cannot be read are skipped, never fatal.
func WriteBundle(outPath string, opts BundleOptions) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("journal: bundle dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("journal: create bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	if opts.JournalPath != "" {
		addFile(zw, opts.JournalPath, "state/"+filepath.Base(opts.JournalPath))

		if opts.IncludeRotated {
			ext := filepath.Ext(opts.JournalPath)
			stem := opts.JournalPath[:len(opts.JournalPath)-len(ext)]
			rotated, _ := doublestar.FilepathGlob(fmt.Sprintf("%s.*%s", stem, ext))
			sort.Strings(rotated)
			for _, p := range rotated {
				addFile(zw, p, "state/"+filepath.Base(p))
			}
		}
	}

	if opts.LogDir != "" {
		for _, pattern := range opts.LogGlobs {
			matches, _ := doublestar.FilepathGlob(filepath.Join(opts.LogDir, pattern))
			sort.Strings(matches)
			for _, p := range matches {
				rel, err := filepath.Rel(opts.LogDir, p)
				if err != nil {
					rel = filepath.Base(p)
				}
				addFile(zw, p, "logs/"+filepath.ToSlash(rel))
			}
		}
	}

	// Each bundle carries its own identity so support threads can refer
	// to a specific capture unambiguously.
	meta := fmt.Sprintf("bundle_id: %s\ncreated_utc: %s\njournal: %s\n",
		uuid.NewString(), time.Now().UTC().Format(time.RFC3339), opts.JournalPath)
	if w, err := zw.Create("meta.txt"); err == nil {
		_, _ = io.WriteString(w, meta)
	}
	return nil
}

func addFile(zw *zip.Writer, path, arcname string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	w, err := zw.Create(arcname)
	if err != nil {
		return
	}
	_, _ = io.Copy(w, src)
}
