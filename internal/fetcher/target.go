package fetcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

const (
	incompleteSuffix = ".incomplete"
	archiveSuffix    = ".old"
	archiveLayout    = "20060102150405"
)

// Target is where a fetch lands on disk.
type Target struct {
	FinalPath string
	TempPath  string
}

// ResolveTarget turns a destination hint and the resolved remote filename into
// a Target. An empty hint means the working directory; an existing directory
// receives filename; anything else is taken verbatim as the final path.
func ResolveTarget(hint, filename string) (Target, error) {
	var final string
	switch {
	case hint == "":
		wd, err := os.Getwd()
		if err != nil {
			return Target{}, eris.Wrap(err, "resolve target: working directory")
		}
		final = filepath.Join(wd, filename)
	case isDir(hint):
		final = filepath.Join(hint, filename)
	default:
		final = hint
	}

	abs, err := filepath.Abs(final)
	if err != nil {
		return Target{}, eris.Wrapf(err, "resolve target: absolute path of %s", final)
	}
	return Target{FinalPath: abs, TempPath: abs + incompleteSuffix}, nil
}

// namesDirectory reports whether the hint leaves the filename to the server.
func namesDirectory(hint string) bool {
	return hint == "" || isDir(hint)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// isIdentical reports whether the file at path already matches the remote
// size and modification second. Incomplete metadata never matches.
func isIdentical(path string, meta *RemoteMetadata) bool {
	if meta == nil || meta.LastModified.IsZero() || meta.ContentLength <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == meta.ContentLength &&
		info.ModTime().Unix() == meta.LastModified.Unix()
}

// archivePath is the name a previous copy is moved to before an overwrite.
func archivePath(final string, now time.Time) string {
	return final + "_" + now.Format(archiveLayout) + archiveSuffix
}

// archiveExisting moves a file at final out of the way. It returns the archive
// path, or "" when there was nothing to archive.
func archiveExisting(final string, now time.Time) (string, error) {
	info, err := os.Lstat(final)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "archive: stat %s", final)
	}
	if info.IsDir() {
		return "", nil
	}

	old := archivePath(final, now)
	// Same-second collision with an earlier archive.
	if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
		return "", eris.Wrapf(err, "archive: remove %s", old)
	}
	if err := os.Rename(final, old); err != nil {
		return "", eris.Wrapf(err, "archive: rename %s", final)
	}
	return old, nil
}

// removeStale deletes a leftover temporary file.
func removeStale(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "remove %s", path)
	}
	return nil
}
