// Package workarea manages the per-job directories the assembly stage
// writes artifacts and sealed archives into.
package workarea

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// Area is a working area rooted at one directory. Every top-level
// subdirectory belongs to one job.
type Area struct {
	root string
}

// New opens the working area at root, creating it if needed.
func New(root string) (*Area, error) {
	if root == "" {
		return nil, errors.New("workarea: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workarea: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workarea: create root: %w", err)
	}
	return &Area{root: abs}, nil
}

// Root returns the absolute root directory.
func (a *Area) Root() string {
	return a.root
}

// JobDir returns the directory of a job. Job ids are hex only, so they can
// never escape the root.
func (a *Area) JobDir(jobID string) (string, error) {
	if !core.IsValidJobID(jobID) {
		return "", core.Permanent(fmt.Errorf("workarea: invalid job id %q", jobID))
	}
	return filepath.Join(a.root, jobID), nil
}

// ArchiveName is the file name of a job's sealed archive.
func ArchiveName(jobID string) string {
	return jobID + core.ExtArchive
}

// Persist writes one artifact as {jobID}{ext} inside the job directory,
// creating the directory on first use. The file is staged in the root and
// renamed in, so a listing never sees a partial artifact.
func (a *Area) Persist(jobID, ext string, data []byte) (string, error) {
	dir, err := a.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if ext == "" || ext == core.ExtArchive || filepath.Base(ext) != ext {
		return "", core.Permanent(fmt.Errorf("workarea: invalid artifact extension %q", ext))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workarea: create job dir: %w", err)
	}

	dst := filepath.Join(dir, jobID+ext)
	if err := a.writeStaged(dst, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", fmt.Errorf("workarea: persist %s: %w", filepath.Base(dst), err)
	}
	return dst, nil
}

// Entries returns the names of the direct entries of a job directory,
// sorted. A missing directory has no entries.
func (a *Area) Entries(jobID string) ([]string, error) {
	dir, err := a.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	list, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workarea: list %s: %w", jobID, err)
	}
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ArtifactCount counts the entries of a job directory other than its
// sealed archive.
func (a *Area) ArtifactCount(jobID string) (int, error) {
	names, err := a.Entries(jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if name != ArchiveName(jobID) {
			n++
		}
	}
	return n, nil
}

// Seal zips every artifact of a job into {jobID}.zip inside the job
// directory. The archive is written in the root and renamed into place,
// so it is never listed mid-write and never contains itself. Sealing
// again replaces the archive.
func (a *Area) Seal(jobID string) (string, error) {
	dir, err := a.JobDir(jobID)
	if err != nil {
		return "", err
	}
	names, err := a.Entries(jobID)
	if err != nil {
		return "", err
	}

	var files []string
	for _, name := range names {
		if name != ArchiveName(jobID) {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("workarea: nothing to seal for %s", jobID)
	}

	dst := filepath.Join(dir, ArchiveName(jobID))
	err = a.writeStaged(dst, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, name := range files {
			if err := addFile(zw, filepath.Join(dir, name), jobID+"/"+name); err != nil {
				return err
			}
		}
		return zw.Close()
	})
	if err != nil {
		return "", fmt.Errorf("workarea: seal %s: %w", jobID, err)
	}
	return dst, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// OpenArchive opens a job's sealed archive. It returns core.ErrNotFound
// when the job was never sealed or has been swept.
func (a *Area) OpenArchive(jobID string) (*os.File, fs.FileInfo, error) {
	dir, err := a.JobDir(jobID)
	if err != nil {
		return nil, nil, core.ErrNotFound
	}
	f, err := os.Open(filepath.Join(dir, ArchiveName(jobID)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, core.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("workarea: open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("workarea: stat archive: %w", err)
	}
	return f, info, nil
}

// writeStaged writes dst through a temp file in the root. Temp files are
// plain files, so the sweeper and entry counts ignore them.
func (a *Area) writeStaged(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(a.root, ".staging-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
