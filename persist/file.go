package persist

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const defaultFilePerms = 0644

var (
	errNoParentDir = errors.New("persist: parent directory is missing")
	errMissingDest = errors.New("persist: missing destination path")
)

// FilePersister persists a Snapshot to a YAML file with an atomic,
// permission-preserving write, and restores it back. Grounded directly on
// the teacher's FileRenderer/atomicWrite (renderer.go): write to a temp
// file in the destination directory, fsync, chmod to the prior file's
// mode (or the default), then rename over the destination.
type FilePersister struct {
	// Path is the destination file.
	Path string
	// CreateDestDirs creates Path's parent directory if missing.
	CreateDestDirs bool
	// Perms sets the mode of the written file; 0 preserves the existing
	// file's mode (or falls back to defaultFilePerms for a new file).
	Perms os.FileMode
}

// Persist writes snap to p.Path, skipping the write entirely if the
// destination already holds byte-identical content (matching
// FileRenderer.Render's no-op-when-unchanged behavior).
func (p FilePersister) Persist(snap *Snapshot) error {
	contents, err := Marshal(snap)
	if err != nil {
		return err
	}

	existing, err := ioutil.ReadFile(p.Path)
	fileExists := !os.IsNotExist(err)
	if err != nil && fileExists {
		return errors.Wrap(err, "persist: failed reading existing snapshot")
	}
	if fileExists && bytes.Equal(existing, contents) {
		return nil
	}

	return atomicWrite(p.Path, contents, p.Perms, p.CreateDestDirs)
}

// Restore reads and parses the snapshot at p.Path.
func (p FilePersister) Restore() (*Snapshot, error) {
	data, err := ioutil.ReadFile(p.Path)
	if err != nil {
		return nil, errors.Wrap(err, "persist: failed reading snapshot file")
	}
	return Unmarshal(data)
}

func atomicWrite(path string, contents []byte, perms os.FileMode, createDestDirs bool) error {
	if path == "" {
		return errMissingDest
	}

	parent := filepath.Dir(path)
	if _, err := os.Stat(parent); os.IsNotExist(err) {
		if createDestDirs {
			if err := os.MkdirAll(parent, 0755); err != nil {
				return err
			}
		} else {
			return errNoParentDir
		}
	}

	f, err := ioutil.TempFile(parent, "")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(contents); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if perms == 0 {
		currentInfo, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				perms = defaultFilePerms
			} else {
				return err
			}
		} else {
			perms = currentInfo.Mode()
			preserveFilePermissions(f.Name(), currentInfo)
		}
	}

	if err := os.Chmod(f.Name(), perms); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
