// Package syncdiff classifies the first-level children of a local and a
// remote directory against each other. Recursion into subdirectories is
// deliberately absent; directories are skipped in the output.
package syncdiff

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"ferry-sync/internal/remote"
)

type Status string

const (
	StatusOnlyLocal   Status = "only-local"
	StatusOnlyRemote  Status = "only-remote"
	StatusNewerLocal  Status = "newer-local"
	StatusNewerRemote Status = "newer-remote"
	StatusSame        Status = "same"
)

// Modification times at most this far apart are considered equal; transports
// and object stores round timestamps differently.
const timeTolerance = time.Second

type Diff struct {
	Name       string    `json:"name"`
	LocalPath  string    `json:"localPath"`
	RemotePath string    `json:"remotePath"`
	Status     Status    `json:"status"`
	LocalSize  int64     `json:"localSize,omitempty"`
	RemoteSize int64     `json:"remoteSize,omitempty"`
	LocalTime  time.Time `json:"localTime,omitempty"`
	RemoteTime time.Time `json:"remoteTime,omitempty"`
}

// Lister is the dispatcher slice the engine needs.
type Lister interface {
	List(ctx context.Context, remotePath string) ([]remote.DirectoryEntry, error)
}

// Compare lists both sides and pairs entries by name. Classification:
// times within the tolerance and equal sizes mean same; a time tie with
// differing sizes leans local (the local copy is what the user just
// touched); otherwise the later timestamp wins.
func Compare(ctx context.Context, lister Lister, localDir, remoteDir string) ([]Diff, error) {
	localEntries, err := os.ReadDir(localDir)
	if err != nil {
		return nil, err
	}
	remoteEntries, err := lister.List(ctx, remoteDir)
	if err != nil {
		return nil, err
	}

	remoteByName := make(map[string]remote.DirectoryEntry, len(remoteEntries))
	for _, e := range remoteEntries {
		if e.IsDir {
			continue
		}
		remoteByName[e.Name] = e
	}

	var diffs []Diff
	for _, le := range localEntries {
		if le.IsDir() {
			continue
		}
		info, err := le.Info()
		if err != nil {
			continue
		}
		d := Diff{
			Name:       le.Name(),
			LocalPath:  filepath.Join(localDir, le.Name()),
			RemotePath: remote.Join(remoteDir, le.Name()),
			LocalSize:  info.Size(),
			LocalTime:  info.ModTime().UTC(),
		}
		re, ok := remoteByName[le.Name()]
		if !ok {
			d.Status = StatusOnlyLocal
			diffs = append(diffs, d)
			continue
		}
		delete(remoteByName, le.Name())
		d.RemoteSize = re.Size
		d.RemoteTime = re.ModTime.UTC()
		d.Status = classify(info.Size(), info.ModTime(), re.Size, re.ModTime)
		diffs = append(diffs, d)
	}

	for _, re := range remoteEntries {
		if re.IsDir {
			continue
		}
		if _, stillUnpaired := remoteByName[re.Name]; !stillUnpaired {
			continue
		}
		diffs = append(diffs, Diff{
			Name:       re.Name,
			LocalPath:  filepath.Join(localDir, re.Name),
			RemotePath: remote.Join(remoteDir, re.Name),
			Status:     StatusOnlyRemote,
			RemoteSize: re.Size,
			RemoteTime: re.ModTime.UTC(),
		})
	}
	return diffs, nil
}

func classify(localSize int64, localTime time.Time, remoteSize int64, remoteTime time.Time) Status {
	delta := localTime.Sub(remoteTime)
	if delta < 0 {
		delta = -delta
	}
	if delta <= timeTolerance {
		if localSize == remoteSize {
			return StatusSame
		}
		return StatusNewerLocal
	}
	if localTime.After(remoteTime) {
		return StatusNewerLocal
	}
	return StatusNewerRemote
}
