package device

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/v3/disk"
)

// FileTransfer moves files between the host and the device. Ordinary failures
// are reported as false; only device unavailability is returned as an error.
type FileTransfer struct {
	env  *env
	exec *Executor
}

func newFileTransfer(e *env, exec *Executor) *FileTransfer {
	return &FileTransfer{env: e, exec: exec}
}

func (f *FileTransfer) done(direction, local, remote string, ok bool, detail string) bool {
	f.env.metrics.Transfer(direction, ok)
	fields := map[string]interface{}{
		"direction": direction,
		"local":     local,
		"remote":    remote,
	}
	if ok {
		f.env.logger.Debug("File transfer complete", fields)
	} else {
		fields["detail"] = detail
		f.env.logger.Warn("File transfer failed", fields)
	}
	return ok
}

// PushFile copies a local file to the device
func (f *FileTransfer) PushFile(ctx context.Context, local, remote string) (bool, error) {
	info, err := os.Stat(local)
	if err != nil {
		return f.done("push", local, remote, false, err.Error()), nil
	}
	if info.IsDir() {
		return f.done("push", local, remote, false, "source is a directory"), nil
	}

	res, err := f.exec.Host(ctx, "push", local, remote)
	if err != nil {
		return false, err
	}
	return f.done("push", local, remote, res.Succeeded(), strings.TrimSpace(res.Stderr)), nil
}

// PullFile copies a device file to the host after checking host free space
func (f *FileTransfer) PullFile(ctx context.Context, remote, local string) (bool, error) {
	if ok, detail := f.hostHasSpace(ctx, local); !ok {
		return f.done("pull", local, remote, false, detail), nil
	}
	res, err := f.exec.Host(ctx, "pull", remote, local)
	if err != nil {
		return false, err
	}
	return f.done("pull", local, remote, res.Succeeded(), strings.TrimSpace(res.Stderr)), nil
}

// hostHasSpace checks the filesystem holding local against min_host_free_bytes
func (f *FileTransfer) hostHasSpace(ctx context.Context, local string) (bool, string) {
	min := f.env.opts.MinHostFreeBytes
	if min == 0 {
		return true, ""
	}
	dir := filepath.Dir(local)
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		// unknown free space does not block the pull
		f.env.logger.Debug("Could not read host disk usage", map[string]interface{}{"path": dir, "error": err.Error()})
		return true, ""
	}
	if usage.Free < min {
		return false, fmt.Sprintf("only %s free on host at %s, need %s",
			humanize.IBytes(usage.Free), dir, humanize.IBytes(min))
	}
	return true, ""
}

// PushString writes contents to a device file
func (f *FileTransfer) PushString(ctx context.Context, contents, remote string) (bool, error) {
	tmp, err := os.CreateTemp("", "devicectl-push-*")
	if err != nil {
		return f.done("push", "", remote, false, err.Error()), nil
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.WriteString(contents)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		return f.done("push", tmp.Name(), remote, false, "failed to write temp file"), nil
	}
	return f.PushFile(ctx, tmp.Name(), remote)
}

// PullContents returns a device file's contents; ok is false when it cannot be read
func (f *FileTransfer) PullContents(ctx context.Context, remote string) (string, bool, error) {
	res, err := f.exec.Shell(ctx, shellquote.Join("cat", remote))
	if err != nil {
		return "", false, err
	}
	if !res.Succeeded() {
		return "", false, nil
	}
	return res.Stdout, true, nil
}

// PushDir copies a local directory tree to the device, skipping directories
// whose name is in excluded.
func (f *FileTransfer) PushDir(ctx context.Context, localDir, remoteDir string, excluded []string) (bool, error) {
	skip := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		skip[name] = true
	}
	return f.walkPush(ctx, localDir, remoteDir, func(d fs.DirEntry) bool {
		return !d.IsDir() || !skip[d.Name()]
	}, nil)
}

// SyncDir pushes only the files that are missing on the device or whose remote
// modification time is older than the local one. Dot-prefixed entries are never transferred.
func (f *FileTransfer) SyncDir(ctx context.Context, localDir, remoteDir string) (bool, error) {
	remote, err := f.remoteMtimes(ctx, remoteDir)
	if err != nil {
		return false, err
	}
	return f.walkPush(ctx, localDir, remoteDir, func(d fs.DirEntry) bool {
		return !strings.HasPrefix(d.Name(), ".")
	}, remote)
}

// walkPush walks localDir; include decides per entry whether to descend or push.
// Every included directory is created on the device, so empty ones survive.
// With mtimes set, directories already on the device are not recreated and files
// whose remote copy is not older are skipped. Remote times are whole seconds,
// so local times are truncated to the second before comparing.
func (f *FileTransfer) walkPush(ctx context.Context, localDir, remoteDir string,
	include func(d fs.DirEntry) bool, mtimes map[string]int64) (bool, error) {

	info, err := os.Stat(localDir)
	if err != nil || !info.IsDir() {
		return f.done("push", localDir, remoteDir, false, "local directory not found"), nil
	}

	ok := true
	var deviceErr error
	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			ok = false
			return nil
		}
		if p != localDir && !include(d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, _ := filepath.Rel(localDir, p)
		target := path.Join(remoteDir, filepath.ToSlash(rel))
		remoteMtime, onDevice := mtimes[target]

		if d.IsDir() {
			if onDevice {
				return nil
			}
			made, err := f.mkdir(ctx, target)
			if err != nil {
				deviceErr = err
				return err
			}
			ok = ok && made
			return nil
		}

		if onDevice {
			fi, err := d.Info()
			if err == nil && fi.ModTime().Unix() <= remoteMtime {
				return nil
			}
		}

		pushed, err := f.PushFile(ctx, p, target)
		if err != nil {
			deviceErr = err
			return err
		}
		ok = ok && pushed
		return nil
	})
	if deviceErr != nil {
		return false, deviceErr
	}
	if walkErr != nil {
		return false, nil
	}
	return ok, nil
}

func (f *FileTransfer) mkdir(ctx context.Context, remote string) (bool, error) {
	res, err := f.exec.Shell(ctx, shellquote.Join("mkdir", "-p", remote))
	if err != nil {
		return false, err
	}
	if !res.Succeeded() {
		f.env.logger.Warn("Failed to create device directory", map[string]interface{}{
			"path":   remote,
			"stderr": strings.TrimSpace(res.Stderr),
		})
		return false, nil
	}
	return true, nil
}

// remoteMtimes returns the modification time, in epoch seconds, of every path under dir
func (f *FileTransfer) remoteMtimes(ctx context.Context, dir string) (map[string]int64, error) {
	res, err := f.exec.Shell(ctx, shellquote.Join("find", dir, "-exec", "stat", "-c", "%Y|%n", "{}", "+"))
	if err != nil {
		return nil, err
	}
	mtimes := make(map[string]int64)
	if !res.Succeeded() {
		return mtimes, nil
	}
	sc := bufio.NewScanner(strings.NewReader(res.Stdout))
	for sc.Scan() {
		secs, name, found := strings.Cut(strings.TrimSpace(sc.Text()), "|")
		if !found {
			continue
		}
		n, err := strconv.ParseInt(secs, 10, 64)
		if err != nil {
			continue
		}
		mtimes[path.Clean(name)] = n
	}
	return mtimes, nil
}

// PullDir copies a device directory tree to the host
func (f *FileTransfer) PullDir(ctx context.Context, remoteDir, localDir string) (bool, error) {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return f.done("pull", localDir, remoteDir, false, err.Error()), nil
	}
	res, err := f.exec.Shell(ctx, shellquote.Join("ls", "-A", "-p", remoteDir))
	if err != nil {
		return false, err
	}
	if !res.Succeeded() {
		return f.done("pull", localDir, remoteDir, false, strings.TrimSpace(res.Stdout+res.Stderr)), nil
	}

	ok := true
	sc := bufio.NewScanner(strings.NewReader(res.Stdout))
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" {
			continue
		}
		var pulled bool
		if dir, isDir := strings.CutSuffix(name, "/"); isDir {
			pulled, err = f.PullDir(ctx, path.Join(remoteDir, dir), filepath.Join(localDir, dir))
		} else {
			pulled, err = f.PullFile(ctx, path.Join(remoteDir, name), filepath.Join(localDir, name))
		}
		if err != nil {
			return false, err
		}
		ok = ok && pulled
	}
	return ok, nil
}

// Exists reports whether a device path exists
func (f *FileTransfer) Exists(ctx context.Context, remote string) (bool, error) {
	res, err := f.exec.Shell(ctx, shellquote.Join("ls", "-d", remote))
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// IsDirectory reports whether a device path is a directory
func (f *FileTransfer) IsDirectory(ctx context.Context, remote string) (bool, error) {
	res, err := f.exec.Shell(ctx, shellquote.Join("test", "-d", remote))
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}

// Delete removes a device path recursively
func (f *FileTransfer) Delete(ctx context.Context, remote string) (bool, error) {
	res, err := f.exec.Shell(ctx, shellquote.Join("rm", "-rf", remote))
	if err != nil {
		return false, err
	}
	return res.Succeeded(), nil
}
