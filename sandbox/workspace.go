package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// WorkspaceManager materializes file sets into per-execution directories
// under a root directory.
type WorkspaceManager struct {
	root   string
	fs     FileSystem
	logger *zap.Logger

	handover handover
	uid, gid int
	euid     int
}

// handover says how a created tree is made writable for the container user.
type handover int

const (
	handoverNone handover = iota
	handoverChown
	handoverShare
)

// WorkspaceOption defines a functional option for WorkspaceManager
type WorkspaceOption func(*WorkspaceManager)

// WithWorkspaceOwner makes every created directory and file writable by the
// container user. A numeric "uid" or "uid:gid" gets the tree chowned to it;
// when chown fails, or the user is a name, the tree is opened up with
// SharedDirPermission and SharedFilePermission instead.
func WithWorkspaceOwner(user string) WorkspaceOption {
	return func(w *WorkspaceManager) {
		w.handover, w.uid, w.gid = parseOwner(user)
	}
}

func parseOwner(user string) (handover, int, int) {
	if user == "" {
		return handoverNone, -1, -1
	}
	uidPart, gidPart, hasGID := strings.Cut(user, ":")
	uid, err := strconv.Atoi(uidPart)
	if err != nil || uid < 0 {
		return handoverShare, -1, -1
	}
	gid := -1
	if hasGID {
		if gid, err = strconv.Atoi(gidPart); err != nil || gid < 0 {
			return handoverShare, -1, -1
		}
	}
	return handoverChown, uid, gid
}

// NewWorkspaceManager creates a WorkspaceManager rooted at root.
func NewWorkspaceManager(logger *zap.Logger, root string, fs FileSystem, opts ...WorkspaceOption) *WorkspaceManager {
	if fs == nil {
		fs = RealFileSystem{}
	}
	w := &WorkspaceManager{
		root:   filepath.Clean(root),
		fs:     fs,
		logger: logger,
		uid:    -1,
		gid:    -1,
		euid:   os.Geteuid(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the directory under which workspaces are created.
func (w *WorkspaceManager) Root() string {
	return w.root
}

// Create makes a fresh directory for executionID and writes files into it.
// Files must already be validated. On failure the partial tree is removed.
func (w *WorkspaceManager) Create(executionID string, files []File) (string, error) {
	if err := w.fs.MkdirAll(w.root, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}

	dir := filepath.Join(w.root, executionID)
	if err := w.fs.Mkdir(dir, DirPermission); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%s: %w", dir, ErrWorkspaceExists)
		}
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := w.populate(dir, files); err != nil {
		if rmErr := w.Destroy(dir); rmErr != nil {
			w.logger.Error("failed to remove partial workspace", zap.String("path", dir), zap.Error(rmErr))
		}
		return "", err
	}

	return dir, nil
}

func (w *WorkspaceManager) populate(dir string, files []File) error {
	if err := w.handOver(dir, true); err != nil {
		return err
	}
	owned := map[string]bool{dir: true}
	for _, f := range files {
		if err := w.writeFile(dir, f, owned); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkspaceManager) writeFile(dir string, f File, owned map[string]bool) error {
	target := filepath.Join(dir, filepath.FromSlash(f.Path))
	// Validation already guarantees this; a second check keeps Create safe on its own.
	if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the workspace: %w", f.Path, ErrPathTraversal)
	}

	if err := w.fs.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
		return fmt.Errorf("failed to create parent directories for %q: %w", f.Path, err)
	}
	if rel := filepath.Dir(filepath.FromSlash(f.Path)); rel != "." {
		parent := dir
		for _, seg := range strings.Split(rel, string(filepath.Separator)) {
			parent = filepath.Join(parent, seg)
			if owned[parent] {
				continue
			}
			if err := w.handOver(parent, true); err != nil {
				return err
			}
			owned[parent] = true
		}
	}

	if err := w.fs.WriteFile(target, []byte(f.Content), FilePermission); err != nil {
		return fmt.Errorf("failed to write %q: %w", f.Path, err)
	}
	return w.handOver(target, false)
}

// handOver makes path writable for the container user.
func (w *WorkspaceManager) handOver(path string, isDir bool) error {
	switch w.handover {
	case handoverNone:
		return nil
	case handoverChown:
		if w.uid == w.euid {
			return nil
		}
		err := w.fs.Chown(path, w.uid, w.gid)
		if err == nil {
			return nil
		}
		// Without CAP_CHOWN, or with the uid unmapped, fall through to sharing the tree.
		w.logger.Debug("chown refused, sharing workspace path instead",
			zap.String("path", path), zap.Int("uid", w.uid), zap.Error(err))
	}

	mode := os.FileMode(SharedFilePermission)
	if isDir {
		mode = SharedDirPermission
	}
	if err := w.fs.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to open up %s for the container user: %w", path, err)
	}
	return nil
}

// Destroy removes a workspace tree. Removing a missing tree is not an error.
func (w *WorkspaceManager) Destroy(dir string) error {
	if err := w.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w: %w", dir, ErrCleanupFailure, err)
	}
	return nil
}

// RebasePath translates p, which lives under containerRoot, into the same
// location under hostRoot. It is used when the engine runs inside a container
// and the Docker daemon needs the host-visible path for a bind mount.
func RebasePath(containerRoot, hostRoot, p string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(containerRoot), filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to rebase %s: %w", p, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not under %s: %w", p, containerRoot, ErrPathTraversal)
	}
	return filepath.Join(filepath.Clean(hostRoot), rel), nil
}
