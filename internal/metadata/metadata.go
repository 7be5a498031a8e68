// Package metadata captures and restores OS-level file attributes.
//
// Collect reads timestamps, permission bits, ownership and symlink targets without
// following links. Apply writes them back in a fixed order: mode and owner, then
// access/modify times, then the read-only bit, then the hidden (dot-prefix) name.
// The kernel-managed change time is recorded but never restored.
package metadata

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/vfsbox/internal/vfs"
	"golang.org/x/sys/unix"
)

const (
	defaultMode = 0o644

	isoSeconds = "2006-01-02T15:04:05Z"
	isoMicros  = "2006-01-02T15:04:05.000000Z"
)

// Error is returned by Apply in strict mode when an attribute could not be restored.
type Error struct {
	Path string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("error applying metadata to '%s' (%s): %v", e.Path, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err wraps a metadata *Error.
func IsError(err error) bool {
	var mErr *Error
	return errors.As(err, &mErr)
}

// Manager collects and applies metadata.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time
	euid   int
}

// New creates a metadata manager. A nil clock means time.Now.
func New(logger *slog.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{logger: logger, now: now, euid: os.Geteuid()}
}

// Now returns the current time formatted as an ISO-8601 UTC timestamp.
func (m *Manager) Now() string {
	return FormatTime(m.now())
}

// Clock returns the current time from the manager's clock.
func (m *Manager) Clock() time.Time { return m.now() }

// Collect returns the metadata of path without following symlinks.
// Failures are logged and produce defaults stamped with the current time.
func (m *Manager) Collect(path string) vfs.Metadata {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		m.logger.Warn("collecting metadata failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return m.defaults()
	}

	atime, mtime, ctime := statTimes(&st)
	md := vfs.Metadata{
		Attributes: vfs.Attributes{
			IsHidden: strings.HasPrefix(filepath.Base(path), "."),
		},
		Timestamps: vfs.Timestamps{
			AccessTime: FormatTime(atime),
			ModifyTime: FormatTime(mtime),
			ChangeTime: FormatTime(ctime),
		},
		Permissions: vfs.Permissions{
			Mode: uint32(st.Mode) & 0o777,
			UID:  int(st.Uid),
			GID:  int(st.Gid),
		},
	}

	if uint32(st.Mode)&unix.S_IFMT == unix.S_IFLNK {
		md.Attributes.IsSymlink = true
		target, err := os.Readlink(path)
		if err != nil {
			m.logger.Warn("reading symlink target failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		md.Attributes.SymlinkTarget = target
	}
	md.Attributes.IsReadonly = m.readonly(path, md.Permissions.Mode)
	return md
}

// readonly mirrors access(W_OK). Root passes that check for any file, so the
// owner write bit decides instead.
func (m *Manager) readonly(path string, mode uint32) bool {
	if m.euid == 0 {
		return mode&0o200 == 0
	}
	return unix.Access(path, unix.W_OK) != nil
}

func (m *Manager) defaults() vfs.Metadata {
	now := m.Now()
	return vfs.Metadata{
		Timestamps: vfs.Timestamps{AccessTime: now, ModifyTime: now, ChangeTime: now},
		Permissions: vfs.Permissions{
			Mode: defaultMode,
			UID:  os.Getuid(),
			GID:  os.Getgid(),
		},
	}
}

// Apply writes md onto path. Mode and ownership failures are only logged. In
// strict mode any other failure is returned as *Error; otherwise it is logged.
func (m *Manager) Apply(path string, md vfs.Metadata, strict bool) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return m.fail(strict, &Error{Path: path, Op: "lstat", Err: err})
	}
	isLink := fi.Mode()&os.ModeSymlink != 0

	if perms := md.Permissions; !isLink && perms != (vfs.Permissions{}) {
		if err := os.Chmod(path, os.FileMode(perms.Mode&0o7777)); err != nil {
			m.logger.Warn("setting mode failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		if err := unix.Lchown(path, perms.UID, perms.GID); err != nil {
			m.logger.Warn("setting ownership failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if md.Timestamps != (vfs.Timestamps{}) {
		if err := m.applyTimes(path, md.Timestamps); err != nil {
			return m.fail(strict, &Error{Path: path, Op: "utimes", Err: err})
		}
	}

	if !isLink {
		if err := applyReadonly(path, md.Attributes.IsReadonly); err != nil {
			return m.fail(strict, &Error{Path: path, Op: "readonly", Err: err})
		}
	}

	if md.Attributes.IsHidden {
		base := filepath.Base(path)
		if !strings.HasPrefix(base, ".") {
			hidden := filepath.Join(filepath.Dir(path), "."+base)
			if _, err := os.Lstat(hidden); errors.Is(err, os.ErrNotExist) {
				if err := os.Rename(path, hidden); err != nil {
					return m.fail(strict, &Error{Path: path, Op: "hide", Err: err})
				}
			}
		}
	}
	return nil
}

func (m *Manager) fail(strict bool, err *Error) error {
	if strict {
		return err
	}
	m.logger.Warn("applying metadata failed",
		slog.String("path", err.Path),
		slog.String("op", err.Op),
		slog.String("error", err.Err.Error()),
	)
	return nil
}

// applyTimes restores atime and mtime on the node itself. An unparsable mtime
// becomes now; an unparsable atime falls back to mtime.
func (m *Manager) applyTimes(path string, ts vfs.Timestamps) error {
	mtime := m.now()
	if t, err := ParseTime(ts.ModifyTime); err == nil {
		mtime = t
	}
	atime := mtime
	if t, err := ParseTime(ts.AccessTime); err == nil {
		atime = t
	}
	return SetTimes(path, atime, mtime)
}

func applyReadonly(path string, readonly bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode().Perm()
	if readonly {
		mode &^= 0o222
	} else {
		mode |= 0o200
	}
	return os.Chmod(path, mode)
}

// SetTimes sets atime and mtime on path without following symlinks.
func SetTimes(path string, atime, mtime time.Time) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW)
}

// FormatTime renders t in UTC with microsecond precision and a Z suffix.
// The fraction is omitted when it is zero.
func FormatTime(t time.Time) string {
	t = t.UTC().Truncate(time.Microsecond)
	if t.Nanosecond() == 0 {
		return t.Format(isoSeconds)
	}
	return t.Format(isoMicros)
}

// ParseTime parses an RFC 3339 timestamp as produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
