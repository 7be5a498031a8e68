//go:build darwin

package metadata

import (
	"time"

	"golang.org/x/sys/unix"
)

func statTimes(st *unix.Stat_t) (atime, mtime, ctime time.Time) {
	return time.Unix(st.Atimespec.Unix()),
		time.Unix(st.Mtimespec.Unix()),
		time.Unix(st.Ctimespec.Unix())
}
