package bootstrap

import "golang.org/x/sys/unix"

// availableBytes reports the free space on the filesystem holding
// path, used for the pre-extraction disk check.
func availableBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
