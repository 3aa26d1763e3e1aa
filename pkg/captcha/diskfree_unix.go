//go:build unix

package captcha

import "syscall"

// diskFreeGB reports free space on the filesystem holding path. ok is false
// when the filesystem cannot be queried.
func diskFreeGB(path string) (uint64, bool) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize) / (1 << 30), true
}
