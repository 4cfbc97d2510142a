package keydir

import "golang.org/x/sys/unix"

// mmapPage maps exactly one PageSize-length region of the swap file at the
// given file offset, read-write, MAP_SHARED. Each swap page gets its own
// independent mapping rather than one mapping over the whole file, so
// growing the file never has to remap pages already handed out to callers.
// Modeled on Giulio2002-gdbx/mmap/mmap_unix.go's New, trimmed to the one
// fixed-length, always-writable case the swap arena needs.
func mmapPage(fd int, fileOffset int64) ([]byte, error) {
	data, err := unix.Mmap(fd, fileOffset, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap swap page", Err: err}
	}
	return data, nil
}

// munmapPage releases a mapping previously returned by mmapPage.
func munmapPage(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return &Error{Op: "munmap swap page", Err: err}
	}
	return nil
}
