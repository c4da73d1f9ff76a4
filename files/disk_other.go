//go:build !linux

package files

// diskUsage is not implemented outside Linux; usage reports as zero.
func diskUsage(string) (total, free uint64) {
	return 0, 0
}
