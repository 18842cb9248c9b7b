//go:build !linux

package flash

import "os"

func syncData(f *os.File) error {
	return f.Sync()
}

func hostFree(dir string) (int64, bool) {
	return 0, false
}
