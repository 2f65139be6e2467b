package atomkv

import "os"

// Windows has no separate fdatasync; File.Sync already flushes both data
// and metadata through FlushFileBuffers.
func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
