package mediaserver

import (
	"os"
	"time"
)

// directFile serves straight from the file descriptor, one read syscall per
// response write.
type directFile struct {
	file    *os.File
	info    os.FileInfo
	release func()
}

func newDirectFile(file *os.File, info os.FileInfo, release func()) *directFile {
	return &directFile{file: file, info: info, release: release}
}

func (f *directFile) Read(p []byte) (int, error) {
	return f.file.Read(p)
}

func (f *directFile) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(offset, whence)
}

func (f *directFile) Close() error {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	return f.file.Close()
}

func (f *directFile) Name() string       { return f.info.Name() }
func (f *directFile) ModTime() time.Time { return f.info.ModTime() }
func (f *directFile) Size() int64        { return f.info.Size() }
