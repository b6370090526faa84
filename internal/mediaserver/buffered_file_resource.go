package mediaserver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// bufferedFile reads ahead through a bufio.Reader so renderer-sized range
// reads do not translate into small disk reads. Seeks have to reconcile the
// file offset with the bytes still sitting in the buffer.
type bufferedFile struct {
	file    *os.File
	reader  *bufio.Reader
	info    os.FileInfo
	release func()
}

func newBufferedFile(file *os.File, info os.FileInfo, bufferSize int, release func()) *bufferedFile {
	return &bufferedFile{
		file:    file,
		reader:  bufio.NewReaderSize(file, bufferSize),
		info:    info,
		release: release,
	}
}

func (b *bufferedFile) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *bufferedFile) Seek(offset int64, whence int) (int64, error) {
	// position query (ftell) must not invalidate the buffer
	if whence == io.SeekCurrent && offset == 0 {
		return b.logicalPos()
	}

	// short forward seek can be satisfied from the buffer
	if whence == io.SeekCurrent && offset > 0 && offset <= int64(b.reader.Buffered()) {
		if _, err := b.reader.Discard(int(offset)); err != nil {
			return 0, err
		}
		return b.logicalPos()
	}

	// the file offset is ahead of the logical position by whatever is buffered
	if whence == io.SeekCurrent {
		offset -= int64(b.reader.Buffered())
	}

	newPos, err := b.file.Seek(offset, whence)
	if err != nil {
		return 0, fmt.Errorf("seek %q: %w", b.Name(), err)
	}

	b.reader.Reset(b.file)
	return newPos, nil
}

// logicalPos is the position a caller of Read would observe next.
func (b *bufferedFile) logicalPos() (int64, error) {
	cur, err := b.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("seek %q: %w", b.Name(), err)
	}
	return cur - int64(b.reader.Buffered()), nil
}

func (b *bufferedFile) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return b.file.Close()
}

func (b *bufferedFile) Name() string       { return b.info.Name() }
func (b *bufferedFile) ModTime() time.Time { return b.info.ModTime() }
func (b *bufferedFile) Size() int64        { return b.info.Size() }
