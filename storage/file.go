package storage

import (
	"os"

	pkgerrors "github.com/pkg/errors"

	"github.com/bhaskarbora2/llfs/errors"
)

// FileLog is a LogStorage backed by a plain file. Writes are buffered by the
// OS; Flush calls fsync.
type FileLog struct {
	f *os.File
}

// CreateFileLog creates (or truncates) a log file of the given size.
func CreateFileLog(path string, size int64) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.E(errors.IO, "storage.CreateFileLog", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.E(errors.IO, "storage.CreateFileLog", pkgerrors.Wrap(err, path))
	}
	return &FileLog{f: f}, nil
}

// OpenFileLog opens an existing log file.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.E(errors.IO, "storage.OpenFileLog", err)
	}
	return &FileLog{f: f}, nil
}

func (l *FileLog) ReadAt(p []byte, off int64) error {
	if _, err := l.f.ReadAt(p, off); err != nil {
		return errors.E(errors.IO, "filelog.ReadAt", pkgerrors.Wrapf(err, "off %d", off))
	}
	return nil
}

func (l *FileLog) WriteAt(p []byte, off int64) error {
	if _, err := l.f.WriteAt(p, off); err != nil {
		return errors.E(errors.IO, "filelog.WriteAt", pkgerrors.Wrapf(err, "off %d", off))
	}
	return nil
}

func (l *FileLog) Flush() error {
	if err := l.f.Sync(); err != nil {
		return errors.E(errors.IO, "filelog.Flush", err)
	}
	return nil
}

func (l *FileLog) Size() (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, errors.E(errors.IO, "filelog.Size", err)
	}
	return fi.Size(), nil
}

func (l *FileLog) Close() error {
	return l.f.Close()
}

// FilePages is a PageStorage backed by a plain file: pageCount pages of
// pageSize bytes each, laid out contiguously.
type FilePages struct {
	f         *os.File
	pageSize  uint64
	pageCount uint32
}

func CreateFilePages(path string, pageSize uint64, pageCount uint32) (*FilePages, error) {
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return nil, errors.E(errors.Invalid, "storage.CreateFilePages", "page size must be a power of two >= 512")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.E(errors.IO, "storage.CreateFilePages", err)
	}
	if err := f.Truncate(int64(pageSize) * int64(pageCount)); err != nil {
		f.Close()
		return nil, errors.E(errors.IO, "storage.CreateFilePages", pkgerrors.Wrap(err, path))
	}
	return &FilePages{f: f, pageSize: pageSize, pageCount: pageCount}, nil
}

func OpenFilePages(path string, pageSize uint64) (*FilePages, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.E(errors.IO, "storage.OpenFilePages", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.E(errors.IO, "storage.OpenFilePages", err)
	}
	return &FilePages{
		f:         f,
		pageSize:  pageSize,
		pageCount: uint32(uint64(fi.Size()) / pageSize),
	}, nil
}

func (s *FilePages) ReadPage(idx uint32) ([]byte, error) {
	if idx >= s.pageCount {
		return nil, errors.E(errors.IO, "filepages.ReadPage", "out of range")
	}
	p := make([]byte, s.pageSize)
	if _, err := s.f.ReadAt(p, int64(s.pageSize)*int64(idx)); err != nil {
		return nil, errors.E(errors.IO, "filepages.ReadPage", pkgerrors.Wrapf(err, "page %d", idx))
	}
	return p, nil
}

func (s *FilePages) WritePage(idx uint32, p []byte) error {
	if idx >= s.pageCount {
		return errors.E(errors.IO, "filepages.WritePage", "out of range")
	}
	if uint64(len(p)) != s.pageSize {
		return errors.E(errors.Invalid, "filepages.WritePage", "short page")
	}
	if _, err := s.f.WriteAt(p, int64(s.pageSize)*int64(idx)); err != nil {
		return errors.E(errors.IO, "filepages.WritePage", pkgerrors.Wrapf(err, "page %d", idx))
	}
	return nil
}

func (s *FilePages) DropPage(idx uint32) error {
	return s.WritePage(idx, make([]byte, s.pageSize))
}

func (s *FilePages) Flush() error {
	if err := s.f.Sync(); err != nil {
		return errors.E(errors.IO, "filepages.Flush", err)
	}
	return nil
}

func (s *FilePages) PageSize() uint64 {
	return s.pageSize
}

func (s *FilePages) PageCount() uint32 {
	return s.pageCount
}

func (s *FilePages) Close() error {
	return s.f.Close()
}
