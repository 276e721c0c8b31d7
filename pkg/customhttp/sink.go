package customhttp

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
)

// fileSink writes a response body straight to disk.
type fileSink struct {
	path    string
	f       *os.File
	written int64
}

// openFileSink opens path for writing. A zero offset truncates the file,
// otherwise writing starts at offset and earlier bytes are kept.
func openFileSink(path string, offset int64) (*fileSink, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, newError(KindIO, fmt.Errorf("expand %q: %w", path, err))
	}
	if offset < 0 {
		return nil, newError(KindConfiguration, fmt.Errorf("negative download offset %d", offset))
	}
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(expanded, flags, 0o664)
	if err != nil {
		return nil, newError(KindIO, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, newError(KindIO, err)
		}
	}
	return &fileSink{path: expanded, f: f}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, newError(KindIO, err)
	}
	return n, nil
}

// Close is safe to call more than once.
func (s *fileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return newError(KindIO, err)
	}
	return nil
}
