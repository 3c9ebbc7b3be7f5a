package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultLogMaxBytes   = 10 * 1024 * 1024
	defaultLogMaxBackups = 5
)

// fileSink appends log lines to a file and shifts it to path.1, path.2, ...
// once a write would push it past maxBytes.
type fileSink struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newFileSink(path string, maxBytes int64, maxBackups int) (*fileSink, error) {
	if maxBytes <= 0 {
		maxBytes = defaultLogMaxBytes
	}
	if maxBackups <= 0 {
		maxBackups = defaultLogMaxBackups
	}
	s := &fileSink{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file %s: %w", s.path, err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil && s.size > 0 && s.size+int64(len(p)) > s.maxBytes {
		_ = s.file.Close()
		s.file = nil
		s.shift()
	}
	if s.file == nil {
		if err := s.open(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

// shift renames path.N-1 to path.N down to path to path.1; the oldest backup
// is overwritten.
func (s *fileSink) shift() {
	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1))
		}
	}
	_ = os.Rename(s.path, s.path+".1")
}

func (s *fileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
