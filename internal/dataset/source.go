package dataset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Source yields raw records. Next fills buf completely or returns an error;
// io.EOF means the source is exhausted and any partly filled buffer is
// discarded.
type Source interface {
	Next(ctx context.Context, buf []Record) error
}

// SliceSource serves records from memory.
type SliceSource struct {
	Records []Record
	Loop    bool

	pos int
}

// NewSliceSource creates a source over records.
func NewSliceSource(records []Record, loop bool) *SliceSource {
	return &SliceSource{Records: records, Loop: loop}
}

func (s *SliceSource) Next(ctx context.Context, buf []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range buf {
		if s.pos == len(s.Records) {
			if !s.Loop || len(s.Records) == 0 {
				return io.EOF
			}
			s.pos = 0
		}
		buf[i] = s.Records[s.pos]
		s.pos++
	}
	return nil
}

// TextSource reads "<fen> | <eval> | <wdl>" lines from a list of files in
// order, optionally starting over after the last one. Blank lines and lines
// starting with '#' are skipped.
type TextSource struct {
	paths  []string
	loop   bool
	logger *slog.Logger

	file    *os.File
	scanner *bufio.Scanner
	index   int // index of the open file in paths
	line    int
	passes  int
	records int // records read in the current pass
}

// NewTextSource checks that every file exists and returns a source over them.
func NewTextSource(paths []string, loop bool, logger *slog.Logger) (*TextSource, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no data files given", errs.ErrConfiguration)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: data file: %v", errs.ErrConfiguration, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TextSource{paths: paths, loop: loop, logger: logger, index: -1}, nil
}

func (s *TextSource) Next(ctx context.Context, buf []Record) error {
	for i := 0; i < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := s.readLine()
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", s.paths[s.index], s.line, err)
		}
		buf[i] = rec
		s.records++
		i++
	}
	return nil
}

// readLine returns the next line, moving across files and passes.
func (s *TextSource) readLine() (string, error) {
	for {
		if s.scanner != nil && s.scanner.Scan() {
			s.line++
			return s.scanner.Text(), nil
		}
		if s.scanner != nil {
			if err := s.scanner.Err(); err != nil {
				return "", fmt.Errorf("%w: reading %s: %v", errs.ErrData, s.paths[s.index], err)
			}
		}
		if err := s.openNext(); err != nil {
			return "", err
		}
	}
}

func (s *TextSource) openNext() error {
	s.closeFile()

	next := s.index + 1
	if next == len(s.paths) {
		if !s.loop {
			return io.EOF
		}
		if s.records == 0 {
			return fmt.Errorf("%w: data files contain no records", errs.ErrData)
		}
		s.passes++
		s.records = 0
		s.logger.Info("data pass complete, starting over", "pass", s.passes)
		next = 0
	}

	f, err := os.Open(s.paths[next])
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	s.file = f
	s.scanner = bufio.NewScanner(f)
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s.index = next
	s.line = 0
	s.logger.Debug("reading data file", "path", s.paths[next])
	return nil
}

func (s *TextSource) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
		s.scanner = nil
	}
}

// Close releases the open file.
func (s *TextSource) Close() error {
	s.closeFile()
	return nil
}
