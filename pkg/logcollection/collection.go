// Package logcollection collects the output streams of spawned children.
package logcollection

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-autoshutdown/pkg/errors"
	"github.com/core-tools/hsu-autoshutdown/pkg/logging"
)

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

// Sink receives complete lines
type Sink interface {
	Line(child string, stream StreamType, text string)
	Close() error
}

// LineWriter splits a byte stream into lines for a sink. Carriage returns
// before the newline and empty lines are dropped.
type LineWriter struct {
	mutex  sync.Mutex
	sink   Sink
	child  string
	stream StreamType
	buf    []byte
}

func NewLineWriter(sink Sink, child string, stream StreamType) *LineWriter {
	return &LineWriter{
		sink:   sink,
		child:  child,
		stream: stream,
	}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line
func (w *LineWriter) Flush() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text != "" {
		w.sink.Line(w.child, w.stream, text)
	}
}

type loggerSink struct {
	logger logging.Logger
}

// NewLoggerSink logs stdout lines at info and stderr lines at warn
func NewLoggerSink(logger logging.Logger) Sink {
	return &loggerSink{logger: logger}
}

func (s *loggerSink) Line(child string, stream StreamType, text string) {
	if stream == StderrStream {
		s.logger.Warnf("[%s] %s", child, text)
		return
	}
	s.logger.Infof("[%s] %s", child, text)
}

func (s *loggerSink) Close() error {
	return nil
}

// FileSink appends timestamped lines to <directory>/<child>.log
type FileSink struct {
	mutex     sync.Mutex
	directory string
	files     map[string]*os.File
	now       func() time.Time
}

func NewFileSink(directory string) (*FileSink, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.NewIOError("failed to create output directory", err).WithContext("directory", directory)
	}
	return &FileSink{
		directory: directory,
		files:     make(map[string]*os.File),
		now:       time.Now,
	}, nil
}

func (s *FileSink) Path(child string) string {
	return filepath.Join(s.directory, child+".log")
}

func (s *FileSink) Line(child string, stream StreamType, text string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	file, ok := s.files[child]
	if !ok {
		var err error
		file, err = os.OpenFile(s.Path(child), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			// retried on the next line
			return
		}
		s.files[child] = file
	}
	fmt.Fprintf(file, "%s %s %s\n", s.now().Format(time.RFC3339), stream, text)
}

func (s *FileSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	collection := errors.NewErrorCollection()
	for child, file := range s.files {
		if err := file.Close(); err != nil {
			collection.Add(errors.NewIOError("failed to close output file", err).WithContext("child", child))
		}
		delete(s.files, child)
	}
	return collection.ToError()
}

type multiSink []Sink

// NewCollector fans lines out to every sink
func NewCollector(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Line(child string, stream StreamType, text string) {
	for _, sink := range m {
		sink.Line(child, stream, text)
	}
}

func (m multiSink) Close() error {
	collection := errors.NewErrorCollection()
	for _, sink := range m {
		collection.Add(sink.Close())
	}
	return collection.ToError()
}
