package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	logger       = newAsyncLogger()
	debugLogging bool
)

type logLevel int

const (
	logLevelDebug logLevel = iota
	logLevelInfo
	logLevelWarn
	logLevelError
)

var levelNames = []string{
	"DEBUG",
	"INFO",
	"WARN",
	"ERROR",
}

type logEvent struct {
	level logLevel
	msg   string
	attrs []any
}

// asyncLogger serializes formatting and file writes on a background
// goroutine so share handling never blocks on log I/O. Attributes are
// key/value pairs appended to the message line.
type asyncLogger struct {
	level       logLevel
	queue       chan logEvent
	done        chan struct{}
	writerMu    sync.RWMutex
	poolWriter  io.Writer
	debugWriter io.Writer
	stdout      bool
	wg          sync.WaitGroup
	stopOnce    sync.Once
	closing     atomic.Bool
}

func newAsyncLogger() *asyncLogger {
	l := &asyncLogger{
		level:       logLevelInfo,
		queue:       make(chan logEvent, 4096),
		done:        make(chan struct{}),
		poolWriter:  os.Stdout,
		debugWriter: io.Discard,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *asyncLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case evt := <-l.queue:
			l.writeEntry(evt)
		case <-l.done:
			for {
				select {
				case evt := <-l.queue:
					l.writeEntry(evt)
				default:
					return
				}
			}
		}
	}
}

func (l *asyncLogger) log(level logLevel, msg string, attrs ...any) {
	if level < l.level {
		return
	}
	if l.closing.Load() {
		return
	}
	select {
	case l.queue <- logEvent{level: level, msg: msg, attrs: append([]any(nil), attrs...)}:
	case <-l.done:
	}
}

func (l *asyncLogger) Debug(msg string, attrs ...any) { l.log(logLevelDebug, msg, attrs...) }
func (l *asyncLogger) Info(msg string, attrs ...any)  { l.log(logLevelInfo, msg, attrs...) }
func (l *asyncLogger) Warn(msg string, attrs ...any)  { l.log(logLevelWarn, msg, attrs...) }
func (l *asyncLogger) Error(msg string, attrs ...any) { l.log(logLevelError, msg, attrs...) }

func (l *asyncLogger) setLevel(level logLevel) {
	l.level = level
}

func (l *asyncLogger) configureWriters(pool, debug io.Writer, stdout bool) {
	if pool == nil {
		pool = io.Discard
	}
	if debug == nil {
		debug = io.Discard
	}
	l.writerMu.Lock()
	l.poolWriter = pool
	l.debugWriter = debug
	l.stdout = stdout
	l.writerMu.Unlock()
}

// Stop drains queued events and closes any file-backed writers. Call once
// during shutdown, after all components have stopped logging.
func (l *asyncLogger) Stop() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.done)
		l.wg.Wait()
		l.writerMu.Lock()
		closeWriter(l.poolWriter)
		closeWriter(l.debugWriter)
		l.poolWriter = io.Discard
		l.debugWriter = io.Discard
		l.writerMu.Unlock()
	})
}

func closeWriter(w io.Writer) {
	if closer, ok := w.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (l *asyncLogger) writeEntry(evt logEvent) {
	attrs := formatAttrs(evt.attrs)
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	levelName := "UNKNOWN"
	if int(evt.level) >= 0 && int(evt.level) < len(levelNames) {
		levelName = levelNames[evt.level]
	}
	var entry strings.Builder
	entry.WriteString(timestamp)
	entry.WriteString(" [")
	entry.WriteString(levelName)
	entry.WriteString("] ")
	entry.WriteString(evt.msg)
	if attrs != "" {
		entry.WriteString(" ")
		entry.WriteString(attrs)
	}
	entry.WriteByte('\n')
	line := entry.String()

	l.writerMu.RLock()
	pool := l.poolWriter
	debug := l.debugWriter
	stdout := l.stdout
	l.writerMu.RUnlock()

	if stdout {
		_, _ = os.Stdout.Write([]byte(line))
	}
	if evt.level == logLevelDebug {
		if debug != nil {
			_, _ = debug.Write([]byte(line))
		}
		return
	}
	if pool != nil {
		_, _ = pool.Write([]byte(line))
	}
}

func formatAttrs(attrs []any) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(attrs); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		key := fmt.Sprint(attrs[i])
		if i+1 < len(attrs) {
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(fmt.Sprint(attrs[i+1]))
			i++
		} else {
			b.WriteString(key)
		}
	}
	return b.String()
}

// appendFileWriter reopens its target if the file is removed out from under
// the pool (log rotation via rm is common on small deployments).
type appendFileWriter struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func newAppendFileWriter(path string) io.Writer {
	if path == "" {
		return io.Discard
	}
	return &appendFileWriter{path: path}
}

func (w *appendFileWriter) ensureFile() error {
	if _, err := os.Stat(w.path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if w.f != nil {
			_ = w.f.Close()
			w.f = nil
		}
	}
	if w.f == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.f = f
	}
	return nil
}

func (w *appendFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *appendFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
