// Package logger implements grid-watcher's async, severity-filtered alert
// log: callers enqueue entries onto a lock-free SPSC ring
// (internal/lockfree.SPSC), a single background writer drains it to a file
// and optionally stdout. Enqueue never blocks; on overflow the entry is
// dropped and counted, exactly as the original grid_watcher's Logger does.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iolloyd/gridwatcher/internal/lockfree"
)

// Level is a log severity, ordered so Level comparisons select a minimum
// threshold the way the original's LogEntry::Level does.
type Level uint8

const (
	Trace Level = iota
	Debug
	Info
	Warning
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Threat carries the optional alert fields appended to a log line, mirrored
// from spec.md §6's persisted log format. Kept as plain fields rather than
// importing internal/behavior, so this package has no dependency on the
// analyzer — callers supply whatever alert fields they have.
type Threat struct {
	AttackType string
	Severity   string
	Source     string
	Confidence float64
}

// Entry is one queued log record.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Source    string
	Message   string
	Threat    *Threat
}

// String renders entry in grid-watcher's persisted log format:
// "YYYY-MM-DD HH:MM:SS [LEVEL] [source] message [| Attack: ... | Severity: ... | Source: IP | Confidence: NN.NN%]"
func (e Entry) String() string {
	s := fmt.Sprintf("%s [%s] [%s] %s",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Source, e.Message)
	if e.Threat != nil {
		s += fmt.Sprintf(" | Attack: %s | Severity: %s | Source: %s | Confidence: %.2f%%",
			e.Threat.AttackType, e.Threat.Severity, e.Threat.Source, e.Threat.Confidence*100)
	}
	return s
}

// queueCapacity matches the original's 8192-entry log ring.
const queueCapacity = 8192

// Logger is the async severity-filtered logger. Construct with New, call
// Start to spin up the background writer, Stop to drain and join it.
type Logger struct {
	queue    *lockfree.SPSC[Entry]
	minLevel atomic.Uint32
	console  bool
	out      io.Writer
	file     io.WriteCloser

	running  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	written uint64
	dropped uint64
}

// New constructs a Logger writing to filename (appended, created if
// missing) and optionally to stdout. It does not start the writer goroutine;
// call Start for that.
func New(filename string, minLevel Level, console bool) (*Logger, error) {
	l := &Logger{
		queue:   lockfree.NewSPSC[Entry](queueCapacity),
		console: console,
		out:     os.Stdout,
		done:    make(chan struct{}),
	}
	l.minLevel.Store(uint32(minLevel))

	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logger: open %s: %w", filename, err)
		}
		l.file = f
	}
	return l, nil
}

// SetMinLevel adjusts the severity threshold at runtime.
func (l *Logger) SetMinLevel(level Level) {
	l.minLevel.Store(uint32(level))
}

// Start launches the background writer goroutine. Calling Start twice is a
// no-op.
func (l *Logger) Start() {
	if l.running.Swap(true) {
		return
	}
	go l.writerLoop()
}

// Stop signals the writer goroutine to exit, waits for it, and flushes any
// entries still queued. Safe to call multiple times.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		if l.running.Swap(false) {
			<-l.done
		}
		for {
			entry, ok := l.queue.Pop()
			if !ok {
				break
			}
			l.write(entry)
		}
		if l.file != nil {
			l.file.Close()
		}
	})
}

func (l *Logger) writerLoop() {
	defer close(l.done)
	for l.running.Load() {
		entry, ok := l.queue.Pop()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		l.write(entry)
	}
}

func (l *Logger) write(entry Entry) {
	line := entry.String()
	if l.file != nil {
		fmt.Fprintln(l.file, line)
	}
	if l.console {
		fmt.Fprintln(l.out, line)
	}
	atomic.AddUint64(&l.written, 1)
}

// Log enqueues an entry at the given level if it meets the minimum
// threshold. Never blocks; drops and counts the entry if the queue is full.
func (l *Logger) Log(level Level, source, message string, threat *Threat) {
	if uint32(level) < l.minLevel.Load() {
		return
	}
	entry := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Threat:    threat,
	}
	if !l.queue.Push(entry) {
		atomic.AddUint64(&l.dropped, 1)
	}
}

func (l *Logger) Trace(source, message string)    { l.Log(Trace, source, message, nil) }
func (l *Logger) Debug(source, message string)    { l.Log(Debug, source, message, nil) }
func (l *Logger) Info(source, message string)     { l.Log(Info, source, message, nil) }
func (l *Logger) Warning(source, message string)  { l.Log(Warning, source, message, nil) }
func (l *Logger) Error(source, message string)    { l.Log(Error, source, message, nil) }

// CriticalAlert logs a CRITICAL entry carrying a threat alert, matching the
// engine's step 8 ("log at CRITICAL with alert attached").
func (l *Logger) CriticalAlert(source, message string, threat Threat) {
	l.Log(Critical, source, message, &threat)
}

// LogsWritten returns the count of entries the writer goroutine has flushed.
func (l *Logger) LogsWritten() uint64 { return atomic.LoadUint64(&l.written) }

// LogsDropped returns the count of entries dropped due to queue overflow.
func (l *Logger) LogsDropped() uint64 { return atomic.LoadUint64(&l.dropped) }
