package stats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"firestige.xyz/dmgmeter/internal/metrics"
)

const (
	defaultLogQueue = 1024
	logTimeLayout   = "2006-01-02T15:04:05.000Z07:00"
)

type logLine struct {
	session int64
	at      time.Time
	text    string
}

type logStream struct {
	f  *os.File
	gz *gzip.Writer
}

// CombatLog appends free-form combat lines to logs/<session>/fight.log.gz.
// Writing happens on its own goroutine; Append never blocks and drops the
// line when the queue is full. Each open of a stream adds a new gzip member
// to the file, so a restarted session keeps its earlier lines.
type CombatLog struct {
	dir     string
	lines   chan logLine
	closeCh chan int64
	stop    chan struct{}
	done    chan struct{}

	streams map[int64]*logStream
}

// NewCombatLog starts a combat log writer under dir.
func NewCombatLog(dir string, queueSize int) *CombatLog {
	if queueSize <= 0 {
		queueSize = defaultLogQueue
	}
	l := &CombatLog{
		dir:     dir,
		lines:   make(chan logLine, queueSize),
		closeCh: make(chan int64, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		streams: make(map[int64]*logStream),
	}
	go l.run()
	return l
}

// Append queues one line for the session started at session (unix ms).
func (l *CombatLog) Append(session int64, at time.Time, text string) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.lines <- logLine{session: session, at: at, text: text}:
		return true
	default:
		metrics.CaptureDropsTotal.WithLabelValues("combat_log").Inc()
		return false
	}
}

// CloseSession finishes the stream of session once its queued lines are
// written.
func (l *CombatLog) CloseSession(session int64) {
	select {
	case l.closeCh <- session:
	case <-l.stop:
	}
}

// Close writes everything queued, closes all streams and waits for the
// goroutine to exit or ctx to expire.
func (l *CombatLog) Close(ctx context.Context) error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *CombatLog) run() {
	defer close(l.done)
	for {
		select {
		case ln := <-l.lines:
			l.write(ln)
			l.drain()
			l.flush()
		case session := <-l.closeCh:
			l.drain()
			l.finish(session)
		case <-l.stop:
			l.drain()
			for session := range l.streams {
				l.finish(session)
			}
			return
		}
	}
}

func (l *CombatLog) drain() {
	for {
		select {
		case ln := <-l.lines:
			l.write(ln)
		default:
			return
		}
	}
}

func (l *CombatLog) write(ln logLine) {
	s, err := l.open(ln.session)
	if err != nil {
		slog.Error("failed to open combat log", "session", ln.session, "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.gz, "[%s] %s\n", ln.at.UTC().Format(logTimeLayout), ln.text); err != nil {
		slog.Error("failed to write combat log", "session", ln.session, "error", err)
	}
}

func (l *CombatLog) open(session int64) (*logStream, error) {
	if s, ok := l.streams[session]; ok {
		return s, nil
	}
	dir := filepath.Join(l.dir, strconv.FormatInt(session, 10))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, combatLogGz), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	s := &logStream{f: f, gz: gzip.NewWriter(f)}
	l.streams[session] = s
	return s, nil
}

func (l *CombatLog) flush() {
	for session, s := range l.streams {
		if err := s.gz.Flush(); err != nil {
			slog.Error("failed to flush combat log", "session", session, "error", err)
		}
	}
}

func (l *CombatLog) finish(session int64) {
	s, ok := l.streams[session]
	if !ok {
		return
	}
	delete(l.streams, session)
	if err := s.gz.Close(); err != nil {
		slog.Error("failed to close combat log", "session", session, "error", err)
	}
	if err := s.f.Close(); err != nil {
		slog.Error("failed to close combat log file", "session", session, "error", err)
	}
}
