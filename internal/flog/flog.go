// Package flog is a small async, level-gated logger shared by every
// component of the session layer (registry, multiplexer, context, socket).
package flog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const None Level = -1
const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

var (
	minLevel   atomic.Int64
	logCh      = make(chan string, 1024)
	dropped    atomic.Uint64
	drainStart sync.Once
)

func init() { minLevel.Store(int64(Info)) }

// Dropped returns the number of log messages dropped because the internal
// channel was full, e.g. during a receive-loop storm.
func Dropped() uint64 { return dropped.Load() }

var levelStrings = [...]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
	Fatal: "FATAL",
}

// SetLevel sets the minimum level logged, starting the draining goroutine on
// first use. Calling it repeatedly, e.g. to change verbosity at runtime, is
// safe and never spawns more than one drainer. Passing None (-1) silences
// logging entirely without stopping the drainer already running.
func SetLevel(l int) {
	minLevel.Store(int64(l))
	drainStart.Do(func() {
		go func() {
			for msg := range logCh {
				fmt.Fprint(os.Stdout, msg)
			}
		}()
	})
}

// logf formats and enqueues a line tagged with the emitting component, e.g.
// Debugf("mux", "dispatched %d bytes from %s", n, addr).
func logf(level Level, component, format string, args ...any) {
	min := Level(minLevel.Load())
	if level < min || min == None {
		return
	}

	if len(logCh) == cap(logCh) {
		dropped.Add(1)
		return
	}

	now := time.Now().Format("2006-01-02 15:04:05.000")
	line := fmt.Sprintf("%s [%s] [%s] %s\n", now, levelStrings[level], component, fmt.Sprintf(format, args...))

	select {
	case logCh <- line:
	default:
		dropped.Add(1)
	}
}

func (l Level) String() string {
	if int(l) >= 0 && int(l) < len(levelStrings) {
		return levelStrings[l]
	}
	if l == None {
		return "None"
	}
	return "UNKNOWN"
}

func Debugf(component, format string, args ...any) { logf(Debug, component, format, args...) }
func Infof(component, format string, args ...any)  { logf(Info, component, format, args...) }
func Warnf(component, format string, args ...any)  { logf(Warn, component, format, args...) }
func Errorf(component, format string, args ...any) { logf(Error, component, format, args...) }
func Fatalf(component, format string, args ...any) {
	logf(Fatal, component, format, args...)
	time.Sleep(10 * time.Millisecond)
	os.Exit(1)
}

// Close shuts down the draining goroutine. Only call once, at process exit.
func Close() { close(logCh) }
