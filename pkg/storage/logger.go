package storage

import (
	"log"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// badgerLogger routes badger's internal logging through the standard logger
// with a [badger] tag. Badger is chatty at info level, so info and debug
// lines are only printed when the configured level is debug.
type badgerLogger struct {
	level int
}

var _ badger.Logger = (*badgerLogger)(nil)

func newBadgerLogger(level string) *badgerLogger {
	return &badgerLogger{level: parseLevel(level)}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[badger] ERROR: "+strings.TrimRight(format, "\n"), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	if l.level <= levelWarn {
		log.Printf("[badger] WARN: "+strings.TrimRight(format, "\n"), args...)
	}
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	if l.level <= levelDebug {
		log.Printf("[badger] "+strings.TrimRight(format, "\n"), args...)
	}
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	if l.level <= levelDebug {
		log.Printf("[badger] DEBUG: "+strings.TrimRight(format, "\n"), args...)
	}
}
