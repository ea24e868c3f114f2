/*
	Leveled logging for the indexer.  The package-level helpers funnel into
	a single Logf sink, so an implementation only decides where lines go;
	severity filtering happens here before any message reaches it.
*/

package entwine

import "time"

// Severity orders log levels from chattiest to silent.
type Severity int

const (
	DebugLevel Severity = iota
	InfoLevel
	WarningLevel
	ErrorLevel
	SilentLevel
)

func (s Severity) String() string {
	switch s {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarningLevel:
		return "WARNING"
	case ErrorLevel:
		return "ERROR"
	}
	return "SILENT"
}

// threshold is the minimum severity that reaches the logger.
var threshold Severity

// Logger is the sink behind the package-level helpers.  Only messages at
// or above the configured threshold reach it.
type Logger interface {
	Logf(s Severity, format string, args ...interface{})

	// Shutdown flushes and closes the sink.
	Shutdown()
}

// SetLogMode sets the minimum severity required for a message to be
// logged.  SilentLevel turns logging off entirely.
func SetLogMode(s Severity) {
	threshold = s
}

func logf(s Severity, format string, args ...interface{}) {
	if s >= threshold && s < SilentLevel {
		logger.Logf(s, format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	logf(DebugLevel, format, args...)
}

func Infof(format string, args ...interface{}) {
	logf(InfoLevel, format, args...)
}

func Warningf(format string, args ...interface{}) {
	logf(WarningLevel, format, args...)
}

func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, format, args...)
}

// TimeLog stamps its messages with the time elapsed since its creation.
// Used for phases whose duration is worth reporting: per-source ingest,
// the final save, a subset merge.
type TimeLog struct {
	start time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{start: time.Now()}
}

func (t TimeLog) elapsed() time.Duration {
	return time.Since(t.start).Round(time.Millisecond)
}

func (t TimeLog) Infof(format string, args ...interface{}) {
	logf(InfoLevel, format+" [%s]", append(args, t.elapsed())...)
}

func (t TimeLog) Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, format+" [%s]", append(args, t.elapsed())...)
}
