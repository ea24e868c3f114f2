package entwine

import (
	"fmt"
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

type stdLogger struct {
	*lumberjack.Logger
}

var logger Logger = stdLogger{}

// LogConfig configures the optional rotating log file.  If Logfile is empty,
// log messages go to stdout via the standard log package.
type LogConfig struct {
	Logfile string `toml:"logfile"`
	MaxSize int    `toml:"max_log_size"` // megabytes
	MaxAge  int    `toml:"max_log_age"`  // days
}

// SetLogger installs a logger that saves to a rotating log file.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		log.SetOutput(os.Stdout)
		Infof("Sending log messages to stdout since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(l)
	logger = stdLogger{l}
}

func (slog stdLogger) Logf(s Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if slog.Logger != nil {
		slog.Write([]byte(s.String() + " " + msg + "\n"))
	} else {
		log.Printf("%s %s", s, msg)
	}
}

func (slog stdLogger) Shutdown() {
	if slog.Logger != nil {
		slog.Close()
	}
}
