package hzvol

import (
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

// Rotation defaults of a configured log file.
const (
	DefaultLogSize = 500 // megabytes
	DefaultLogAge  = 30  // days
)

// LogConfig names the rotating log file.  Messages go to stderr until SetLogger is called with
// a Logfile.
type LogConfig struct {
	Logfile    string `toml:"logfile"`
	MaxSize    int    `toml:"max_log_size"`
	MaxAge     int    `toml:"max_log_age"`
	MaxBackups int    `toml:"max_log_backups"`
}

// fileLogger writes severity-tagged lines through the standard log package.  file is nil while
// logging to stderr.
type fileLogger struct {
	file *lumberjack.Logger
}

var logger Logger = fileLogger{}

// SetLogger routes every later message to the rotating log file.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("No log file configured, logging to stderr.\n")
		return
	}
	f := &lumberjack.Logger{
		Filename:   c.Logfile,
		MaxSize:    c.MaxSize,
		MaxAge:     c.MaxAge,
		MaxBackups: c.MaxBackups,
	}
	if f.MaxSize <= 0 {
		f.MaxSize = DefaultLogSize
	}
	if f.MaxAge <= 0 {
		f.MaxAge = DefaultLogAge
	}
	Infof("Logging to %s, rotated past %d MB.\n", c.Logfile, f.MaxSize)
	log.SetOutput(f)
	logger = fileLogger{f}
}

func (l fileLogger) Debugf(format string, args ...interface{})    { log.Printf(" DEBUG "+format, args...) }
func (l fileLogger) Infof(format string, args ...interface{})     { log.Printf(" INFO "+format, args...) }
func (l fileLogger) Warningf(format string, args ...interface{})  { log.Printf(" WARNING "+format, args...) }
func (l fileLogger) Errorf(format string, args ...interface{})    { log.Printf(" ERROR "+format, args...) }
func (l fileLogger) Criticalf(format string, args ...interface{}) { log.Printf(" CRITICAL "+format, args...) }

// Shutdown closes the log file and falls back to stderr.
func (l fileLogger) Shutdown() {
	if l.file == nil {
		return
	}
	log.Printf(" INFO Closing log file %s\n", l.file.Filename)
	log.SetOutput(os.Stderr)
	l.file.Close()
	logger = fileLogger{}
}
