package hzvol

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/janelia-flyem/go/gocheck"
)

type LogSuite struct{}

var _ = Suite(&LogSuite{})

func (s *LogSuite) TestLogFile(c *C) {
	filename := filepath.Join(c.MkDir(), "hzvol.log")
	cfg := &LogConfig{Logfile: filename}
	cfg.SetLogger()
	saved := LogMode()
	SetLogMode(InfoMode)

	Debugf("hidden %d\n", 1)
	Infof("shown %d\n", 2)
	NewTimeLog().Errorf("timed %s", "error")
	Shutdown()
	SetLogMode(saved)

	data, err := os.ReadFile(filename)
	c.Assert(err, IsNil)
	text := string(data)
	c.Assert(strings.Contains(text, " INFO shown 2"), Equals, true)
	c.Assert(strings.Contains(text, " ERROR timed error: "), Equals, true)
	c.Assert(strings.Contains(text, "hidden"), Equals, false)
	c.Assert(strings.Contains(text, "Closing log file"), Equals, true)

	Infof("after shutdown\n")
	data, err = os.ReadFile(filename)
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(string(data), "after shutdown"), Equals, false)
}

func (s *LogSuite) TestRotationDefaults(c *C) {
	cfg := &LogConfig{Logfile: filepath.Join(c.MkDir(), "hzvol.log"), MaxSize: 7}
	cfg.SetLogger()
	f := logger.(fileLogger).file
	c.Assert(f.MaxSize, Equals, 7)
	c.Assert(f.MaxAge, Equals, DefaultLogAge)
	Shutdown()
	_, isFile := logger.(fileLogger)
	c.Assert(isFile, Equals, true)
	c.Assert(logger.(fileLogger).file, IsNil)
}
