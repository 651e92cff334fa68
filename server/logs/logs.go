// Package logs exposes info, warning and error loggers.
package logs

import (
	"io"
	"log"
	"os"
	"strings"
)

var (
	// Info is the logger for non-critical messages.
	Info *log.Logger
	// Warn is the logger for recoverable problems.
	Warn *log.Logger
	// Err is the logger for errors.
	Err *log.Logger
)

func init() {
	// Defaults for code which logs before Init is called, tests included.
	Init(os.Stderr, "stdFlags")
}

// Init initializes the loggers. The flags string is a comma-separated list of
// names matching the log package flag constants, i.e. "date,time,shortfile".
func Init(out io.Writer, flagStr string) {
	var flags int
	for _, name := range strings.Split(flagStr, ",") {
		switch strings.TrimSpace(name) {
		case "date":
			flags |= log.Ldate
		case "time":
			flags |= log.Ltime
		case "microseconds":
			flags |= log.Lmicroseconds
		case "longfile":
			flags |= log.Llongfile
		case "shortfile":
			flags |= log.Lshortfile
		case "UTC":
			flags |= log.LUTC
		case "stdFlags":
			flags |= log.LstdFlags
		case "":
		default:
			// Ignore unknown flag names.
		}
	}

	Info = log.New(out, "I", flags)
	Warn = log.New(out, "W", flags)
	Err = log.New(out, "E", flags)
}
