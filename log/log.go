package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
)

var stdout io.Writer = color.Output
var g_rl *readline.Instance = nil
var debug_output = false
var mtx_log *sync.Mutex = &sync.Mutex{}
var logFile *os.File

const (
	DEBUG = iota
	INFO
	IMPORTANT
	WARNING
	ERROR
	FATAL
	SUCCESS
)

var LogLabels = map[int]string{
	DEBUG:     "dbg",
	INFO:      "inf",
	IMPORTANT: "imp",
	WARNING:   "war",
	ERROR:     "err",
	FATAL:     "!!!",
	SUCCESS:   "+++",
}

// SetLogFile mirrors everything above DEBUG into the given file, without
// color codes. An empty path disables file logging.
func SetLogFile(path string) error {
	mtx_log.Lock()
	defer mtx_log.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	logFile = f
	return nil
}

func DebugEnable(enable bool) {
	debug_output = enable
}

func SetOutput(o io.Writer) {
	stdout = o
}

func GetOutput() io.Writer {
	return stdout
}

func SetReadline(rl *readline.Instance) {
	g_rl = rl
}

func NullLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func refreshReadline() {
	if g_rl != nil {
		g_rl.Refresh()
	}
}

func Debug(format string, args ...interface{}) {
	if !debug_output {
		return
	}
	output(DEBUG, format, args...)
}

func Info(format string, args ...interface{}) {
	output(INFO, format, args...)
}

func Important(format string, args ...interface{}) {
	output(IMPORTANT, format, args...)
}

func Warning(format string, args ...interface{}) {
	output(WARNING, format, args...)
}

func Error(format string, args ...interface{}) {
	output(ERROR, format, args...)
}

func Fatal(format string, args ...interface{}) {
	output(FATAL, format, args...)
}

func Success(format string, args ...interface{}) {
	output(SUCCESS, format, args...)
}

func Printf(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprintf(stdout, format, args...)
	refreshReadline()
}

func output(lvl int, format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(lvl, format+"\n", args...))
	if logFile != nil && lvl > DEBUG {
		t := time.Now()
		fmt.Fprintf(logFile, "[%02d:%02d:%02d] [%s] %s\n", t.Hour(), t.Minute(), t.Second(), LogLabels[lvl], fmt.Sprintf(format, args...))
	}
	refreshReadline()
}

func format_msg(lvl int, format string, args ...interface{}) string {
	t := time.Now()
	var sign, msg *color.Color
	switch lvl {
	case DEBUG:
		sign = color.New(color.FgBlack, color.BgHiBlack)
		msg = color.New(color.Reset, color.FgHiBlack)
	case INFO:
		sign = color.New(color.FgGreen, color.BgBlack)
		msg = color.New(color.Reset)
	case IMPORTANT:
		sign = color.New(color.FgWhite, color.BgHiBlue)
		msg = color.New(color.Reset)
	case WARNING:
		sign = color.New(color.FgBlack, color.BgYellow)
		msg = color.New(color.Reset)
	case ERROR:
		sign = color.New(color.FgWhite, color.BgRed)
		msg = color.New(color.Reset, color.FgRed)
	case FATAL:
		sign = color.New(color.FgBlack, color.BgRed)
		msg = color.New(color.Reset, color.FgRed, color.Bold)
	case SUCCESS:
		sign = color.New(color.FgWhite, color.BgGreen)
		msg = color.New(color.Reset, color.FgGreen)
	}
	time_clr := color.New(color.Reset)
	return "\r[" + time_clr.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second()) + "] [" + sign.Sprintf("%s", LogLabels[lvl]) + "] " + msg.Sprintf(format, args...)
}
