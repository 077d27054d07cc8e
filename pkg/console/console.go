// Package console prints user-facing status messages to stdout. Unlike
// pkg/debug it is always on and meant for operators watching the process,
// not for log files.
package console

import (
	"fmt"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	infoColor    = color.New(color.FgCyan)
)

// Info prints an informational message
func Info(format string, v ...interface{}) {
	infoColor.Print("==> ")
	fmt.Printf(format+"\n", v...)
}

// Success prints a success message
func Success(format string, v ...interface{}) {
	successColor.Print("==> ")
	fmt.Printf(format+"\n", v...)
}

// Warning prints a warning message
func Warning(format string, v ...interface{}) {
	warningColor.Print("warning: ")
	fmt.Printf(format+"\n", v...)
}

// Error prints an error message
func Error(format string, v ...interface{}) {
	errorColor.Print("error: ")
	fmt.Printf(format+"\n", v...)
}
