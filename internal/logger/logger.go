// Package logger is a small structured console logger: tagged lines with
// level-specific colors when writing to a terminal, plain text otherwise.
// There is no external structured-logging dependency here by design — this
// is the one ambient concern this module hand-rolls, matching the teacher's
// own choice (see DESIGN.md).
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, s string) string {
	if !colorEnabled {
		return s
	}
	return color + s + colorReset
}

func timestamp() string {
	return colorize(colorGray, time.Now().Format("15:04:05.000"))
}

func line(level, color, tag, msg string) {
	fmt.Printf("%s %s [%s] %s\n", timestamp(), colorize(color, level), tag, msg)
}

// Info logs an informational message tagged with a component name.
func Info(tag, msg string) { line("INFO ", colorCyan, tag, msg) }

// Success logs a positive-outcome message.
func Success(tag, msg string) { line("OK   ", colorGreen, tag, msg) }

// Warn logs a recoverable-problem message.
func Warn(tag, msg string) { line("WARN ", colorYellow, tag, msg) }

// Error logs a failure message.
func Error(tag, msg string) { line("ERROR", colorRed, tag, msg) }

// Section prints a visual section break, used to group startup output.
func Section(title string) {
	fmt.Println(colorize(colorBold, "── "+title+" "+dashes(40-len(title))))
}

func dashes(n int) string {
	if n < 0 {
		n = 0
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}

// Stats prints a key/value diagnostic line.
func Stats(key string, value interface{}) {
	fmt.Printf("  %s: %v\n", colorize(colorGray, key), value)
}

// Banner prints the startup banner with the given version string.
func Banner(version string) {
	fmt.Println(colorize(colorBold+colorCyan, "Context Engine"))
	if version != "" {
		fmt.Println(colorize(colorGray, "version "+version))
	}
}

// Server prints the listening-address line shown once the HTTP server is up.
func Server(addr string) {
	Success("Server", fmt.Sprintf("listening on %s", addr))
}
