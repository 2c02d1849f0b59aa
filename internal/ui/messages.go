package ui

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

var quiet bool

// interactive reports whether stdout is a terminal. Styled output is only
// emitted for terminals; pipes get plain text.
var interactive = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// SetQuiet suppresses all output except errors.
func SetQuiet(q bool) {
	quiet = q
}

// Println prints an empty line.
func Println() {
	if quiet {
		return
	}
	fmt.Println()
}

// PrintTitle prints a heading.
func PrintTitle(format string, args ...interface{}) {
	printStyled(TitleStyle, "", format, args...)
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	printStyled(SuccessStyle, "✓ ", format, args...)
}

// PrintError prints an error message. Errors are printed even in quiet mode.
func PrintError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if interactive {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("✗ "+msg))
		return
	}
	fmt.Fprintln(os.Stderr, "✗ "+msg)
}

// PrintWarning prints a warning message.
func PrintWarning(format string, args ...interface{}) {
	printStyled(WarningStyle, "⚠ ", format, args...)
}

// PrintInfo prints an informational message.
func PrintInfo(format string, args ...interface{}) {
	if quiet {
		return
	}
	fmt.Printf(format+"\n", args...)
}

// PrintDim prints a dimmed message.
func PrintDim(format string, args ...interface{}) {
	printStyled(DimStyle, "", format, args...)
}

// PrintField prints an aligned label/value pair for status output.
func PrintField(label, format string, args ...interface{}) {
	if quiet {
		return
	}
	value := fmt.Sprintf(format, args...)
	if interactive {
		fmt.Println(LabelStyle.Render(label) + value)
		return
	}
	fmt.Printf("%-18s%s\n", label, value)
}

func printStyled(style interface{ Render(...string) string }, prefix, format string, args ...interface{}) {
	if quiet {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if interactive {
		fmt.Println(style.Render(prefix + msg))
		return
	}
	fmt.Println(prefix + msg)
}
