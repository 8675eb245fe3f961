package systest

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	passColor  = color.New(color.FgGreen, color.Bold)
	failColor  = color.New(color.FgRed, color.Bold)
	errorColor = color.New(color.FgYellow, color.Bold)
	dimColor   = color.New(color.Faint)
)

// StatusColor returns the colour used to print s.
func StatusColor(s Status) *color.Color {
	switch s {
	case Pass:
		return passColor
	case Fail:
		return failColor
	case Error:
		return errorColor
	}
	return dimColor
}

// PrintResult writes a one-line verdict for name followed by the indented
// detail. Passing detail is omitted.
func PrintResult(w io.Writer, name string, res Result) {
	label := StatusColor(res.Status).Sprintf("%-6s", strings.ToUpper(res.Status.String()))
	fmt.Fprintf(w, "%s %s\n", label, name)
	if res.Status == Pass || res.Detail == "" {
		return
	}
	for _, line := range strings.Split(res.Detail, "\n") {
		fmt.Fprintf(w, "       %s\n", line)
	}
	if res.RecordPath != "" {
		dimColor.Fprintf(w, "       record: %s\n", res.RecordPath)
	}
}
