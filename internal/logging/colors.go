package logging

import "github.com/fatih/color"

// Per-level colors for the level/tag prefix. fatih/color disables itself
// when the destination is not a terminal or NO_COLOR is set.
var levelColors = map[Level]*color.Color{
	Error: color.New(color.FgRed, color.Bold),
	Warn:  color.New(color.FgYellow),
	Info:  color.New(color.FgGreen),
	Debug: color.New(color.FgCyan),
}

var traceColor = color.New(color.FgMagenta)

var timestampColor = color.New(color.FgWhite)

func (l Level) colorize(s string) string {
	if c, ok := levelColors[l]; ok {
		return c.Sprint(s)
	}
	return traceColor.Sprint(s)
}
