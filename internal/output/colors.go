package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements of the run report
type ColorScheme struct {
	Pass      *color.Color
	Fail      *color.Color
	Warn      *color.Color
	Label     *color.Color
	Value     *color.Color
	Dim       *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Pass:      color.New(color.FgGreen, color.Bold),
		Fail:      color.New(color.FgRed, color.Bold),
		Warn:      color.New(color.FgYellow, color.Bold),
		Label:     color.New(color.FgCyan),
		Value:     color.New(color.FgWhite, color.Bold),
		Dim:       color.New(color.Faint),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()

	// Disable all colors
	scheme.Pass.DisableColor()
	scheme.Fail.DisableColor()
	scheme.Warn.DisableColor()
	scheme.Label.DisableColor()
	scheme.Value.DisableColor()
	scheme.Dim.DisableColor()
	scheme.Highlight.DisableColor()

	return scheme
}

// PassIcon returns a checkmark symbol with appropriate color
func PassIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// FailIcon returns an X symbol with appropriate color
func FailIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// WarnIcon returns an exclamation symbol with appropriate color
func WarnIcon(noColor bool) string {
	if noColor {
		return "!"
	}
	return color.New(color.FgYellow).Sprint("!")
}
