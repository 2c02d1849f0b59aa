// Package ui renders terminal output for the Opsdeck CLI.
//
// Styling degrades to plain text when stdout is not a terminal, and a
// quiet mode suppresses everything except errors.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Brand colors.
var (
	// Primary brand color
	Blue = lipgloss.Color("#2563EB")

	// Secondary colors
	Red     = lipgloss.Color("#EF4444")
	Amber   = lipgloss.Color("#F59E0B")
	Green   = lipgloss.Color("#22C55E")
	DimGray = lipgloss.Color("#9CA3AF")
)

// Text styles.
var (
	// TitleStyle for main headings
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Blue)

	// SuccessStyle for success messages
	SuccessStyle = lipgloss.NewStyle().
			Foreground(Green).
			Bold(true)

	// ErrorStyle for error messages
	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red).
			Bold(true)

	// WarningStyle for warning messages
	WarningStyle = lipgloss.NewStyle().
			Foreground(Amber)

	// DimStyle for less important text
	DimStyle = lipgloss.NewStyle().
			Foreground(DimGray)

	// LabelStyle for key-value labels in status output
	LabelStyle = lipgloss.NewStyle().
			Foreground(DimGray).
			Width(18)
)
