package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Color scheme
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true).
			Padding(0, 1)

	// Message list
	MessagePaneStyle = BaseStyle.
				Border(lipgloss.RoundedBorder()).
				BorderForeground(BorderColor)

	MessageIndexStyle = BaseStyle.
				Foreground(MutedColor)

	MessageTimeStyle = BaseStyle.
				Foreground(MutedColor)

	MessageAuthorStyle = BaseStyle.
				Foreground(SecondaryColor).
				Bold(true)

	OwnAuthorStyle = BaseStyle.
			Foreground(SuccessColor).
			Bold(true)

	MentionStyle = BaseStyle.
			Foreground(WarningColor)

	RecalledStyle = BaseStyle.
			Foreground(MutedColor).
			Italic(true)

	QuoteStyle = BaseStyle.
			Foreground(MutedColor).
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(BorderColor).
			PaddingLeft(1)

	// Online users
	UserPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	UserPaneTitleStyle = BaseStyle.
				Bold(true).
				Foreground(PrimaryColor)

	OnlineDotStyle = BaseStyle.
			Foreground(SuccessColor)

	// Compose line
	QuotePreviewStyle = BaseStyle.
				Foreground(WarningColor).
				Padding(0, 1)

	InputStyle = BaseStyle.
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(BorderColor).
			Padding(0, 1)
)
