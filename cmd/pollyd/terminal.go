package main

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	output = termenv.NewOutput(os.Stdout)

	promptStyle termenv.Style
	toolStyle   termenv.Style
	errorStyle  termenv.Style
	dimStyle    termenv.Style
	okStyle     termenv.Style
)

// initColors picks styles for the terminal background.
func initColors() {
	if termenv.HasDarkBackground() {
		promptStyle = output.String().Foreground(output.Color("32")).Bold()
		toolStyle = output.String().Foreground(output.Color("179"))
		errorStyle = output.String().Foreground(output.Color("124"))
		okStyle = output.String().Foreground(output.Color("65"))
		dimStyle = output.String().Faint()
		return
	}
	promptStyle = output.String().Foreground(output.Color("26")).Bold()
	toolStyle = output.String().Foreground(output.Color("136"))
	errorStyle = output.String().Foreground(output.Color("160"))
	okStyle = output.String().Foreground(output.Color("28"))
	dimStyle = output.String().Foreground(output.Color("240"))
}

// isTerminal reports whether stdin and stdout are both terminals.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
