package main

import "github.com/fatih/color"

var (
	errorStyle = color.New(color.FgRed, color.Bold).SprintFunc()
	okStyle    = color.New(color.FgGreen).SprintFunc()
	warnStyle  = color.New(color.FgYellow).SprintFunc()
	dimStyle   = color.New(color.FgHiBlack).SprintFunc()
)
