package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// APIUrl selects remote mode; empty runs against the local machine.
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
	NoColor    bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen   string
	BasePath string
	LogLevel string
	LogFile  string
}

type StopAllFlags struct {
	Yes bool
}
