package main

import "time"

// Flag structs to decouple cobra from command logic for testing.

// RunFlags holds flags for the run (daemon) command.
type RunFlags struct {
	ConfigPath string
	Listen     string
	BasePath   string
	AutoStart  bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// StartFlags holds flags for the start command.
type StartFlags struct {
	Wait       time.Duration
	APIUrl     string
	APITimeout time.Duration
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ResetFlags holds flags for the reset command.
type ResetFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// RequestFlags holds flags for the request command.
type RequestFlags struct {
	Method     string
	Path       string
	Body       string
	APIUrl     string
	APITimeout time.Duration
}

// JournalFlags holds flags for the journal command.
type JournalFlags struct {
	Limit      int
	APIUrl     string
	APITimeout time.Duration
}

// DoctorFlags holds flags for the doctor command.
type DoctorFlags struct {
	WebSocket  bool
	APIUrl     string
	APITimeout time.Duration
}
