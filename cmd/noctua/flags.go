package main

import "time"

// Flag structs carry parsed command-line options into the command methods.
// Tests construct them directly, without going through cobra.
type StatusFlags struct {
	// Daemon status API endpoint
	APIUrl     string
	APITimeout time.Duration
}

type TaskFlags struct {
	// Daemon status API endpoint
	APIUrl     string
	APITimeout time.Duration
}

type NightFlags struct {
	// Daemon status API endpoint
	APIUrl     string
	APITimeout time.Duration
}

type JournalFlags struct {
	Limit int
	// Daemon status API endpoint
	APIUrl     string
	APITimeout time.Duration
}

type AbortFlags struct {
	Reason string
	// Daemon status API endpoint
	APIUrl     string
	APITimeout time.Duration
}

type PlanFlags struct {
	ConfigPath string
	// Keep leaves the rendered sequence file on disk for inspection
	Keep bool
}

type RunFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}
