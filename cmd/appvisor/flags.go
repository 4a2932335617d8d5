package main

import "time"

// Flag structs decouple cobra from command logic for testing.

type RunFlags struct {
	Profile string
}

type ValidateFlags struct {
	Profile string
}

type RemoteFlags struct {
	APIUrl      string
	APITimeout  time.Duration
	APIUser     string
	APIPassword string
	APIToken    string
	Limit       int
	JSON        bool
}
