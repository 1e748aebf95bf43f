package main

import "os"

// osExit is a package-level indirection over os.Exit so tests can intercept
// process termination, grounded on cmd/peerup/exit.go.
var osExit = os.Exit
