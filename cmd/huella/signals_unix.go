//go:build unix

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifyBackground relays terminal stop requests (Ctrl+Z) to ch.
func notifyBackground(ch chan<- os.Signal) {
	signal.Notify(ch, unix.SIGTSTP)
}

// suspendSelf performs the suspension that catching SIGTSTP prevented.
func suspendSelf() {
	signal.Reset(unix.SIGTSTP)
	_ = unix.Kill(unix.Getpid(), unix.SIGTSTP)
}
