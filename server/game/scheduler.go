package game

import (
	"log"
	"time"
)

// Scheduler runs a named continuation after a delay. Failures surface in the
// log instead of vanishing with a dropped goroutine.
type Scheduler interface {
	After(d time.Duration, name string, fn func() error)
}

type TimerScheduler struct{}

func (TimerScheduler) After(d time.Duration, name string, fn func() error) {
	time.AfterFunc(d, func() {
		if err := fn(); err != nil {
			log.Printf("game: delayed task %q: %v", name, err)
		}
	})
}

// ImmediateScheduler runs continuations inline; tests use it so a settled
// turn advances before the assertion runs.
type ImmediateScheduler struct{}

func (ImmediateScheduler) After(_ time.Duration, name string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("game: delayed task %q: %v", name, err)
	}
}
