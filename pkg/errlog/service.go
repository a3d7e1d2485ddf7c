// Package errlog keeps a standing log of unrecovered failures with their full
// stack trace, separate from the regular log output, so they can be looked up
// after a restart.
package errlog

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type Recorder struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Recorder {
	return &Recorder{path: path}
}

func (r *Recorder) Path() string {
	return r.path
}

// Record appends the failure with the given trace to the error log.
func (r *Recorder) Record(source string, failure any, trace []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "%s [%s] %v\n%s\n",
		time.Now().UTC().Format(time.RFC3339), source, failure, trace)
	return err
}

// Guard runs fn and turns a panic into an error after recording it with its stack.
// Errors returned by fn are recorded too.
func (r *Recorder) Guard(source string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", source, p)
			if recErr := r.Record(source, err, debug.Stack()); recErr != nil {
				err = fmt.Errorf("%w (error log unavailable: %v)", err, recErr)
			}
		}
	}()

	if err = fn(); err != nil {
		if recErr := r.Record(source, err, debug.Stack()); recErr != nil {
			return fmt.Errorf("%w (error log unavailable: %v)", err, recErr)
		}
	}
	return err
}
