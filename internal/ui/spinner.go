package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Spinner is a blocking-free line spinner for steps that run before the
// dashboard takes over the terminal.
type Spinner struct {
	out      io.Writer
	spinner  spinner.Spinner
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	message string
}

// NewSpinner creates a spinner for general loading operations (Dot style).
func NewSpinner(message string) *Spinner {
	return newSpinner(message, spinner.Dot, 80*time.Millisecond)
}

// NewConnectionSpinner creates a spinner for network operations (Globe style).
func NewConnectionSpinner(message string) *Spinner {
	return newSpinner(message, spinner.Globe, 180*time.Millisecond)
}

func newSpinner(message string, s spinner.Spinner, interval time.Duration) *Spinner {
	return &Spinner{
		out:      os.Stdout,
		spinner:  s,
		interval: interval,
		done:     make(chan struct{}),
		message:  message,
	}
}

func (s *Spinner) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		frames := s.spinner.Frames
		for i := 0; ; i++ {
			s.mu.Lock()
			select {
			case <-s.done:
				s.mu.Unlock()
				return
			default:
			}
			fmt.Fprintf(s.out, "\r%s %s", SpinnerStyle.Render(frames[i%len(frames)]), s.message)
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		fmt.Fprint(s.out, "\r\033[K")
		s.mu.Unlock()
	})
}

func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *Spinner) Error(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render(IconError), message)
}

func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// RunConnectionSpinner starts a connection spinner and returns it.
func RunConnectionSpinner(message string) *Spinner {
	sp := NewConnectionSpinner(message)
	sp.Start()
	return sp
}
