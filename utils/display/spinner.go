// Package display provides the terminal status line shown while a recipe
// runs.
package display

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// Spinner renders an animated status line on a TTY. It is silent when
// stdout is not a terminal or when disabled (e.g. under test).
type Spinner struct {
	chars    []string
	index    int
	message  string
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	disabled bool
}

func NewSpinner() *Spinner {
	return &Spinner{
		chars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		stop:  make(chan struct{}),
	}
}

// Disable prevents the spinner from showing any output
func (s *Spinner) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
}

// Update replaces the status message without restarting the spinner
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *Spinner) Start(message string) {
	s.mu.Lock()
	if s.disabled || !term.IsTerminal(int(os.Stdout.Fd())) {
		s.disabled = true
		s.mu.Unlock()
		return
	}
	if s.stopped {
		s.stop = make(chan struct{})
		s.stopped = false
	}
	s.message = message
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// hide cursor during spinner animation
		fmt.Print("\033[?25l")
		for {
			select {
			case <-s.stop:
				s.mu.Lock()
				msg := fmt.Sprintf("%s... done", s.message)
				s.mu.Unlock()
				fmt.Printf("\r%s     \n", msg)
				fmt.Print("\033[?25h")
				return
			default:
				s.mu.Lock()
				spinMsg := fmt.Sprintf("%s... %s", s.message, s.chars[s.index])
				fmt.Printf("\r%s", spinMsg)
				s.index = (s.index + 1) % len(s.chars)
				s.mu.Unlock()
				time.Sleep(100 * time.Millisecond)
			}
		}
	}()
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}
	if !s.stopped {
		close(s.stop)
		s.stopped = true
	}
	s.mu.Unlock()
	s.wg.Wait()
}
