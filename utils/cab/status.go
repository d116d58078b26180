package cab

import (
	"sync"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/wrangler"
)

// RuntimeStatus tracks the runtime outcome of one in-flight cab
// invocation. Wranglers write to it from the log-ingestion goroutines.
type RuntimeStatus struct {
	cab   *Cab
	rules []*wrangler.Rule

	mu       sync.Mutex
	success  *bool
	errors   []error
	warnings []string
	outputs  *ordered.Map
}

// NewRuntimeStatus returns a fresh status for one invocation, with the
// cab's wranglers plus any extras
func (c *Cab) NewRuntimeStatus(extraRules ...*wrangler.Rule) *RuntimeStatus {
	return &RuntimeStatus{
		cab:     c,
		rules:   append(append([]*wrangler.Rule(nil), c.rules...), extraRules...),
		outputs: ordered.New(),
	}
}

// Success returns the declared success state: nil means undetermined
func (s *RuntimeStatus) Success() *bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success
}

// Errors returns declared errors
func (s *RuntimeStatus) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errors...)
}

// Warnings returns declared warnings
func (s *RuntimeStatus) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// Outputs returns outputs parsed from the cab's output stream
func (s *RuntimeStatus) Outputs() *ordered.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

// DeclareSuccess marks the cab as succeeded. A no-op once a failure has
// been declared: the first declared failure wins.
func (s *RuntimeStatus) DeclareSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.success == nil {
		t := true
		s.success = &t
	}
}

// DeclareFailure marks the cab as failed, recording the error
func (s *RuntimeStatus) DeclareFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := false
	s.success = &f
	if err != nil {
		s.errors = append(s.errors, err)
	}
}

// DeclareWarning records a warning to be reported when the cab completes
func (s *RuntimeStatus) DeclareWarning(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, message)
}

// DeclareOutputs merges parsed output values
func (s *RuntimeStatus) DeclareOutputs(outputs map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range outputs {
		s.outputs.Set(key, value)
	}
}

// ApplyWranglers runs every wrangler rule over one output line. Returns
// the possibly-modified line and severity; ok=false means suppressed.
func (s *RuntimeStatus) ApplyWranglers(line string, severity wrangler.Severity) (string, wrangler.Severity, bool) {
	return wrangler.ApplyAll(s.rules, s, line, severity)
}
