package errors

import "github.com/hashicorp/go-multierror"

// WarningSink collects ValidationWarning-kind errors encountered while
// parsing a single structure (an MBR, a GPT header, a boot sector) instead
// of failing the parse outright. A nil *WarningSink is valid and silently
// discards warnings, so callers that don't care about them can pass nil.
type WarningSink struct {
	errs *multierror.Error
}

// NewWarningSink returns an empty sink ready to collect warnings.
func NewWarningSink() *WarningSink {
	return &WarningSink{}
}

// Add records a ValidationWarning with the given message. It is a no-op on
// a nil receiver.
func (s *WarningSink) Add(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.errs = multierror.Append(s.errs, New(ValidationWarning, format, args...))
}

// Err returns nil if no warnings were recorded, otherwise a *multierror.Error
// whose Errors field lists every warning in the order they were added.
func (s *WarningSink) Err() error {
	if s == nil || s.errs == nil {
		return nil
	}
	return s.errs.ErrorOrNil()
}

// Len reports how many warnings have been collected so far.
func (s *WarningSink) Len() int {
	if s == nil || s.errs == nil {
		return 0
	}
	return len(s.errs.Errors)
}
