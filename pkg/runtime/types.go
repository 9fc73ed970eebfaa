package runtime

import "context"

// LabeledCloser is a named shutdown step.
type LabeledCloser struct {
	Label  string
	Closer func(context.Context) error
}
