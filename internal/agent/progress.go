package agent

import "context"

// Reporter receives intermediate output from a running attempt.
type Reporter interface {
	Report(kind string, data interface{})
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(kind string, data interface{})

func (f ReporterFunc) Report(kind string, data interface{}) { f(kind, data) }

type progressKey struct{}

// WithProgress attaches a reporter to ctx.
func WithProgress(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, progressKey{}, r)
}

// ReportProgress forwards to the reporter in ctx. It reports false when
// none is installed.
func ReportProgress(ctx context.Context, kind string, data interface{}) bool {
	r, ok := ctx.Value(progressKey{}).(Reporter)
	if !ok || r == nil {
		return false
	}
	r.Report(kind, data)
	return true
}
