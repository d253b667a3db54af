// Package obs holds the logging setup and structured error-notification
// plumbing named in spec.md §6: a single place that turns an `error`
// return from a core package into both a logged line and a user-facing
// notification, rather than scattering that translation across call
// sites.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pythops/oryx-sub000/internal/eventbus"
)

// NewLogger builds the process-wide logrus logger. Long-running
// components take a logrus.FieldLogger rather than referencing this
// directly, so tests can inject a discard logger (matches the teacher's
// convention of passing loggers in rather than reaching for a package
// global).
func NewLogger(out io.Writer) logrus.FieldLogger {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// Reporter logs an error at warn level and forwards it to the event bus
// as an Error-level notification, so both the log file and whatever
// terminal collaborator is listening on the bus see the same failure.
type Reporter struct {
	log logrus.FieldLogger
	bus *eventbus.EventBus
}

// NewReporter builds a Reporter. bus may be nil, in which case Report
// only logs — useful for components that run before the event bus is
// constructed (e.g. early CLI validation failures).
func NewReporter(log logrus.FieldLogger, bus *eventbus.EventBus) *Reporter {
	return &Reporter{log: log, bus: bus}
}

// Report logs err under component and, if a bus is attached, publishes
// it as a user-facing notification. The returned error is err itself,
// unwrapped, so callers can write `return r.Report("ring reader", err)`.
func (r *Reporter) Report(component string, err error) error {
	if err == nil {
		return nil
	}
	r.log.WithField("component", component).WithError(err).Warn("operation failed")
	if r.bus != nil {
		r.bus.Notify(eventbus.Error, component+": "+err.Error())
	}
	return err
}
