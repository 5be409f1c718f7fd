package network

import "netxend/models"

// ProgressSink receives status text and a 0-100 progress value. It is called
// from every transfer goroutine and must not block.
type ProgressSink interface {
	ReportProgress(percent float64, message string)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(percent float64, message string)

// ReportProgress calls f.
func (f ProgressSinkFunc) ReportProgress(percent float64, message string) {
	if f != nil {
		f(percent, message)
	}
}

// Observer receives the outcome of every finished transfer flow.
type Observer interface {
	ObserveTransfer(transfer models.Transfer)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(transfer models.Transfer)

// ObserveTransfer calls f.
func (f ObserverFunc) ObserveTransfer(transfer models.Transfer) {
	if f != nil {
		f(transfer)
	}
}

// SaveLocationProvider returns the directory inbound files are written to.
// The directory must already exist.
type SaveLocationProvider interface {
	SaveDir() string
}

// StaticDir is a fixed SaveLocationProvider.
type StaticDir string

// SaveDir returns d.
func (d StaticDir) SaveDir() string {
	return string(d)
}

type nopProgress struct{}

func (nopProgress) ReportProgress(float64, string) {}

type nopObserver struct{}

func (nopObserver) ObserveTransfer(models.Transfer) {}
