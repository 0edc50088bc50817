// Package vault is the read-side client of the vendor's Direct Data
// feed: listing the extract files of a time window and streaming their
// parts.
package vault

import (
	"context"
	"io"
	"time"

	"github.com/directdata/bridge/controlplane"
)

// ExtractType selects a feed lane.
type ExtractType string

const (
	ExtractIncremental ExtractType = "incremental"
	ExtractLog         ExtractType = "log"
	ExtractFull        ExtractType = "full"
)

// LoadType maps an extract type onto its queue load type.
func (e ExtractType) LoadType() controlplane.LoadType {
	switch e {
	case ExtractLog:
		return controlplane.LoadLog
	case ExtractFull:
		return controlplane.LoadFull
	default:
		return controlplane.LoadIncremental
	}
}

// FilePart is one downloadable piece of an extract archive. Parts are
// concatenated in part order to reassemble the archive.
type FilePart struct {
	Name string `json:"name"`
	Part int    `json:"filepart"`
	Size int64  `json:"size"`
}

// Window is one listed extract file: a tar.gz archive covering a
// half-open feed interval.
type Window struct {
	Filename    string     `json:"filename"`
	StartTime   time.Time  `json:"start_time"`
	StopTime    time.Time  `json:"stop_time"`
	RecordCount int64      `json:"record_count"`
	Parts       []FilePart `json:"filepart_details"`
}

// LogicalTime renders the window's queue logical time key.
func (w *Window) LogicalTime(e ExtractType) string {
	if e == ExtractIncremental {
		return controlplane.StopTimeKey(w.StopTime)
	}
	return controlplane.DateKey(w.StopTime)
}

// Client lists and downloads Direct Data extracts.
type Client interface {
	// ListWindows returns the extract files of the given type whose
	// intervals fall within [start, stop), in feed order.
	ListWindows(ctx context.Context, extractType ExtractType, start, stop time.Time) ([]Window, error)

	// DownloadPart streams one file part by its feed name.
	DownloadPart(ctx context.Context, name string) (io.ReadCloser, error)
}
