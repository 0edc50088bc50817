// Package staging is the durable object layer between the producer and
// the apply engine. Each window owns a write-once prefix; the manifest is
// written last, so manifest presence marks the prefix complete.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/directdata/bridge/controlplane"
)

// ErrNotExist is returned by Get for a missing object.
var ErrNotExist = errors.New("object does not exist")

// Store reads and writes staged objects by key relative to a configured
// root.
type Store interface {
	// Put streams an object into the store. Large bodies are uploaded
	// in bounded-memory parts.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens an object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under a prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// URL renders the store-absolute URL of a key, in the form the
	// warehouse COPY command consumes.
	URL(key string) string
}

// WindowPrefix returns the staged prefix of one window.
func WindowPrefix(vaultID string, lt controlplane.LoadType, logicalTime string) string {
	switch lt {
	case controlplane.LoadIncremental:
		return fmt.Sprintf("vault=%s/incr/stoptime=%s", vaultID, logicalTime)
	case controlplane.LoadLog:
		return fmt.Sprintf("vault=%s/log/date=%s", vaultID, logicalTime)
	case controlplane.LoadFull:
		return fmt.Sprintf("vault=%s/full/date=%s", vaultID, logicalTime)
	}
	panic(fmt.Sprintf("unknown load type %q", lt))
}

// ManifestName returns the manifest filename of a load type.
func ManifestName(lt controlplane.LoadType) string {
	switch lt {
	case controlplane.LoadLog:
		return "log_manifest.csv"
	case controlplane.LoadFull:
		return "full_manifest.csv"
	default:
		return "manifest.csv"
	}
}

// ManifestKey returns the staged manifest key of one window.
func ManifestKey(vaultID string, lt controlplane.LoadType, logicalTime string) string {
	return WindowPrefix(vaultID, lt, logicalTime) + "/" + ManifestName(lt)
}

// MetadataName is the staged per-window metadata filename.
const MetadataName = "metadata.csv"
