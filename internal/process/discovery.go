// Package process runs a whole loader invocation: it snapshots the
// drop directory, matches files to sources and fans the matched jobs
// out to a bounded pool of workers, each driving one pipeline at a
// time.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fileloader-io/fileloader/internal/filestore"
	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// ErrListingFailed wraps a failed drop-directory listing. Fatal for
// the run: without a snapshot there is nothing to schedule.
var ErrListingFailed = errors.New("listing drop directory failed")

// Discovery snapshots the drop directory into an immutable job list.
// Files appearing after the snapshot wait for the next invocation, so
// a slow run never chases a moving directory.
type Discovery struct {
	store filestore.Store
	log   *slog.Logger
}

// NewDiscovery creates a Discovery over the given store.
func NewDiscovery(store filestore.Store, log *slog.Logger) *Discovery {
	return &Discovery{store: store, log: log}
}

// Snapshot lists the drop directory once and returns the jobs in
// stable path order. Dotfiles are skipped; object stores and editors
// both leave markers behind that are never data.
func (d *Discovery) Snapshot(ctx context.Context, dir string) ([]pipeline.FileJob, error) {
	objects, err := d.store.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrListingFailed, dir, err)
	}

	now := time.Now().UTC()
	jobs := make([]pipeline.FileJob, 0, len(objects))

	for _, obj := range objects {
		if strings.HasPrefix(obj.Name, ".") {
			d.log.Debug("skipping dotfile", slog.String("file", obj.Name))

			continue
		}

		jobs = append(jobs, pipeline.FileJob{
			Location:     obj.Location,
			Name:         obj.Name,
			Size:         obj.Size,
			DiscoveredAt: now,
		})
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Location < jobs[j].Location })

	d.log.Info("drop directory snapshot",
		slog.String("directory", dir),
		slog.Int("files", len(jobs)))

	return jobs, nil
}
