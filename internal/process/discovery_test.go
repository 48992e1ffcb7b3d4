package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/fileloader-io/fileloader/internal/filestore"
)

type fakeLister struct {
	objects []filestore.Object
	err     error
}

func (s *fakeLister) List(context.Context, string) ([]filestore.Object, error) {
	return s.objects, s.err
}

func (s *fakeLister) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeLister) Copy(context.Context, string, string) error { return nil }

func (s *fakeLister) Move(context.Context, string, string) error { return nil }

func (s *fakeLister) Delete(context.Context, string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotSortsAndSkipsDotfiles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeLister{objects: []filestore.Object{
		{Location: "file:///drop/orders_2.csv", Name: "orders_2.csv", Size: 10},
		{Location: "file:///drop/.DS_Store", Name: ".DS_Store", Size: 1},
		{Location: "file:///drop/customers_1.csv", Name: "customers_1.csv", Size: 20},
	}}

	jobs, err := NewDiscovery(store, testLogger()).Snapshot(context.Background(), "file:///drop")
	if err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}

	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2 with dotfile skipped", len(jobs))
	}

	if jobs[0].Name != "customers_1.csv" || jobs[1].Name != "orders_2.csv" {
		t.Errorf("jobs out of order: %q, %q", jobs[0].Name, jobs[1].Name)
	}

	if jobs[0].DiscoveredAt.IsZero() {
		t.Error("DiscoveredAt must be stamped")
	}
}

func TestSnapshotListingFailedIsFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeLister{err: errors.New("access denied")}

	_, err := NewDiscovery(store, testLogger()).Snapshot(context.Background(), "file:///drop")
	if !errors.Is(err, ErrListingFailed) {
		t.Fatalf("Snapshot() = %v, want ErrListingFailed", err)
	}
}
