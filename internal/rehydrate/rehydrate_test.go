package rehydrate

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chronopost/internal/errkind"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

// fetchFunc scripts one backend's Fetch behavior.
type fakeBackend struct {
	name  string
	fetch func(dst io.Writer) (int64, error)
	calls int
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Capabilities() transport.Capabilities {
	return transport.Capabilities{MaxInlineSize: 1 << 30, SupportsUpload: true}
}
func (f *fakeBackend) Send(context.Context, transport.Payload, transport.Target) (transport.MessageHandle, error) {
	return transport.MessageHandle{}, nil
}
func (f *fakeBackend) Fetch(_ context.Context, _ string, dst io.Writer) (int64, error) {
	f.calls++
	return f.fetch(dst)
}
func (f *fakeBackend) Delete(context.Context, transport.MessageHandle) error { return nil }

func writeBody(body string) func(io.Writer) (int64, error) {
	return func(dst io.Writer) (int64, error) {
		n, err := io.WriteString(dst, body)
		return int64(n), err
	}
}

func failWith(kind errkind.Kind) func(io.Writer) (int64, error) {
	return func(io.Writer) (int64, error) {
		return 0, errkind.Newf(kind, "scripted failure")
	}
}

func TestFetchStagesPayload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := &fakeBackend{name: "cloud", fetch: writeBody("payload-bytes")}
	svc := New(transport.NewRegistry(b), dir, logx.Nop())

	staged, err := svc.Fetch(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	defer staged.Release()

	if staged.Size != int64(len("payload-bytes")) {
		t.Fatalf("Size = %d, want %d", staged.Size, len("payload-bytes"))
	}
	got, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(got) != "payload-bytes" {
		t.Fatalf("staged content = %q", got)
	}
	if !strings.HasPrefix(filepath.Base(staged.Path), "rehydrate-") {
		t.Fatalf("unexpected staging name %s", staged.Path)
	}
}

func TestFetchFallsBackOnExpiredReference(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	primary := &fakeBackend{name: "cloud", fetch: failWith(errkind.ReferenceExpired)}
	fallback := &fakeBackend{name: "selfhosted", fetch: writeBody("fresh")}
	svc := New(transport.NewRegistry(primary, fallback), dir, logx.Nop())

	staged, err := svc.Fetch(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	defer staged.Release()

	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.calls, fallback.calls)
	}
	if noStagedFiles(t, dir) != 1 {
		t.Fatalf("expected exactly one staged file")
	}
}

func TestFetchZeroByteResultIsUnavailable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	empty := &fakeBackend{name: "cloud", fetch: writeBody("")}
	svc := New(transport.NewRegistry(empty), dir, logx.Nop())

	_, err := svc.Fetch(context.Background(), "ref-1")
	if !errkind.Is(err, errkind.Unavailable) {
		t.Fatalf("Fetch() error = %v, want Unavailable", err)
	}
	if noStagedFiles(t, dir) != 0 {
		t.Fatal("failed fetch left a staging file behind")
	}
}

func TestFetchPermanentErrorStopsImmediately(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	primary := &fakeBackend{name: "cloud", fetch: failWith(errkind.PermissionDenied)}
	fallback := &fakeBackend{name: "selfhosted", fetch: writeBody("never")}
	svc := New(transport.NewRegistry(primary, fallback), dir, logx.Nop())

	_, err := svc.Fetch(context.Background(), "ref-1")
	if !errkind.Is(err, errkind.PermissionDenied) {
		t.Fatalf("Fetch() error = %v, want PermissionDenied", err)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback was attempted after a permanent error")
	}
}

func TestFetchExhaustedBackends(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := &fakeBackend{name: "a", fetch: failWith(errkind.TooLarge)}
	b := &fakeBackend{name: "b", fetch: failWith(errkind.ReferenceExpired)}
	svc := New(transport.NewRegistry(a, b), dir, logx.Nop())

	_, err := svc.Fetch(context.Background(), "ref-1")
	if !errkind.Is(err, errkind.Unavailable) {
		t.Fatalf("Fetch() error = %v, want Unavailable", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := &fakeBackend{name: "cloud", fetch: writeBody("x")}
	svc := New(transport.NewRegistry(b), dir, logx.Nop())

	staged, err := svc.Fetch(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	path := staged.Path
	staged.Release()
	staged.Release()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staged file still present after Release: %v", err)
	}
}

func TestSweepRemovesOnlyStaleStagingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	stale := filepath.Join(dir, "rehydrate-stale.bin")
	fresh := filepath.Join(dir, "rehydrate-fresh.bin")
	other := filepath.Join(dir, "unrelated.txt")
	for _, p := range []string{stale, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := Sweep(dir, time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep() removed %d files, want 1", removed)
	}

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stale staging file survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh staging file was swept")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatal("unrelated file was swept")
	}
}

func noStagedFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}
