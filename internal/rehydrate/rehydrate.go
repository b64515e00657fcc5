// Package rehydrate re-fetches the bytes behind a stored content reference
// through whichever backend can still resolve it.
//
// References go stale in two ways: the primary backend refuses them because
// the payload exceeds its inline limit, or the reference itself has expired.
// Either way the fix is the same: pull fresh bytes through the next capable
// backend and stage them on local disk for re-upload.
package rehydrate

import (
	"context"
	"fmt"
	"os"

	"chronopost/internal/errkind"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

// Staged is a temporary file owned by the caller after a successful Fetch.
// Release removes it and is safe to call more than once.
type Staged struct {
	Path string
	Size int64
}

func (s *Staged) Release() {
	if s == nil || s.Path == "" {
		return
	}
	_ = os.Remove(s.Path)
	s.Path = ""
}

type Service struct {
	reg *transport.Registry
	dir string
	log logx.Logger
}

func New(reg *transport.Registry, stagingDir string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, dir: stagingDir, log: log}
}

// Fetch retrieves the bytes behind ref into a staged file.
//
// Backends are tried in preference order; TooLarge and ReferenceExpired move
// on to the next backend, any other failure propagates immediately. A
// zero-byte result is never returned as success. The staged file is removed
// on every failure path; on success ownership passes to the caller.
func (s *Service) Fetch(ctx context.Context, ref string) (*Staged, error) {
	backends := s.reg.Ordered()
	if len(backends) == 0 {
		return nil, errkind.Newf(errkind.Unavailable, "no usable backends")
	}

	var lastErr error
	for _, b := range backends {
		st, err := s.fetchOne(ctx, b, ref)
		if err == nil {
			return st, nil
		}
		lastErr = err
		kind := errkind.Of(err)
		if kind.FallsBack() || kind == errkind.Unavailable {
			s.log.Debug("rehydrate falling back",
				logx.String("backend", b.Name()), logx.String("kind", kind.String()))
			continue
		}
		return nil, err
	}
	return nil, errkind.New(errkind.Unavailable, fmt.Errorf("all backends exhausted for ref: %w", lastErr))
}

func (s *Service) fetchOne(ctx context.Context, b transport.Backend, ref string) (_ *Staged, retErr error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.dir, "rehydrate-*.bin")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	defer func() {
		if retErr != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	n, err := b.Fetch(ctx, ref, f)
	if err != nil {
		return nil, err
	}
	// The payload must exist on stable storage before ownership transfers.
	if err := f.Sync(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 || n == 0 {
		return nil, errkind.Newf(errkind.Unavailable, "backend %s returned empty payload", b.Name())
	}
	return &Staged{Path: path, Size: fi.Size()}, nil
}
