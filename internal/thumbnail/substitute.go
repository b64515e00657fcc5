package thumbnail

import (
	"context"
	"os"

	"chronopost/internal/errkind"
	"chronopost/internal/rehydrate"
	"chronopost/internal/store"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

// Swapper is the one store operation substitution needs.
type Swapper interface {
	SwapContent(ctx context.Context, id, newRef string, newSize int64) error
}

type Service struct {
	reg      *transport.Registry
	hydrator *rehydrate.Service
	swapper  Swapper
	dir      string
	log      logx.Logger
}

func New(reg *transport.Registry, hydrator *rehydrate.Service, swapper Swapper, stagingDir string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, hydrator: hydrator, swapper: swapper, dir: stagingDir, log: log}
}

// Substitute re-fetches the original media, attaches the normalized custom
// thumbnail, uploads both together to the given target, and on upload
// success atomically swaps the stored content reference. The returned item
// reflects the swap; the returned handle identifies the message the upload
// produced.
//
// On any mid-pipeline failure the stored item is untouched and every
// temporary file created during the attempt is removed.
func (s *Service) Substitute(ctx context.Context, item store.ContentItem, to transport.Target) (store.ContentItem, transport.MessageHandle, error) {
	if item.Kind == transport.KindText || item.Kind == transport.KindImage {
		return item, transport.MessageHandle{}, errkind.Newf(errkind.Unsupported,
			"custom thumbnails do not apply to %s content", item.Kind)
	}
	if item.ThumbRef == "" {
		return item, transport.MessageHandle{}, errkind.Newf(errkind.ProcessingFailed, "no thumbnail reference on item")
	}

	media, err := s.hydrator.Fetch(ctx, item.Ref)
	if err != nil {
		return item, transport.MessageHandle{}, err
	}
	defer media.Release()

	thumbPath, err := s.prepareThumb(ctx, item.ThumbRef)
	if err != nil {
		return item, transport.MessageHandle{}, err
	}
	defer os.Remove(thumbPath)

	backend, err := s.reg.First(transport.Requirement{Size: media.Size, NeedsUpload: true})
	if err != nil {
		return item, transport.MessageHandle{}, err
	}

	handle, err := backend.Send(ctx, transport.Payload{
		Kind:    item.Kind,
		Caption: item.Caption,
		Upload: &transport.Upload{
			Path:      media.Path,
			Size:      media.Size,
			ThumbPath: thumbPath,
		},
	}, to)
	if err != nil {
		return item, transport.MessageHandle{}, err
	}
	if handle.Ref == "" {
		// Upload went out but the platform gave us nothing to re-reference;
		// without a new ref the swap cannot happen.
		return item, handle, errkind.Newf(errkind.ProcessingFailed,
			"backend %s returned no content reference for upload", backend.Name())
	}

	if err := s.swapper.SwapContent(ctx, item.ID, handle.Ref, media.Size); err != nil {
		return item, handle, err
	}

	s.log.Info("thumbnail substituted",
		logx.String("content", item.ID), logx.String("backend", backend.Name()))

	item.Ref = handle.Ref
	item.HasCustomThumb = true
	item.SizeBytes = media.Size
	return item, handle, nil
}

// prepareThumb fetches the raw thumbnail image and writes its normalized
// form to a staging file. The caller removes the file.
func (s *Service) prepareThumb(ctx context.Context, thumbRef string) (_ string, retErr error) {
	staged, err := s.hydrator.Fetch(ctx, thumbRef)
	if err != nil {
		return "", err
	}
	defer staged.Release()

	raw, err := os.ReadFile(staged.Path)
	if err != nil {
		return "", errkind.New(errkind.ProcessingFailed, err)
	}
	normalized, err := Normalize(raw)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.dir, "thumb-*.jpg")
	if err != nil {
		return "", err
	}
	path := f.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(path)
		}
	}()
	if _, err := f.Write(normalized); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
