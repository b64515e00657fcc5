// Package botapi implements transport.Backend over the Telegram Bot API
// via telebot.
//
// One implementation serves two configured roles: the hosted Bot API
// endpoint (small inline limit, always reachable) and a self-hosted Bot API
// server (large uploads, can re-materialize expired references). The
// endpoint URL and declared capabilities come from configuration, so the
// preference order between them is wiring, not code.
package botapi

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"golang.org/x/time/rate"

	"chronopost/internal/errkind"
	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

type Config struct {
	Name  string
	Token string

	// APIURL overrides the Bot API endpoint. Empty means api.telegram.org.
	APIURL string

	// MaxInlineSize declares the largest payload this endpoint carries.
	MaxInlineSize int64

	SupportsUpload bool

	// RatePerSec bounds outgoing calls; Telegram enforces ~30 msg/s globally
	// and this keeps bursts from turning into flood errors.
	RatePerSec int

}

type Backend struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("botapi %s: token is empty", cfg.Name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Construction never touches the network; an unreachable endpoint must
	// not prevent startup. Probe decides usability afterwards.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("botapi %s: %w", cfg.Name, err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Backend{
		cfg:     cfg,
		log:     log.With(logx.String("backend", cfg.Name)),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		MaxInlineSize:  b.cfg.MaxInlineSize,
		SupportsUpload: b.cfg.SupportsUpload,
	}
}

// chatRecipient passes the opaque channel target straight through; the Bot
// API accepts both numeric ids and @usernames in chat_id.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func (b *Backend) Send(ctx context.Context, p transport.Payload, to transport.Target) (transport.MessageHandle, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return transport.MessageHandle{}, errkind.New(errkind.TransientNetwork, err)
	}

	what, err := b.sendable(p)
	if err != nil {
		return transport.MessageHandle{}, err
	}

	msg, err := b.bot.Send(chatRecipient(to), what)
	if err != nil {
		return transport.MessageHandle{}, classify(err)
	}
	b.log.Debug("sent", logx.String("channel", string(to)), logx.Int("message_id", msg.ID))
	return transport.MessageHandle{Channel: to, MessageID: msg.ID, Ref: contentRef(msg)}, nil
}

// contentRef extracts the platform reference of the content the sent
// message carries.
func contentRef(m *tele.Message) string {
	switch {
	case m.Photo != nil:
		return m.Photo.FileID
	case m.Video != nil:
		return m.Video.FileID
	case m.Document != nil:
		return m.Document.FileID
	default:
		return ""
	}
}

func (b *Backend) sendable(p transport.Payload) (any, error) {
	file, err := payloadFile(p)
	if err != nil {
		return nil, err
	}
	switch p.Kind {
	case transport.KindText:
		return p.Text, nil
	case transport.KindImage:
		return &tele.Photo{File: file, Caption: p.Caption}, nil
	case transport.KindVideo:
		v := &tele.Video{File: file, Caption: p.Caption}
		if t := thumbFile(p); t != nil {
			v.Thumbnail = &tele.Photo{File: *t}
		}
		return v, nil
	case transport.KindDocument:
		d := &tele.Document{File: file, Caption: p.Caption}
		if t := thumbFile(p); t != nil {
			d.Thumbnail = &tele.Photo{File: *t}
		}
		return d, nil
	default:
		return nil, errkind.Newf(errkind.Unsupported, "content kind %q", p.Kind)
	}
}

func payloadFile(p transport.Payload) (tele.File, error) {
	if p.Kind == transport.KindText {
		return tele.File{}, nil
	}
	if p.Upload != nil {
		return tele.FromDisk(p.Upload.Path), nil
	}
	if strings.TrimSpace(p.Ref) == "" {
		return tele.File{}, errkind.Newf(errkind.Unsupported, "payload has neither upload nor reference")
	}
	return tele.File{FileID: p.Ref}, nil
}

func thumbFile(p transport.Payload) *tele.File {
	if p.Upload == nil || p.Upload.ThumbPath == "" {
		return nil
	}
	f := tele.FromDisk(p.Upload.ThumbPath)
	return &f
}

func (b *Backend) Fetch(ctx context.Context, ref string, dst io.Writer) (int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, errkind.New(errkind.TransientNetwork, err)
	}
	rc, err := b.bot.File(&tele.File{FileID: ref})
	if err != nil {
		return 0, classify(err)
	}
	defer rc.Close()

	n, err := io.Copy(dst, rc)
	if err != nil {
		return n, errkind.New(errkind.TransientNetwork, err)
	}
	return n, nil
}

func (b *Backend) Delete(ctx context.Context, h transport.MessageHandle) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return errkind.New(errkind.TransientNetwork, err)
	}
	// StoredMessage only holds numeric chat ids; raw call keeps @usernames
	// working.
	params := map[string]string{
		"chat_id":    string(h.Channel),
		"message_id": strconv.Itoa(h.MessageID),
	}
	if _, err := b.bot.Raw("deleteMessage", params); err != nil {
		return classify(err)
	}
	return nil
}

// Probe verifies the endpoint is reachable. Used at startup to seed the
// registry's usability state.
func (b *Backend) Probe(ctx context.Context) error {
	deadline := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < deadline {
			deadline = rem
		}
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.bot.Raw("getMe", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-time.After(deadline):
		return errkind.Newf(errkind.TransientNetwork, "probe timed out after %s", deadline)
	case <-ctx.Done():
		return errkind.New(errkind.TransientNetwork, ctx.Err())
	}
}
