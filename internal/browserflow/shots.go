package browserflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/authprobe/internal/artifacts"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

// Sink receives a copy of every screenshot. *artifacts.Uploader is one.
type Sink interface {
	Put(ctx context.Context, test, file string, data []byte) (string, error)
}

type screenshotter interface {
	Screenshot(options ...playwright.PageScreenshotOptions) ([]byte, error)
}

// Shots numbers and stores the screenshots of one test under
// <root>/<sanitised title>/<NN>-<step>.png.
type Shots struct {
	ctx   context.Context
	title string
	dir   string
	sink  Sink

	mu    sync.Mutex
	n     int
	files []string
}

// NewShots returns a recorder for title. sink may be nil.
func NewShots(ctx context.Context, root, title string, sink Sink) *Shots {
	return &Shots{
		ctx:   ctx,
		title: title,
		dir:   filepath.Join(root, artifacts.Sanitize(title)),
		sink:  sink,
	}
}

// Dir is where this test's screenshots go.
func (s *Shots) Dir() string {
	return s.dir
}

// Files lists the screenshots written so far.
func (s *Shots) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Take screenshots page as the next step. A nil *Shots does nothing.
func (s *Shots) Take(page screenshotter, step string) error {
	if s == nil {
		return nil
	}
	data, err := page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
	if err != nil {
		return errs.Wrap(errs.Internal, "screenshot "+step, err)
	}
	return s.record(step, data)
}

func (s *Shots) record(step string, data []byte) error {
	s.mu.Lock()
	s.n++
	name := fmt.Sprintf("%02d-%s.png", s.n, stepName(step))
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errs.Wrap(errs.Internal, "screenshot dir", err)
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.Internal, "write screenshot", err)
	}

	s.mu.Lock()
	s.files = append(s.files, path)
	s.mu.Unlock()

	if s.sink != nil {
		// Upload failures are logged by the sink; local files are the record.
		_, _ = s.sink.Put(s.ctx, s.title, name, data)
	}
	obs.From(s.ctx).With("pkg", "browserflow").Debug("screenshot", "file", path)
	return nil
}

// stepName turns a URL fragment or label into a file-name-safe step.
func stepName(step string) string {
	step = strings.ToLower(strings.TrimSpace(step))
	var b strings.Builder
	dash := false
	for _, r := range step {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "root"
	}
	return out
}
