// Package artifacts pushes screenshots of a run to object storage.
package artifacts

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
	"github.com/kuitang/authprobe/internal/s3client"
)

// Uploader writes artifacts under <run id>/<test>/<file>.
type Uploader struct {
	client *s3client.Client
	runID  string
}

// NewUploader returns an uploader for runID.
func NewUploader(client *s3client.Client, runID string) *Uploader {
	return &Uploader{client: client, runID: runID}
}

// Key is the object key of file for test.
func (u *Uploader) Key(test, file string) string {
	return path.Join(u.runID, sanitize(test), path.Base(filepath.ToSlash(file)))
}

// Put uploads data and returns its s3:// location.
func (u *Uploader) Put(ctx context.Context, test, file string, data []byte) (string, error) {
	key := u.Key(test, file)
	if err := u.client.PutObject(ctx, key, data, contentType(file)); err != nil {
		obs.From(ctx).With("pkg", "artifacts").Warn("artifact_upload_failed", "key", key, "error", err)
		return "", err
	}
	return u.client.URI(key), nil
}

// PutFile uploads the file at p.
func (u *Uploader) PutFile(ctx context.Context, test, p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, "artifacts: read "+p, err)
	}
	return u.Put(ctx, test, filepath.Base(p), data)
}

// List returns the keys stored for test in this run.
func (u *Uploader) List(ctx context.Context, test string) ([]string, error) {
	return u.client.ListKeys(ctx, path.Join(u.runID, sanitize(test))+"/")
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".html":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// sanitize keeps a test title usable as one path segment.
func sanitize(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "untitled"
	}
	return out
}

// Sanitize is the directory name used for a test title.
func Sanitize(title string) string {
	return sanitize(title)
}
