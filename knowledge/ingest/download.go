package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"goa.design/pilot/wire"
)

// Sentinel errors for upload fetching. The HTTP layer maps ErrObjectMissing
// to 404 and ErrDownloadFailed to 502; expired presigned URLs surface as
// wire errors with CodePresignedURLExpired and map to 410.
var (
	ErrObjectMissing  = errors.New("ingest: object missing")
	ErrDownloadFailed = errors.New("ingest: download failed")
)

// MaxPresignLifetime caps how long a presigned URL is honored, whatever
// lifetime the signature itself claims.
const MaxPresignLifetime = time.Hour

// DefaultMaxDownloadBytes bounds a single uploaded object. Large enough for
// screen recordings, small enough that one request cannot exhaust memory.
const DefaultMaxDownloadBytes = 512 << 20

// Downloader fetches uploaded objects through their presigned URLs. Expiry
// is checked locally from the signature parameters before any request goes
// out; URLs without recognizable parameters are left to the remote end to
// judge.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// NewDownloader returns a downloader using the given HTTP client, or
// http.DefaultClient when nil.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, maxBytes: DefaultMaxDownloadBytes}
}

// Download fetches the object behind a presigned URL.
func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, wire.Errorf(wire.CodeInvalidParams, "bad presigned url: %v", err)
	}
	if exp := presignExpiry(u); !exp.IsZero() && time.Now().After(exp) {
		return nil, wire.Errorf(wire.CodePresignedURLExpired, "presigned url expired at %s", exp.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrObjectMissing, u.Path)
	case http.StatusForbidden, http.StatusGone:
		// S3 answers 403 once a signature stops validating.
		return nil, wire.Errorf(wire.CodePresignedURLExpired, "presigned url rejected upstream (status %d)", resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrDownloadFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrDownloadFailed, err)
	}
	if int64(len(body)) > d.maxBytes {
		return nil, fmt.Errorf("%w: object exceeds %d bytes", ErrDownloadFailed, d.maxBytes)
	}
	return body, nil
}

// Upload references one uploaded object and the metadata declared with it.
type Upload struct {
	S3Reference string `json:"s3_reference"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// SourceFromUpload downloads an uploaded object and wraps it as an
// ingestion source. Media containers become video sources; everything else
// is read as documentation text. Website sources only arise from crawls,
// never from uploads.
func (d *Downloader) SourceFromUpload(ctx context.Context, knowledgeID string, up Upload) (*Source, error) {
	body, err := d.Download(ctx, up.S3Reference)
	if err != nil {
		return nil, err
	}
	ref := up.Filename
	if ref == "" {
		if u, err := url.Parse(up.S3Reference); err == nil {
			ref = path.Base(u.Path)
		}
	}
	src := &Source{
		KnowledgeID: knowledgeID,
		Type:        ClassifySource(up.Filename, up.ContentType),
		Ref:         ref,
	}
	switch src.Type {
	case SourceVideo:
		src.Media = body
		src.MediaName = ref
	default:
		src.Text = string(body)
	}
	return src, nil
}

// ClassifySource picks the ingester family for an uploaded file from its
// declared content type, falling back to the filename extension.
func ClassifySource(filename, contentType string) string {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/") {
		return SourceVideo
	}
	switch strings.ToLower(path.Ext(filename)) {
	case ".mp4", ".mov", ".webm", ".mkv", ".avi", ".mp3", ".wav", ".m4a", ".ogg":
		return SourceVideo
	}
	return SourceDocumentation
}

// presignExpiry extracts when a presigned URL stops being valid. SigV4
// URLs carry X-Amz-Date plus X-Amz-Expires seconds, clamped here to
// MaxPresignLifetime; legacy URLs carry an absolute Expires epoch. The zero
// time means no recognizable expiry.
func presignExpiry(u *url.URL) time.Time {
	q := u.Query()
	if date := q.Get("X-Amz-Date"); date != "" {
		t, err := time.Parse("20060102T150405Z", date)
		if err == nil {
			lifetime := MaxPresignLifetime
			if secs, err := strconv.Atoi(q.Get("X-Amz-Expires")); err == nil && secs > 0 {
				if d := time.Duration(secs) * time.Second; d < lifetime {
					lifetime = d
				}
			}
			return t.Add(lifetime)
		}
	}
	if es := q.Get("Expires"); es != "" {
		if secs, err := strconv.ParseInt(es, 10, 64); err == nil {
			return time.Unix(secs, 0)
		}
	}
	return time.Time{}
}
