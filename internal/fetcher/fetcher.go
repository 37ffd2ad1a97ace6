// Package fetcher obtains a tabular value from an HTTP endpoint or a
// local file, with a bounded retry policy for transient failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datajob/engine/internal/model"
	"github.com/datajob/engine/internal/table"
)

// ErrKind distinguishes retryable from terminal fetch failures.
type ErrKind int

const (
	Transient ErrKind = iota
	Permanent
	Cancelled
)

// UploadPathPrefix is the canonical "data/uploads/" segment of a file
// Source's location that POST /jobs/upload-file hands back in its
// response; resolveUnderRoot strips it before joining under uploadRoot
// (which is itself the uploads directory) so the canonical form
// doesn't double-nest.
const UploadPathPrefix = "data/uploads/"

// FetchError carries a human-readable cause and whether the failure is
// worth retrying.
type FetchError struct {
	Kind ErrKind
	Cause error
}

func (e *FetchError) Error() string { return e.Cause.Error() }
func (e *FetchError) Unwrap() error { return e.Cause }

func transient(format string, args...interface{}) *FetchError {
	return &FetchError{Transient, fmt.Errorf(format, args...)}
}

func permanent(format string, args...interface{}) *FetchError {
	return &FetchError{Permanent, fmt.Errorf(format, args...)}
}

const (
	requestTimeout = 30 * time.Second
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
)

// Fetcher obtains a Table from a Job's Source, retrying transient
// failures up to maxAttempts with exponential backoff.
type Fetcher struct {
	client *http.Client
	uploadRoot string
}

// New builds a Fetcher. uploadRoot bounds the filesystem paths a file
// Source may resolve to.
func New(uploadRoot string) *Fetcher {
	return &Fetcher{client: &http.Client{}, uploadRoot: uploadRoot}
}

// Fetch resolves source, retrying transient failures.
func (f *Fetcher) Fetch(ctx context.Context, source model.Source) (*table.Table, error) {
	var lastErr error
	delay := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Cancelled, err}
		}
		tbl, err := f.attempt(ctx, source)
		if err == nil {
			return tbl, nil
		}
		var fe *FetchError
		if !errors.As(err, &fe) || fe.Kind == Permanent {
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &FetchError{Cancelled, ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, source model.Source) (*table.Table, error) {
	switch source.Type {
	case model.SourceAPI:
		return f.fetchAPI(ctx, source.Location)
	case model.SourceFile:
		return f.fetchFile(source.Location, source.FileType)
	default:
		return nil, permanent("fetcher: unknown source type %q", source.Type)
	}
}

func (f *Fetcher) fetchAPI(ctx context.Context, url string) (*table.Table, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, permanent("fetcher: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, transient("fetcher: request timed out: %w", err)
		}
		return nil, transient("fetcher: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, transient("fetcher: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, permanent("fetcher: client error %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, permanent("fetcher: unexpected status %d", resp.StatusCode)
	}

	tbl, err := table.FromJSON(resp.Body)
	if err != nil {
		return nil, permanent("fetcher: %w", err)
	}
	return tbl, nil
}

func (f *Fetcher) fetchFile(path string, fileType model.FileType) (*table.Table, error) {
	resolved, err := resolveUnderRoot(f.uploadRoot, path)
	if err != nil {
		return nil, permanent("fetcher: %w", err)
	}

	file, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, permanent("fetcher: file not found: %w", err)
		}
		return nil, transient("fetcher: open file: %w", err)
	}
	defer file.Close()

	var tbl *table.Table
	switch fileType {
	case model.FileCSV:
		tbl, err = table.FromCSV(file)
	case model.FileJSON:
		tbl, err = table.FromJSON(file)
	default:
		return nil, permanent("fetcher: unknown file_type %q", fileType)
	}
	if err != nil {
		return nil, permanent("fetcher: %w", err)
	}
	return tbl, nil
}

// resolveUnderRoot joins root and location (accepting the canonical
// "/data/uploads/{filename}" form used by the upload endpoint) and
// rejects any result that escapes root.
func resolveUnderRoot(root, location string) (string, error) {
	if root == "" {
		return location, nil
	}
	clean := strings.TrimPrefix(location, "/")
	clean = strings.TrimPrefix(clean, UploadPathPrefix)
	joined := filepath.Join(root, clean)

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes upload root", location)
	}
	return abs, nil
}
