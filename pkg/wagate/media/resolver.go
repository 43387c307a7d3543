package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SourceKind identifies where an attachment reference points.
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceURL    SourceKind = "url"
	SourceInline SourceKind = "inline"
)

// Source is a classified attachment reference.
type Source struct {
	Kind  SourceKind
	Value string
}

// Classify decides once what a reference is: an existing local path, an
// http(s) URL, or otherwise an inline encoded payload.
func Classify(reference string) Source {
	if reference != "" {
		if _, err := os.Stat(reference); err == nil {
			return Source{Kind: SourceFile, Value: reference}
		}
	}
	lower := strings.ToLower(reference)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return Source{Kind: SourceURL, Value: reference}
	}
	return Source{Kind: SourceInline, Value: reference}
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// FetchTimeout bounds a single URL download.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxSizeMB caps the payload size of any source (0 = unlimited).
	MaxSizeMB int `yaml:"max_size_mb"`

	// AllowedDirs limits local file references to these directories.
	// Empty allows any readable path.
	AllowedDirs []string `yaml:"allowed_dirs"`
}

// DefaultResolverConfig returns sensible defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		FetchTimeout: 30 * time.Second,
		MaxSizeMB:    64,
	}
}

// Resolver turns attachment references into Media. It never retries;
// retry policy belongs to the caller.
type Resolver struct {
	cfg    ResolverConfig
	client *resty.Client
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.FetchTimeout).
		SetRetryCount(0).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", "wagate-media-fetcher")

	return &Resolver{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "media-resolver"),
	}
}

func (r *Resolver) maxSize() int64 {
	return int64(r.cfg.MaxSizeMB) * 1024 * 1024
}

// Resolve produces a Media value from reference. explicitType is only
// consulted, and then required, for inline payloads.
func (r *Resolver) Resolve(ctx context.Context, reference, explicitType string) (*Media, error) {
	src := Classify(reference)

	var (
		m   *Media
		err error
	)
	switch src.Kind {
	case SourceFile:
		if !r.pathAllowed(src.Value) {
			return nil, &ResolutionError{Source: SourceFile, Reference: reference, Err: ErrPathNotAllowed}
		}
		m, err = r.fromFile(src.Value)
	case SourceURL:
		m, err = r.fromURL(ctx, src.Value)
	default:
		m, err = r.fromInline(src.Value, explicitType)
	}
	if err != nil {
		return nil, err
	}

	if limit := r.maxSize(); limit > 0 && int64(len(m.Data)) > limit {
		return nil, &ResolutionError{Source: src.Kind, Reference: reference,
			Err: fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(m.Data), limit)}
	}

	r.logger.Debug("attachment resolved",
		"source", src.Kind,
		"mime_type", m.MimeType,
		"size", len(m.Data))
	return m, nil
}

// pathAllowed reports whether p resolves, symlinks included, to a file
// inside one of the configured directories.
func (r *Resolver) pathAllowed(p string) bool {
	if len(r.cfg.AllowedDirs) == 0 {
		return true
	}
	target, err := realPath(p)
	if err != nil {
		return false
	}
	for _, dir := range r.cfg.AllowedDirs {
		root, err := realPath(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return true
	}
	return false
}

func realPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func (r *Resolver) fromFile(p string) (*Media, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &ResolutionError{Source: SourceFile, Reference: p, Err: err}
	}
	name := filepath.Base(p)
	return &Media{
		MimeType: DetectMimeType(data, name),
		Data:     data,
		Filename: name,
	}, nil
}

func (r *Resolver) fromURL(ctx context.Context, rawURL string) (*Media, error) {
	fail := func(err error) (*Media, error) {
		return nil, &ResolutionError{Source: SourceURL, Reference: rawURL, Err: err}
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return fail(err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return fail(fmt.Errorf("HTTP %d", resp.StatusCode()))
	}

	reader := io.Reader(body)
	if limit := r.maxSize(); limit > 0 {
		// One extra byte lets Resolve tell "exactly at the limit" from "over".
		reader = io.LimitReader(body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fail(fmt.Errorf("reading body: %w", err))
	}

	filename := extractFilename(rawURL, resp.Header())

	// Network content is trusted here; the declared type is used as-is.
	mimeType := strings.TrimSpace(strings.Split(resp.Header().Get("Content-Type"), ";")[0])
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = DetectMimeType(data, filename)
	}

	return &Media{MimeType: mimeType, Data: data, Filename: filename}, nil
}

func (r *Resolver) fromInline(reference, explicitType string) (*Media, error) {
	if explicitType == "" {
		return nil, &MissingTypeError{}
	}
	if reference == "" {
		return nil, &ResolutionError{Source: SourceInline, Err: errors.New("empty payload")}
	}

	payload := reference
	if i := strings.Index(payload, ","); i >= 0 {
		payload = payload[i+1:]
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, &ResolutionError{Source: SourceInline, Reference: reference,
			Err: fmt.Errorf("decoding base64: %w", err)}
	}

	return &Media{
		MimeType: explicitType,
		Data:     data,
		Filename: "file" + extFromMIME(explicitType),
	}, nil
}

// decodeBase64 accepts padded and unpadded standard encodings.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// extractFilename extracts filename from Content-Disposition or the URL path.
func extractFilename(rawURL string, header http.Header) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return filepath.Base(params["filename"])
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}

	return "download"
}
