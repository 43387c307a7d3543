package media

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0600))

	assert.Equal(t, Source{Kind: SourceFile, Value: path}, Classify(path))
	assert.Equal(t, SourceURL, Classify("https://example.com/a.png").Kind)
	assert.Equal(t, SourceURL, Classify("HTTP://example.com/a.png").Kind)
	assert.Equal(t, SourceInline, Classify("data:image/png;base64,AAA=").Kind)
	assert.Equal(t, SourceInline, Classify(filepath.Join(dir, "missing.pdf")).Kind)
	assert.Equal(t, SourceInline, Classify("").Kind)
}

func TestResolver_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 body"), 0600))

	r := NewResolver(DefaultResolverConfig(), nil)
	m, err := r.Resolve(context.Background(), path, "image/png")
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", m.MimeType, "explicit type is ignored for files")
	assert.Equal(t, "doc.pdf", m.Filename)
	assert.Equal(t, []byte("%PDF-1.4 body"), m.Data)
	assert.Equal(t, MediaTypeDocument, m.Type())
}

func TestResolver_AllowedDirs(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()

	inside := filepath.Join(allowed, "doc.pdf")
	require.NoError(t, os.WriteFile(inside, []byte("%PDF-1.4"), 0600))
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("token=abc"), 0600))
	link := filepath.Join(allowed, "escape.txt")
	require.NoError(t, os.Symlink(secret, link))

	r := NewResolver(ResolverConfig{AllowedDirs: []string{allowed}}, nil)

	m, err := r.Resolve(context.Background(), inside, "")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", m.MimeType)

	for _, ref := range []string{secret, link, allowed} {
		_, err := r.Resolve(context.Background(), ref, "text/plain")
		require.Error(t, err, ref)
		assert.ErrorIs(t, err, ErrPathNotAllowed, ref)
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, SourceFile, rerr.Source)
	}

	_, err = NewResolver(DefaultResolverConfig(), nil).Resolve(context.Background(), secret, "")
	assert.NoError(t, err, "no restriction when AllowedDirs is empty")
}

func TestResolver_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cat.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngHeader)
		case "/download":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
			w.Write([]byte("%PDF-1.4"))
		case "/custom":
			w.Header().Set("Content-Type", "application/x-custom; charset=binary")
			w.Write([]byte("whatever"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewResolver(DefaultResolverConfig(), nil)
	ctx := context.Background()

	t.Run("content type header", func(t *testing.T) {
		m, err := r.Resolve(ctx, srv.URL+"/cat.png", "")
		require.NoError(t, err)
		assert.Equal(t, "image/png", m.MimeType)
		assert.Equal(t, "cat.png", m.Filename)
		assert.Equal(t, pngHeader, m.Data)
	})

	t.Run("content disposition and sniffing", func(t *testing.T) {
		m, err := r.Resolve(ctx, srv.URL+"/download", "")
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", m.Filename)
		assert.Equal(t, "application/pdf", m.MimeType)
	})

	t.Run("declared type trusted", func(t *testing.T) {
		m, err := r.Resolve(ctx, srv.URL+"/custom", "")
		require.NoError(t, err)
		assert.Equal(t, "application/x-custom", m.MimeType)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.Resolve(ctx, srv.URL+"/missing.png", "")
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, SourceURL, resErr.Source)
		assert.Contains(t, err.Error(), "404")
	})
}

func TestResolver_URLTooLarge(t *testing.T) {
	big := strings.Repeat("x", 1024*1024+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	r := NewResolver(ResolverConfig{MaxSizeMB: 1}, nil)
	_, err := r.Resolve(context.Background(), srv.URL+"/big.txt", "")

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, SourceURL, resErr.Source)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestResolver_UnreachableURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/gone.png"
	srv.Close()

	_, err := NewResolver(DefaultResolverConfig(), nil).Resolve(context.Background(), url, "")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, SourceURL, resErr.Source)
}

func TestResolver_Inline(t *testing.T) {
	r := NewResolver(DefaultResolverConfig(), nil)
	ctx := context.Background()
	encoded := base64.StdEncoding.EncodeToString(pngHeader)

	t.Run("data url prefix stripped", func(t *testing.T) {
		m, err := r.Resolve(ctx, "data:image/png;base64,"+encoded, "image/png")
		require.NoError(t, err)
		assert.Equal(t, "image/png", m.MimeType)
		assert.Equal(t, pngHeader, m.Data)
		assert.Equal(t, "file.png", m.Filename)
	})

	t.Run("bare payload", func(t *testing.T) {
		m, err := r.Resolve(ctx, encoded, "image/jpeg")
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", m.MimeType)
		assert.Equal(t, "file.jpg", m.Filename)
	})

	t.Run("unpadded payload", func(t *testing.T) {
		m, err := r.Resolve(ctx, strings.TrimRight(base64.StdEncoding.EncodeToString([]byte("hi")), "="), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), m.Data)
	})

	t.Run("short payload decodes", func(t *testing.T) {
		m, err := r.Resolve(ctx, "data:image/png;base64,AAA=", "image/png")
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 0}, m.Data)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := r.Resolve(ctx, "data:image/png;base64,"+encoded, "")
		var missing *MissingTypeError
		require.ErrorAs(t, err, &missing)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := r.Resolve(ctx, "data:image/png;base64,!!!not-base64!!!", "image/png")
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, SourceInline, resErr.Source)
		assert.NotContains(t, err.Error(), "not-base64", "inline payloads stay out of messages")
	})
}

func TestResolver_InlineTooLarge(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(make([]byte, 1024*1024+1))
	_, err := NewResolver(ResolverConfig{MaxSizeMB: 1}, nil).
		Resolve(context.Background(), payload, "application/pdf")

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, SourceInline, resErr.Source)
	assert.ErrorIs(t, err, ErrTooLarge)
}
