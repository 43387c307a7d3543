package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrUploadNotFound is returned for unknown or expired uploads.
var ErrUploadNotFound = errors.New("upload not found")

// Upload is the metadata of a temporarily stored file.
type Upload struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Type      MediaType `json:"type"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SaveRequest contains data for storing an upload.
type SaveRequest struct {
	Data     []byte
	Filename string
	MimeType string

	// TTL overrides the store default when positive.
	TTL time.Duration
}

// UploadConfig configures UploadStore.
type UploadConfig struct {
	Dir             string        `yaml:"dir"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	BaseURL         string        `yaml:"base_url"`
	MaxSizeMB       int           `yaml:"max_size_mb"`
}

// DefaultUploadConfig returns default configuration.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		Dir:             "./data/uploads",
		TTL:             5 * time.Minute,
		CleanupSchedule: "@every 1m",
		BaseURL:         "/uploads",
		MaxSizeMB:       25,
	}
}

// UploadStore keeps uploads on the local filesystem until they expire.
// Each upload lives in its own directory under its original (sanitized)
// name so that path-based resolution still sees a meaningful extension.
type UploadStore struct {
	config    UploadConfig
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.RWMutex
	metaCache map[string]*Upload

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewUploadStore creates a new filesystem-based upload store.
func NewUploadStore(cfg UploadConfig, logger *slog.Logger) *UploadStore {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultUploadConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = def.CleanupSchedule
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &UploadStore{
		config:    cfg,
		logger:    logger.With("component", "upload-store"),
		now:       time.Now,
		metaCache: make(map[string]*Upload),
	}
}

// MaxSize returns the largest accepted upload in bytes.
func (s *UploadStore) MaxSize() int64 {
	return int64(s.config.MaxSizeMB) * 1024 * 1024
}

// EnsureDir creates the storage directories if they don't exist.
func (s *UploadStore) EnsureDir() error {
	for _, dir := range []string{s.config.Dir, s.metaDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save stores data and returns its metadata.
func (s *UploadStore) Save(ctx context.Context, req SaveRequest) (*Upload, error) {
	if len(req.Data) == 0 {
		return nil, errors.New("no data provided")
	}
	if limit := s.MaxSize(); limit > 0 && int64(len(req.Data)) > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(req.Data), limit)
	}

	id := uuid.New().String()

	filename := sanitizeFilename(req.Filename)
	if filename == "" || filename == "." {
		filename = "file" + extFromMIME(req.MimeType)
	}
	mimeType := req.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = DetectMimeType(req.Data, filename)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.config.TTL
	}

	hash := sha256.Sum256(req.Data)
	now := s.now()
	upload := &Upload{
		ID:        id,
		Filename:  filename,
		MimeType:  mimeType,
		Type:      CategorizeType(mimeType),
		Size:      int64(len(req.Data)),
		Hash:      hex.EncodeToString(hash[:])[:16],
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := s.EnsureDir(); err != nil {
		return nil, err
	}

	dataDir := filepath.Join(s.config.Dir, id)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, filename), req.Data, 0600); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("writing data file: %w", err)
	}

	metaData, err := json.Marshal(upload)
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), metaData, 0600); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("writing metadata file: %w", err)
	}

	s.mu.Lock()
	s.metaCache[id] = upload
	s.mu.Unlock()

	s.logger.Debug("upload saved",
		"id", id,
		"filename", filename,
		"type", upload.Type,
		"size", upload.Size,
		"expires_at", upload.ExpiresAt,
	)

	return upload, nil
}

// Path returns the on-disk location of a live upload.
func (s *UploadStore) Path(id string) (string, *Upload, error) {
	upload, err := s.lookup(id)
	if err != nil {
		return "", nil, err
	}
	return filepath.Join(s.config.Dir, id, upload.Filename), upload, nil
}

// Open retrieves a live upload's content.
func (s *UploadStore) Open(ctx context.Context, id string) (io.ReadCloser, *Upload, error) {
	p, upload, err := s.Path(id)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrUploadNotFound
		}
		return nil, nil, fmt.Errorf("opening data file: %w", err)
	}
	return file, upload, nil
}

// Delete removes an upload by ID. Unknown IDs are not an error.
func (s *UploadStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid id format: %w", err)
	}

	if err := os.RemoveAll(filepath.Join(s.config.Dir, id)); err != nil {
		s.logger.Warn("failed to delete upload data", "id", id, "error", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete upload metadata", "id", id, "error", err)
	}

	s.mu.Lock()
	delete(s.metaCache, id)
	s.mu.Unlock()

	s.logger.Debug("upload deleted", "id", id)
	return nil
}

// DeleteExpired removes every upload past its expiration.
func (s *UploadStore) DeleteExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.metaDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading meta directory: %w", err)
	}

	now := s.now()
	count := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")
		upload, err := s.getMeta(id)
		if err != nil {
			continue
		}

		if now.After(upload.ExpiresAt) {
			if err := s.Delete(ctx, id); err != nil {
				s.logger.Warn("failed to delete expired upload", "id", id, "error", err)
			} else {
				count++
			}
		}
	}

	if count > 0 {
		s.logger.Info("expired uploads removed", "count", count)
	}
	return count, nil
}

// URL returns the public URL of an upload.
func (s *UploadStore) URL(id string) string {
	return fmt.Sprintf("%s/%s", s.config.BaseURL, id)
}

// StartCleanup sweeps expired uploads on the configured cron schedule
// until StopCleanup is called.
func (s *UploadStore) StartCleanup(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(s.config.CleanupSchedule, func() {
		if _, err := s.DeleteExpired(ctx); err != nil {
			s.logger.Warn("upload cleanup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.config.CleanupSchedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("upload cleanup started", "schedule", s.config.CleanupSchedule, "ttl", s.config.TTL)
	return nil
}

// StopCleanup stops the sweeper and waits for a running sweep to finish.
func (s *UploadStore) StopCleanup() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("upload cleanup stop timed out")
	}
}

// lookup returns metadata for a live (unexpired) upload.
func (s *UploadStore) lookup(id string) (*Upload, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrUploadNotFound
	}
	upload, err := s.getMeta(id)
	if err != nil {
		return nil, err
	}
	if s.now().After(upload.ExpiresAt) {
		return nil, ErrUploadNotFound
	}
	return upload, nil
}

func (s *UploadStore) metaDir() string {
	return filepath.Join(s.config.Dir, "meta")
}

func (s *UploadStore) metaPath(id string) string {
	return filepath.Join(s.metaDir(), id+".json")
}

// getMeta retrieves metadata from cache or file.
func (s *UploadStore) getMeta(id string) (*Upload, error) {
	s.mu.RLock()
	if upload, ok := s.metaCache[id]; ok {
		s.mu.RUnlock()
		return upload, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var upload Upload
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	s.mu.Lock()
	s.metaCache[id] = &upload
	s.mu.Unlock()

	return &upload, nil
}

// sanitizeFilename removes dangerous characters from filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var result strings.Builder
	for _, r := range name {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}

	sanitized := result.String()
	if sanitized == ".." {
		return ""
	}
	if len(sanitized) > 255 {
		ext := filepath.Ext(sanitized)
		sanitized = sanitized[:255-len(ext)] + ext
	}
	return sanitized
}
