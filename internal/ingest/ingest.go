// Package ingest processes one artist: it loads the public profile,
// stores recent images in a blob store and announces the result.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/id/uuid"
)

// EventArtistIngested is the event name carried in every published payload.
const EventArtistIngested = "artist.ingested"

// MediaHashLen is how many hex characters of the media URL digest go into
// an object name.
const MediaHashLen = 12

// BlobStore persists media and reports what is already stored.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher announces ingest results.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TransientIOError is a per-item download failure. The item is skipped and
// the artist still succeeds.
type TransientIOError struct {
	URL string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Config controls ingestion.
type Config struct {
	ImagesPerArtist int
	// Topic receives artist.ingested events. Empty disables publishing.
	Topic string
	// ItemDelay spaces media downloads.
	ItemDelay     time.Duration
	MediaTimeout  time.Duration
	MaxMediaBytes int64
}

func (c *Config) setDefaults() {
	if c.ImagesPerArtist <= 0 {
		c.ImagesPerArtist = 12
	}
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	}
	if c.MediaTimeout <= 0 {
		c.MediaTimeout = 30 * time.Second
	}
	if c.MaxMediaBytes <= 0 {
		c.MaxMediaBytes = 20 << 20
	}
}

// ImageRef points at one stored image.
type ImageRef struct {
	Shortcode string `json:"shortcode"`
	URI       string `json:"uri"`
	SourceURL string `json:"source_url"`
}

// Event is the artist.ingested payload.
type Event struct {
	Event         string     `json:"event"`
	EntityID      string     `json:"entity_id"`
	Handle        string     `json:"handle"`
	CitySlug      string     `json:"city_slug"`
	CityName      string     `json:"city_name,omitempty"`
	FollowerCount int        `json:"follower_count"`
	Images        []ImageRef `json:"images"`
	IngestedAt    time.Time  `json:"ingested_at"`
}

// Ingester implements fleet.Processor.
type Ingester struct {
	profiles  ProfileSource
	blobs     BlobStore
	publisher Publisher
	hasher    fleet.Hasher
	http      *http.Client
	cfg       Config
	clock     fleet.Clock
	logger    *zap.Logger
}

// Option customizes an Ingester.
type Option func(*Ingester)

// WithClock overrides the clock.
func WithClock(c fleet.Clock) Option {
	return func(i *Ingester) { i.clock = c }
}

// WithHTTPClient overrides the media download client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Ingester) { i.http = c }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds an Ingester. publisher may be nil.
func New(
	profiles ProfileSource,
	blobs BlobStore,
	publisher Publisher,
	hasher fleet.Hasher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Ingester {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Ingester{
		profiles:  profiles,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		http:      &http.Client{Timeout: cfg.MediaTimeout},
		cfg:       cfg,
		clock:     wallClock{},
		logger:    logger.Named("ingest"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Process ingests one artist. Missing and private profiles succeed with zero
// images. Rate-limit signals from the profile source or the media host are
// returned as *fleet.RateLimitError.
func (i *Ingester) Process(ctx context.Context, task fleet.ArtistTask, city fleet.City) (fleet.ProcessResult, error) {
	handle := fleet.NormalizeHandle(task.Handle)
	logger := i.logger.With(zap.String("handle", handle), zap.String("city", city.Slug))
	entityID := uuid.ArtistEntityID(handle)

	profile, err := i.profiles.FetchProfile(ctx, handle, i.cfg.ImagesPerArtist)
	if errors.Is(err, ErrProfileNotFound) {
		logger.Info("profile does not exist")
		return fleet.ProcessResult{ResultEntityID: entityID}, nil
	}
	if err != nil {
		return fleet.ProcessResult{}, err
	}
	followers := profile.FollowerCount
	result := fleet.ProcessResult{FollowerCount: &followers, ResultEntityID: entityID}
	if profile.Private {
		logger.Info("profile is private")
		return result, nil
	}

	var images []ImageRef
	stored := 0
	for _, post := range imagePosts(profile.Posts, i.cfg.ImagesPerArtist) {
		if err := ctx.Err(); err != nil {
			return fleet.ProcessResult{}, fmt.Errorf("ingest %s: %w", handle, err)
		}
		objectPath, err := i.objectPath(handle, post)
		if err != nil {
			return fleet.ProcessResult{}, err
		}
		exists, err := i.blobs.Exists(ctx, objectPath)
		if err != nil {
			logger.Warn("blob existence check failed", zap.String("path", objectPath), zap.Error(err))
		} else if exists {
			stored++
			continue
		}

		uri, err := i.storeMedia(ctx, objectPath, post.MediaURL)
		if err != nil {
			if _, limited := fleet.AsRateLimit(err); limited {
				return fleet.ProcessResult{}, err
			}
			var transient *TransientIOError
			if errors.As(err, &transient) {
				logger.Warn("skipping media item", zap.String("shortcode", post.Shortcode), zap.Error(err))
				continue
			}
			return fleet.ProcessResult{}, err
		}
		stored++
		images = append(images, ImageRef{Shortcode: post.Shortcode, URI: uri, SourceURL: post.MediaURL})
		i.pause(ctx)
	}
	result.ImagesScraped = stored

	if len(images) > 0 {
		i.publish(ctx, logger, Event{
			Event:         EventArtistIngested,
			EntityID:      entityID,
			Handle:        handle,
			CitySlug:      city.Slug,
			CityName:      city.Name,
			FollowerCount: followers,
			Images:        images,
			IngestedAt:    i.clock.Now(),
		})
	}
	logger.Info("artist ingested",
		zap.Int("images_stored", stored),
		zap.Int("images_new", len(images)),
		zap.Int("followers", followers),
	)
	return result, nil
}

func imagePosts(posts []Post, limit int) []Post {
	out := make([]Post, 0, limit)
	for _, p := range posts {
		if len(out) == limit {
			break
		}
		if p.IsVideo || p.MediaURL == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// objectPath is artists/<handle>/<shortcode>_<url hash prefix><ext>.
func (i *Ingester) objectPath(handle string, post Post) (string, error) {
	sum, err := i.hasher.Hash([]byte(post.MediaURL))
	if err != nil {
		return "", fmt.Errorf("hash media url: %w", err)
	}
	if len(sum) > MediaHashLen {
		sum = sum[:MediaHashLen]
	}
	ext := ".jpg"
	if u, err := url.Parse(post.MediaURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e == ".jpg" || e == ".jpeg" || e == ".png" || e == ".webp" {
			ext = e
		}
	}
	name := post.Shortcode
	if name == "" {
		name = "item"
	}
	return fmt.Sprintf("artists/%s/%s_%s%s", handle, name, sum, ext), nil
}

func (i *Ingester) storeMedia(ctx context.Context, objectPath, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", &TransientIOError{URL: mediaURL, Err: err}
	}
	resp, err := i.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("download media: %w", ctx.Err())
		}
		return "", &TransientIOError{URL: mediaURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best effort

	if err := statusError(resp); err != nil {
		if _, limited := fleet.AsRateLimit(err); limited {
			return "", err
		}
		return "", &TransientIOError{URL: mediaURL, Err: err}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, i.cfg.MaxMediaBytes+1))
	if err != nil {
		return "", &TransientIOError{URL: mediaURL, Err: err}
	}
	if int64(len(data)) > i.cfg.MaxMediaBytes {
		return "", &TransientIOError{URL: mediaURL, Err: fmt.Errorf("media larger than %d bytes", i.cfg.MaxMediaBytes)}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	uri, err := i.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store %s: %w", objectPath, err)
	}
	return uri, nil
}

// publish is best effort; the media is already stored.
func (i *Ingester) publish(ctx context.Context, logger *zap.Logger, ev Event) {
	if i.publisher == nil || i.cfg.Topic == "" {
		return
	}
	id, err := i.publisher.Publish(ctx, i.cfg.Topic, ev)
	if err != nil {
		logger.Warn("publish ingest event failed", zap.Error(err))
		return
	}
	logger.Debug("ingest event published", zap.String("message_id", id))
}

func (i *Ingester) pause(ctx context.Context) {
	if i.cfg.ItemDelay <= 0 {
		return
	}
	t := time.NewTimer(i.cfg.ItemDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
