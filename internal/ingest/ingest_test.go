package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/hash/sha256"
	"github.com/JakeFAU/scraper-fleet/internal/id/uuid"
	pubmemory "github.com/JakeFAU/scraper-fleet/internal/publisher/memory"
	"github.com/JakeFAU/scraper-fleet/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticProfiles struct {
	profile Profile
	err     error
	calls   int
}

func (s *staticProfiles) FetchProfile(_ context.Context, handle string, _ int) (Profile, error) {
	s.calls++
	if s.err != nil {
		return Profile{}, s.err
	}
	p := s.profile
	p.Handle = handle
	return p, nil
}

// mediaServer serves /ok/*.jpg, /missing/*, /limited/* and /broken/*.
func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/ok/"):
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg:" + r.URL.Path))
		case strings.HasPrefix(r.URL.Path, "/missing/"):
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/limited/"):
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	ingester *Ingester
	blobs    *memory.BlobStore
	pub      *pubmemory.Publisher
}

func newHarness(profiles ProfileSource, cfg Config) harness {
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	clock := fixedClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	return harness{
		ingester: New(profiles, blobs, pub, sha256.New(), cfg, zap.NewNop(), WithClock(clock)),
		blobs:    blobs,
		pub:      pub,
	}
}

var berlin = fleet.City{Slug: "berlin", Name: "Berlin"}

func TestProcessStoresImagesAndPublishes(t *testing.T) {
	t.Parallel()

	srv := mediaServer(t)
	profiles := &staticProfiles{profile: Profile{
		FollowerCount: 1200,
		Posts: []Post{
			{Shortcode: "A1", MediaURL: srv.URL + "/ok/a1.jpg"},
			{Shortcode: "V1", MediaURL: srv.URL + "/ok/v1.mp4", IsVideo: true},
			{Shortcode: "B2", MediaURL: srv.URL + "/missing/b2.jpg"},
			{Shortcode: "C3", MediaURL: srv.URL + "/ok/c3.png"},
			{Shortcode: "D4", MediaURL: srv.URL + "/ok/d4.jpg"},
		},
	}}
	h := newHarness(profiles, Config{ImagesPerArtist: 3, Topic: "artist-events"})

	res, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "@InkByJo"}, berlin)
	require.NoError(t, err)
	require.Equal(t, 2, res.ImagesScraped, "missing item skipped, fourth image over the limit")
	require.Equal(t, 1200, *res.FollowerCount)
	require.Equal(t, uuid.ArtistEntityID("inkbyjo"), res.ResultEntityID)
	require.Equal(t, 2, h.blobs.Len())

	events := h.pub.ByTopic("artist-events")
	require.Len(t, events, 1)
	ev, ok := events[0].(Event)
	require.True(t, ok)
	require.Equal(t, EventArtistIngested, ev.Event)
	require.Equal(t, "inkbyjo", ev.Handle)
	require.Equal(t, "berlin", ev.CitySlug)
	require.Len(t, ev.Images, 2)
	require.Equal(t, "A1", ev.Images[0].Shortcode)
	require.True(t, strings.HasPrefix(ev.Images[0].URI, "memory://artists/inkbyjo/A1_"))
	require.True(t, strings.HasSuffix(ev.Images[1].URI, ".png"))

	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"event":"artist.ingested"`)
}

func TestProcessSkipsAlreadyStoredImages(t *testing.T) {
	t.Parallel()

	srv := mediaServer(t)
	profiles := &staticProfiles{profile: Profile{Posts: []Post{{Shortcode: "A1", MediaURL: srv.URL + "/ok/a1.jpg"}}}}
	h := newHarness(profiles, Config{Topic: "artist-events"})

	_, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "jo"}, berlin)
	require.NoError(t, err)
	res, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "jo"}, berlin)
	require.NoError(t, err)
	require.Equal(t, 1, res.ImagesScraped)
	require.Len(t, h.pub.Messages(), 1, "nothing new, nothing published")
}

func TestProcessMediaRateLimit(t *testing.T) {
	t.Parallel()

	srv := mediaServer(t)
	profiles := &staticProfiles{profile: Profile{Posts: []Post{{Shortcode: "A1", MediaURL: srv.URL + "/limited/a1.jpg"}}}}
	h := newHarness(profiles, Config{})

	_, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "jo"}, berlin)
	rl, ok := fleet.AsRateLimit(err)
	require.True(t, ok)
	require.Equal(t, "http_429", rl.Kind)
	require.Zero(t, h.blobs.Len())
}

func TestProcessMissingAndPrivateProfiles(t *testing.T) {
	t.Parallel()

	h := newHarness(&staticProfiles{err: ErrProfileNotFound}, Config{})
	res, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "ghost"}, berlin)
	require.NoError(t, err)
	require.Zero(t, res.ImagesScraped)

	h = newHarness(&staticProfiles{profile: Profile{Private: true, FollowerCount: 9}}, Config{})
	res, err = h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "shy"}, berlin)
	require.NoError(t, err)
	require.Zero(t, res.ImagesScraped)
	require.Equal(t, 9, *res.FollowerCount)
}

func TestProcessPublishFailureDoesNotFailArtist(t *testing.T) {
	t.Parallel()

	srv := mediaServer(t)
	profiles := &staticProfiles{profile: Profile{Posts: []Post{{Shortcode: "A1", MediaURL: srv.URL + "/ok/a1.jpg"}}}}
	h := newHarness(profiles, Config{Topic: "artist-events"})
	h.pub.FailWith(errors.New("unavailable"))

	res, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "jo"}, berlin)
	require.NoError(t, err)
	require.Equal(t, 1, res.ImagesScraped)
}

func TestProcessProfileErrorPassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	h := newHarness(&staticProfiles{err: boom}, Config{})
	_, err := h.ingester.Process(context.Background(), fleet.ArtistTask{Handle: "jo"}, berlin)
	require.ErrorIs(t, err, boom)
}

func TestProfileAPI(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		switch r.URL.Path {
		case "/v1/profiles/inkbyjo":
			if r.URL.Query().Get("limit") != "12" {
				t.Errorf("limit = %q", r.URL.Query().Get("limit"))
			}
			_, _ = w.Write([]byte(`{"follower_count":5,"posts":[{"shortcode":"A1","media_url":"https://cdn/a.jpg"}]}`))
		case "/v1/profiles/ghost":
			http.NotFound(w, r)
		case "/v1/profiles/blocked":
			http.Error(w, "login required", http.StatusUnauthorized)
		case "/v1/profiles/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	api, err := NewProfileAPI(ProfileAPIConfig{BaseURL: srv.URL + "/", Token: "tok"})
	require.NoError(t, err)
	ctx := context.Background()

	p, err := api.FetchProfile(ctx, "inkbyjo", 12)
	require.NoError(t, err)
	require.Equal(t, "inkbyjo", p.Handle)
	require.Equal(t, 5, p.FollowerCount)
	require.Len(t, p.Posts, 1)

	_, err = api.FetchProfile(ctx, "ghost", 12)
	require.ErrorIs(t, err, ErrProfileNotFound)

	_, err = api.FetchProfile(ctx, "blocked", 12)
	rl, ok := fleet.AsRateLimit(err)
	require.True(t, ok)
	require.Equal(t, "http_401", rl.Kind)
	require.Contains(t, err.Error(), "login required")

	_, err = api.FetchProfile(ctx, "throttled", 12)
	rl, ok = fleet.AsRateLimit(err)
	require.True(t, ok)
	require.Equal(t, "http_429", rl.Kind)

	_, err = api.FetchProfile(ctx, "other", 12)
	require.Error(t, err)
	_, ok = fleet.AsRateLimit(err)
	require.False(t, ok)

	_, err = NewProfileAPI(ProfileAPIConfig{})
	require.Error(t, err)
}
