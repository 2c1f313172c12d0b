// Package music looks up songs on the NetEase Cloud Music web API and
// resolves a playable stream URL for them.
package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/smart-speaker/internal/observability"
	"github.com/lexiqai/smart-speaker/internal/resilience"
)

// ErrSongNotFound is returned when a search has no usable result.
var ErrSongNotFound = errors.New("song not found")

// UserAgent is sent with every request; the API rejects unknown clients.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36"

// Song is a search hit
type Song struct {
	ID      int64
	Name    string
	Artists string
}

// Title is "name - artists", or just the name when no artist is known.
func (s *Song) Title() string {
	if s.Artists == "" {
		return s.Name
	}
	return s.Name + " - " + s.Artists
}

// Catalog finds songs and their stream URLs.
type Catalog interface {
	LookupSong(ctx context.Context, name string) (*Song, error)
	ResolvePlayURL(ctx context.Context, id int64) (string, error)
}

// Config configures the NetEase client
type Config struct {
	SearchURL       string
	PlayURLTemplate string // with one %d for the song id
	Timeout         time.Duration
}

// Client implements Catalog
type Client struct {
	cfg    Config
	http   *http.Client
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewClient creates a NetEase client
func NewClient(cfg Config, retry *resilience.RetryConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if retry == nil {
		retry = &resilience.RetryConfig{MaxAttempts: 1}
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		retry:  retry,
		logger: logger,
	}
}

type searchResponse struct {
	Code   int `json:"code"`
	Result struct {
		Songs []struct {
			ID      int64  `json:"id"`
			Name    string `json:"name"`
			Fee     int    `json:"fee"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"songs"`
	} `json:"result"`
}

// LookupSong searches for name and picks the first free song (fee 0 or 8),
// falling back to the first result.
func (c *Client) LookupSong(ctx context.Context, name string) (*Song, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrSongNotFound
	}

	u, err := url.Parse(c.cfg.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	q := u.Query()
	q.Set("s", name)
	q.Set("type", "1")
	u.RawQuery = q.Encode()

	var body searchResponse
	err = resilience.RetryContext(ctx, func(ctx context.Context) error {
		return c.getJSON(ctx, u.String(), &body)
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordError("music_search", "music")
		return nil, fmt.Errorf("search %q: %w", name, err)
	}

	songs := body.Result.Songs
	if body.Code != http.StatusOK || len(songs) == 0 {
		return nil, ErrSongNotFound
	}
	best := songs[0]
	for _, s := range songs {
		if s.Fee == 0 || s.Fee == 8 {
			best = s
			break
		}
	}

	artists := make([]string, 0, len(best.Artists))
	for _, a := range best.Artists {
		artists = append(artists, a.Name)
	}
	song := &Song{ID: best.ID, Name: best.Name, Artists: strings.Join(artists, ", ")}
	c.logger.Info().Int64("id", song.ID).Str("title", song.Title()).Msg("Song found")
	return song, nil
}

func (c *Client) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resilience.NewRetryableError(fmt.Errorf("search returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode search result: %w", err)
	}
	return nil
}

// ResolvePlayURL follows the redirects of the outer play URL so the player
// gets the final media location.
func (c *Client) ResolvePlayURL(ctx context.Context, id int64) (string, error) {
	start := fmt.Sprintf(c.cfg.PlayURLTemplate, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, start, nil)
	if err != nil {
		return "", fmt.Errorf("invalid play url: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", start).Msg("Could not resolve play url, using it as is")
		return start, nil
	}
	resp.Body.Close()

	// unavailable songs redirect to the site's 404 page
	if resp.StatusCode == http.StatusNotFound || resp.Request.URL.Path == "/404" {
		return "", ErrSongNotFound
	}
	return resp.Request.URL.String(), nil
}
