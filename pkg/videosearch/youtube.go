// Package videosearch queries the YouTube Data API for tutorial videos.
package videosearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dotsetgreg/asistech/pkg/config"
	"github.com/dotsetgreg/asistech/pkg/logger"
)

const (
	defaultAPIBase     = "https://www.googleapis.com/youtube/v3"
	defaultMaxResults  = 5
	defaultTimeout     = 10 * time.Second
	descriptionLimit   = 200
	watchURLPrefix     = "https://www.youtube.com/watch?v="
	resultsURLTemplate = "https://www.youtube.com/results?search_query=%s"
)

type Video struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Channel     string `json:"channel"`
	Thumbnail   string `json:"thumbnail"`
	Description string `json:"description"`
}

// Query describes one search. Zero values use relevance ordering, medium
// duration and the client's configured result count.
type Query struct {
	Text       string
	MaxResults int
	Order      string
	Duration   string
}

type Options struct {
	APIKey     string
	APIBase    string
	MaxResults int
	Timeout    time.Duration
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		APIKey:     cfg.YouTube.APIKey,
		APIBase:    cfg.YouTube.APIBase,
		MaxResults: cfg.YouTube.MaxResults,
		Timeout:    cfg.YouTubeTimeout(),
		CacheSize:  cfg.YouTube.CacheSize,
		CacheTTL:   cfg.YouTubeCacheTTL(),
	}
}

type Client struct {
	apiKey     string
	apiBase    string
	maxResults int
	httpClient *http.Client
	cache      *expirable.LRU[string, []Video]
}

func New(opts Options) *Client {
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		apiBase:    apiBase,
		maxResults: maxResults,
		httpClient: httpClient,
	}
	if opts.CacheSize > 0 {
		c.cache = expirable.NewLRU[string, []Video](opts.CacheSize, nil, opts.CacheTTL)
	}
	return c
}

// Enabled reports whether an API key is configured. Placeholder keys left
// over from templates count as missing.
func (c *Client) Enabled() bool {
	if c == nil || c.apiKey == "" {
		return false
	}
	return !strings.HasPrefix(c.apiKey, "YOUR_") && !strings.HasPrefix(c.apiKey, "<")
}

func (c *Client) Search(ctx context.Context, q Query) ([]Video, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("youtube api key not configured")
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if q.MaxResults <= 0 || q.MaxResults > c.maxResults {
		q.MaxResults = c.maxResults
	}
	if q.Order == "" {
		q.Order = "relevance"
	}
	if q.Duration == "" {
		q.Duration = "medium"
	}

	cacheKey := strings.ToLower(text) + "|" + strconv.Itoa(q.MaxResults) + "|" + q.Order + "|" + q.Duration
	if c.cache != nil {
		if videos, ok := c.cache.Get(cacheKey); ok {
			logger.DebugCF("videosearch", "Cache hit", map[string]interface{}{"query": text})
			return videos, nil
		}
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("q", text)
	params.Set("type", "video")
	params.Set("maxResults", strconv.Itoa(q.MaxResults))
	params.Set("order", q.Order)
	params.Set("videoDuration", q.Duration)
	params.Set("videoDefinition", "any")
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("youtube api returned status %d: %s", resp.StatusCode, apiErrorMessage(body))
	}

	var searchResp struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title        string `json:"title"`
				Description  string `json:"description"`
				ChannelTitle string `json:"channelTitle"`
				Thumbnails   map[string]struct {
					URL string `json:"url"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	videos := make([]Video, 0, len(searchResp.Items))
	for _, item := range searchResp.Items {
		if item.ID.VideoID == "" {
			continue
		}
		thumb := item.Snippet.Thumbnails["medium"].URL
		if thumb == "" {
			thumb = item.Snippet.Thumbnails["default"].URL
		}
		videos = append(videos, Video{
			ID:          item.ID.VideoID,
			Title:       item.Snippet.Title,
			URL:         watchURLPrefix + item.ID.VideoID,
			Channel:     item.Snippet.ChannelTitle,
			Thumbnail:   thumb,
			Description: truncate(item.Snippet.Description, descriptionLimit),
		})
		if len(videos) >= q.MaxResults {
			break
		}
	}

	if c.cache != nil {
		c.cache.Add(cacheKey, videos)
	}
	return videos, nil
}

// SearchURL returns the public YouTube results page for query.
func SearchURL(query string) string {
	return fmt.Sprintf(resultsURLTemplate, url.QueryEscape(strings.TrimSpace(query)))
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

func apiErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}
