// Package instagram resolves reel URLs to media and downloads the video
// bytes.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"

	"reelcast/internal/pipeline"
)

const defaultBaseURL = "https://www.instagram.com"

// browser-like UA; the web endpoints reject obvious bots outright.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Client fetches reel metadata and media from Instagram's web endpoints.
type Client struct {
	http    *http.Client
	baseURL string
}

// DownloadResult is the download step's typed success payload.
type DownloadResult struct {
	VideoPath string
	Shortcode string
	MediaID   string
}

// New builds a client against instagram.com.
func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: defaultBaseURL,
	}
}

// NewWithBaseURL points the client at an alternate host, used by tests.
func NewWithBaseURL(baseURL string, timeout time.Duration) *Client {
	c := New(timeout)
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// ParseShortcode extracts the shortcode from a reel/post/tv URL. A URL that
// cannot name a post is a caller error, never retried.
func ParseShortcode(sourceURL string) (string, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return "", pipeline.Permanentf("parse source url: %v", err)
	}
	if !strings.Contains(parsed.Host, "instagram.com") {
		return "", pipeline.Permanentf("only instagram.com URLs are supported, got host %q", parsed.Host)
	}
	parts := []string{}
	for _, p := range strings.Split(parsed.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 || (parts[0] != "reel" && parts[0] != "p" && parts[0] != "tv") {
		return "", pipeline.Permanentf("invalid instagram URL format, expected https://www.instagram.com/reel/<shortcode>/")
	}
	code := strings.TrimSpace(parts[1])
	if code == "" {
		return "", pipeline.Permanentf("missing instagram shortcode in URL")
	}
	return code, nil
}

// postInfo is the subset of the web metadata response we rely on.
type postInfo struct {
	Items []struct {
		ID            string      `json:"id"`
		PK            json.Number `json:"pk"`
		MediaType     int         `json:"media_type"`
		VideoVersions []struct {
			URL string `json:"url"`
		} `json:"video_versions"`
	} `json:"items"`
}

// Download resolves the source URL and writes the reel's video to destDir.
func (c *Client) Download(ctx context.Context, sourceURL, destDir string) (DownloadResult, error) {
	code, err := ParseShortcode(sourceURL)
	if err != nil {
		return DownloadResult{}, err
	}

	log.Info().Str("shortcode", code).Msg("resolving instagram reel")
	info, err := c.fetchPostInfo(ctx, code)
	if err != nil {
		return DownloadResult{}, err
	}
	if len(info.Items) == 0 {
		return DownloadResult{}, pipeline.Permanentf("instagram post %s has no media items", code)
	}
	item := info.Items[0]
	if len(item.VideoVersions) == 0 {
		return DownloadResult{}, pipeline.Permanentf("instagram post %s is not a video", code)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return DownloadResult{}, pipeline.Transientf("create download dir: %v", err)
	}
	videoPath := filepath.Join(destDir, code+".mp4")
	if err := c.fetchVideo(ctx, item.VideoVersions[0].URL, videoPath); err != nil {
		return DownloadResult{}, err
	}

	mediaID := item.ID
	if mediaID == "" {
		mediaID = item.PK.String()
	}
	return DownloadResult{VideoPath: videoPath, Shortcode: code, MediaID: mediaID}, nil
}

func (c *Client) fetchPostInfo(ctx context.Context, code string) (postInfo, error) {
	endpoint := fmt.Sprintf("%s/reel/%s/?__a=1&__d=dis", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return postInfo{}, pipeline.Permanentf("build metadata request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return postInfo{}, pipeline.Transientf("fetch post metadata: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return postInfo{}, pipeline.Permanentf("instagram post %s not found (status %d)", code, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return postInfo{}, pipeline.Transientf("instagram metadata request rate-limited or failing (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return postInfo{}, pipeline.Permanentf("instagram metadata request rejected (status %d)", resp.StatusCode)
	}

	var info postInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		// Instagram serves an HTML login wall instead of JSON when it
		// throttles anonymous clients.
		return postInfo{}, pipeline.Transientf("decode post metadata: %v", err)
	}
	return info, nil
}

func (c *Client) fetchVideo(ctx context.Context, videoURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return pipeline.Permanentf("build video request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.Transientf("download video: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return pipeline.Transientf("download video: status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return pipeline.Transientf("create video file: %v", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return pipeline.Transientf("write video file: %v", err)
	}
	if n == 0 {
		return pipeline.Transientf("downloaded video file is empty")
	}
	return nil
}
