package tiktok

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/phuslu/log"

	"reelcast/internal/pipeline"
)

// Publication is the publish step's typed success payload.
type Publication struct {
	URL     string
	VideoID string
}

// Publisher pushes processed media to TikTok's content posting API using a
// credential obtained from the Manager.
type Publisher struct {
	client *Client
	creds  *Manager
	mock   bool
}

// NewPublisher wires the publisher. In mock mode it fabricates a destination
// URL without touching the network, for local development and tests.
func NewPublisher(client *Client, creds *Manager, mock bool) *Publisher {
	return &Publisher{client: client, creds: creds, mock: mock}
}

type initUploadResponse struct {
	Data struct {
		UploadURL string `json:"upload_url"`
		PublishID string `json:"publish_id"`
		VideoID   string `json:"video_id"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Publish uploads the video with the given caption and returns the
// destination URL. Auth rejections are permanent; the one proactive refresh
// inside the credential manager is the only recovery attempted.
func (p *Publisher) Publish(ctx context.Context, videoPath, title string) (Publication, error) {
	if p.mock {
		const videoID = "mock_tiktok_video_id"
		return Publication{
			URL:     "https://www.tiktok.com/@demo/video/" + videoID,
			VideoID: videoID,
		}, nil
	}

	data, err := os.ReadFile(videoPath)
	if err != nil {
		return Publication{}, pipeline.Permanentf("read video file %s: %v", videoPath, err)
	}

	cred, err := p.creds.Valid(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrAuthRejected) {
			return Publication{}, pipeline.Permanent(err)
		}
		return Publication{}, pipeline.Transient(err)
	}

	initPayload := map[string]any{
		"post_info": map[string]any{
			"title":         title,
			"privacy_level": "SELF_ONLY",
		},
		"source_info": map[string]any{
			"source":            "FILE_UPLOAD",
			"video_size":        len(data),
			"chunk_size":        len(data),
			"total_chunk_count": 1,
		},
	}
	var initResp initUploadResponse
	if err := p.client.postJSON(ctx, "/v2/post/publish/video/init/", initPayload, cred.AccessToken, &initResp); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return Publication{}, pipeline.Permanent(err)
		}
		return Publication{}, pipeline.Transientf("init upload: %v", err)
	}
	if initResp.Data.UploadURL == "" {
		return Publication{}, pipeline.Transientf("init upload returned no upload_url (%s: %s)",
			initResp.Error.Code, initResp.Error.Message)
	}

	if err := p.putVideo(ctx, initResp.Data.UploadURL, data); err != nil {
		return Publication{}, err
	}

	videoID := initResp.Data.PublishID
	if videoID == "" {
		videoID = initResp.Data.VideoID
	}
	if videoID == "" {
		videoID = "unknown_publish_id"
	}

	log.Info().Str("publish_id", videoID).Int("bytes", len(data)).Msg("published video to tiktok")
	// Publish completion is asynchronous on the platform side; the URL is
	// derived from the publish id.
	return Publication{
		URL:     "https://www.tiktok.com/@me/video/" + videoID,
		VideoID: videoID,
	}, nil
}

func (p *Publisher) putVideo(ctx context.Context, uploadURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return pipeline.Permanentf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))

	resp, err := p.client.http.Do(req)
	if err != nil {
		return pipeline.Transientf("upload video bytes: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return pipeline.Permanentf("upload rejected: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return pipeline.Transientf("upload video bytes: status %d", resp.StatusCode)
	}
	return nil
}
