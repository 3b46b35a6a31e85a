package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/phuslu/log"

	"reelcast/internal/caption"
	"reelcast/internal/config"
	"reelcast/internal/instagram"
	"reelcast/internal/media"
	"reelcast/internal/models"
	"reelcast/internal/pipeline"
	"reelcast/internal/telemetry"
	"reelcast/internal/tiktok"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetItem(ctx context.Context, id string) (models.Item, error)
	UpdateItemStatus(ctx context.Context, id, status string, errorMessage *string) error
	SetItemDownload(ctx context.Context, id, mediaID, shortcode string) error
	SetItemStorage(ctx context.Context, id, storageURL, coverURL string) error
	SetItemCaption(ctx context.Context, id, captionText string, hashtags []string) error
	SetItemPublication(ctx context.Context, id, destinationURL, destinationID string) error
	CreateStepJob(ctx context.Context, itemID, taskType string) (models.JobRecord, error)
	MarkJobStarted(ctx context.Context, jobID string) error
	MarkJobCompleted(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID, errorMessage string) error
}

// Downloader fetches source media.
type Downloader interface {
	Download(ctx context.Context, sourceURL, destDir string) (instagram.DownloadResult, error)
}

// MediaProcessor normalizes downloaded media.
type MediaProcessor interface {
	Process(ctx context.Context, inputPath, outputDir string) (media.Result, error)
}

// ObjectStore uploads processed media.
type ObjectStore interface {
	PutFile(ctx context.Context, localPath, key string) (string, error)
}

// Captioner produces a caption; it degrades rather than failing.
type Captioner interface {
	Generate(ctx context.Context, contextHint string) caption.Result
}

// Publisher pushes media to the destination platform.
type Publisher interface {
	Publish(ctx context.Context, videoPath, title string) (tiktok.Publication, error)
}

// Deps collects the capability implementations behind the five steps.
type Deps struct {
	Store      Store
	Downloader Downloader
	Processor  MediaProcessor
	Objects    ObjectStore
	Captioner  Captioner
	Publisher  Publisher
}

// Pipeline drives one item through download, process, store, caption, and
// publish, writing a job record per step attempt. The caller guarantees at
// most one in-flight run per item.
type Pipeline struct {
	deps    Deps
	retry   RetryPolicy
	workDir string
	sleep   func(time.Duration)
}

// NewPipeline wires the orchestrator from config.
func NewPipeline(cfg config.Config, deps Deps) *Pipeline {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Pipeline{
		deps: deps,
		retry: RetryPolicy{
			MaxAttempts:    cfg.StepAttempts,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
			StepTimeout:    cfg.StepTimeout,
		}.withDefaults(),
		workDir: workDir,
		sleep:   time.Sleep,
	}
}

// Run executes the full pipeline for one item. A returned error is an
// infrastructure fault: the run is abandoned with the item at its last
// persisted status, and the queue lease will make it visible again. Step
// failures are fully handled here (item marked failed) and return nil.
func (p *Pipeline) Run(ctx context.Context, itemID string) error {
	item, err := p.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load item %s: %w", itemID, err)
	}
	if item.Terminal() {
		log.Info().Str("item", itemID).Str("status", item.Status).Msg("skipping run for terminal item")
		return nil
	}

	workDir, err := os.MkdirTemp(p.workDir, "reelcast-"+itemID+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	log.Info().Str("item", itemID).Str("source_url", item.SourceURL).Msg("starting pipeline run")

	// download
	var dl instagram.DownloadResult
	err = p.runStep(ctx, itemID, models.TaskDownloadVideo, models.ItemDownloading, func(sc context.Context) error {
		var stepErr error
		dl, stepErr = p.deps.Downloader.Download(sc, item.SourceURL, filepath.Join(workDir, "src"))
		return stepErr
	})
	if err != nil {
		return p.settleFailure(ctx, itemID, models.TaskDownloadVideo, err)
	}
	if err := p.deps.Store.SetItemDownload(ctx, itemID, dl.MediaID, dl.Shortcode); err != nil {
		return fmt.Errorf("persist download result: %w", err)
	}

	// process
	var processed media.Result
	err = p.runStep(ctx, itemID, models.TaskProcessVideo, models.ItemProcessing, func(sc context.Context) error {
		var stepErr error
		processed, stepErr = p.deps.Processor.Process(sc, dl.VideoPath, filepath.Join(workDir, "out"))
		return stepErr
	})
	if err != nil {
		return p.settleFailure(ctx, itemID, models.TaskProcessVideo, err)
	}

	// store
	var storageURL, coverURL string
	err = p.runStep(ctx, itemID, models.TaskUploadStorage, models.ItemUploading, func(sc context.Context) error {
		var stepErr error
		storageURL, stepErr = p.deps.Objects.PutFile(sc, processed.VideoPath, fmt.Sprintf("videos/%s/processed.mp4", itemID))
		if stepErr != nil {
			return stepErr
		}
		if processed.CoverPath != "" {
			coverURL, stepErr = p.deps.Objects.PutFile(sc, processed.CoverPath, fmt.Sprintf("videos/%s/cover.jpg", itemID))
		}
		return stepErr
	})
	if err != nil {
		return p.settleFailure(ctx, itemID, models.TaskUploadStorage, err)
	}
	if err := p.deps.Store.SetItemStorage(ctx, itemID, storageURL, coverURL); err != nil {
		return fmt.Errorf("persist storage result: %w", err)
	}

	// caption: the generator degrades internally, so this step cannot fail.
	var capRes caption.Result
	err = p.runStep(ctx, itemID, models.TaskGenerateCaption, models.ItemCaptioning, func(sc context.Context) error {
		capRes = p.deps.Captioner.Generate(sc, item.SourceURL)
		return nil
	})
	if err != nil {
		return p.settleFailure(ctx, itemID, models.TaskGenerateCaption, err)
	}
	if err := p.deps.Store.SetItemCaption(ctx, itemID, capRes.Caption, capRes.Hashtags); err != nil {
		return fmt.Errorf("persist caption: %w", err)
	}

	// publish
	var pub tiktok.Publication
	err = p.runStep(ctx, itemID, models.TaskUploadTikTok, models.ItemPublishing, func(sc context.Context) error {
		var stepErr error
		pub, stepErr = p.deps.Publisher.Publish(sc, processed.VideoPath, postTitle(capRes))
		return stepErr
	})
	if err != nil {
		return p.settleFailure(ctx, itemID, models.TaskUploadTikTok, err)
	}
	if err := p.deps.Store.SetItemPublication(ctx, itemID, pub.URL, pub.VideoID); err != nil {
		return fmt.Errorf("persist publication: %w", err)
	}

	if err := p.deps.Store.UpdateItemStatus(ctx, itemID, models.ItemCompleted, nil); err != nil {
		return fmt.Errorf("mark item completed: %w", err)
	}
	telemetry.ItemsCompleted.Inc()
	log.Info().Str("item", itemID).Str("destination_url", pub.URL).Msg("pipeline run completed")
	return nil
}

// runStep moves the item into the step's status and executes the step with
// the uniform retry contract: a fresh job record per attempt, transient
// failures retried with backoff, permanent failures aborting immediately.
// The returned error is nil on success, a *pipeline.StepError once attempts
// are exhausted, or an abandonRunError for store faults and shutdown.
func (p *Pipeline) runStep(ctx context.Context, itemID, taskType, status string, fn func(ctx context.Context) error) error {
	if err := p.deps.Store.UpdateItemStatus(ctx, itemID, status, nil); err != nil {
		return &abandonRunError{err: fmt.Errorf("transition item to %s: %w", status, err)}
	}

	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		job, err := p.deps.Store.CreateStepJob(ctx, itemID, taskType)
		if err != nil {
			return &abandonRunError{err: fmt.Errorf("create job record for %s: %w", taskType, err)}
		}
		if err := p.deps.Store.MarkJobStarted(ctx, job.ID); err != nil {
			return &abandonRunError{err: fmt.Errorf("mark job %s started: %w", job.ID, err)}
		}

		stepCtx, cancel := context.WithTimeout(ctx, p.retry.StepTimeout)
		stepErr := fn(stepCtx)
		cancel()

		if stepErr == nil {
			if err := p.deps.Store.MarkJobCompleted(ctx, job.ID); err != nil {
				return &abandonRunError{err: fmt.Errorf("mark job %s completed: %w", job.ID, err)}
			}
			return nil
		}

		if err := p.deps.Store.MarkJobFailed(ctx, job.ID, stepErr.Error()); err != nil {
			return &abandonRunError{err: fmt.Errorf("mark job %s failed: %w", job.ID, err)}
		}
		lastErr = stepErr

		if pipeline.IsPermanent(stepErr) {
			log.Warn().Err(stepErr).Str("item", itemID).Str("task", taskType).Msg("permanent step failure")
			return stepErr
		}
		// A cancelled run context means the worker is shutting down: stop
		// retrying and abandon the run so the lease requeues it intact.
		if ctx.Err() != nil {
			return &abandonRunError{err: fmt.Errorf("run interrupted during %s: %w", taskType, ctx.Err())}
		}
		log.Warn().Err(stepErr).Str("item", itemID).Str("task", taskType).
			Int("attempt", attempt).Int("max_attempts", p.retry.MaxAttempts).Msg("transient step failure")
		if attempt < p.retry.MaxAttempts {
			telemetry.StepRetries.Inc()
			p.sleep(backoffWithJitter(p.retry.BackoffInitial, p.retry.BackoffMax, attempt))
		}
	}
	return lastErr
}

// settleFailure resolves a runStep error: abandoned runs propagate so the
// lease requeues them, step failures mark the item terminally failed.
func (p *Pipeline) settleFailure(ctx context.Context, itemID, taskType string, err error) error {
	if abandon, ok := err.(*abandonRunError); ok {
		return abandon.err
	}
	msg := fmt.Sprintf("%s: %s", taskType, err.Error())
	if uerr := p.deps.Store.UpdateItemStatus(ctx, itemID, models.ItemFailed, &msg); uerr != nil {
		return fmt.Errorf("mark item failed: %w", uerr)
	}
	telemetry.ItemsFailed.Inc()
	log.Error().Err(err).Str("item", itemID).Str("task", taskType).Msg("pipeline run failed")
	return nil
}

// abandonRunError marks a run that must not settle the item: store faults and
// worker shutdown, where the queue lease is the recovery path.
type abandonRunError struct {
	err error
}

func (e *abandonRunError) Error() string {
	return e.err.Error()
}

func (e *abandonRunError) Unwrap() error {
	return e.err
}

// postTitle composes the destination post title from the caption and its
// hashtags, bounded to the platform's 150-char title limit. The cut never
// splits a multibyte rune.
func postTitle(c caption.Result) string {
	title := c.Caption
	if len(c.Hashtags) > 0 {
		title = strings.TrimSpace(title + " " + strings.Join(c.Hashtags, " "))
	}
	if len(title) > 150 {
		cut := 150
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut]
	}
	return title
}
