package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/queue"
)

const (
	// videoPollInterval is how often a pending Veo operation is polled.
	videoPollInterval = 10 * time.Second

	// videoMaxWait bounds a single video generation end to end.
	videoMaxWait = 10 * time.Minute
)

// MediaGenerator implements generation.Executor against the Gemini API.
// Image tasks call the image model synchronously; video tasks start a Veo
// operation and poll it to completion.
type MediaGenerator struct {
	logger *slog.Logger
	config config.LLMConfig
	client *genai.Client
}

// NewMediaGenerator creates a MediaGenerator with the provided dependencies.
func NewMediaGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*MediaGenerator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ImageModel == "" {
		return nil, fmt.Errorf("%w: image model cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.VideoModel == "" {
		return nil, fmt.Errorf("%w: video model cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("%w: output directory cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return &MediaGenerator{
		logger: logger.With("component", "media_generator"),
		config: cfg,
		client: client,
	}, nil
}

// Execute runs one claimed task against the provider and returns the result
// blob recorded on the task.
func (g *MediaGenerator) Execute(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	payload, err := parsePayload(task)
	if err != nil {
		return nil, err
	}

	switch task.MediaType {
	case queue.MediaTypeImage:
		return g.generateImage(ctx, task, payload)
	case queue.MediaTypeVideo:
		return g.generateVideo(ctx, task, payload)
	default:
		return nil, fmt.Errorf("%w: %q", generation.ErrUnsupportedTask, task.MediaType)
	}
}

func (g *MediaGenerator) generateImage(ctx context.Context, task *queue.Task, payload *taskPayload) (json.RawMessage, error) {
	aspectRatio := aspectRatioFor(task, payload)

	parts := []*genai.Part{
		genai.NewPartFromText(payload.Prompt + "\n\nAspect ratio: " + aspectRatio),
	}
	for _, ref := range payload.ReferenceImages {
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: reference image %s: %v", generation.ErrInvalidPayload, ref, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeForPath(ref)))
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	genConfig := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	var imageData []byte
	var mimeType string
	err := g.withRetry(ctx, task.ID, func() error {
		resp, err := g.client.Models.GenerateContent(ctx, g.config.ImageModel, contents, genConfig)
		if err != nil {
			return err
		}

		data, mime, err := extractImage(resp)
		if err != nil {
			return err
		}
		imageData = data
		mimeType = mime
		return nil
	})
	if err != nil {
		return nil, err
	}

	path := outputPath(g.config.OutputDir, task, payload, extensionForMIME(mimeType))
	if err := writeArtifact(path, imageData); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "image generated",
		"task_id", task.ID,
		"file_path", path,
		"bytes", len(imageData))

	return resultBlob(path)
}

// extractImage pulls the first inline image out of a model response.
func extractImage(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, "", fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, "", generation.ErrContentBlocked
	}
	if candidate.Content == nil {
		return nil, "", fmt.Errorf("%w: empty content", generation.ErrInvalidResponse)
	}

	for _, part := range candidate.Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, part.InlineData.MIMEType, nil
		}
	}
	return nil, "", fmt.Errorf("%w: no image in response", generation.ErrInvalidResponse)
}

func (g *MediaGenerator) generateVideo(ctx context.Context, task *queue.Task, payload *taskPayload) (json.RawMessage, error) {
	duration := int32(normalizeDuration(payload.DurationSeconds))
	negativePrompt := payload.NegativePrompt
	if negativePrompt == "" {
		negativePrompt = defaultNegativePrompt
	}

	videoConfig := &genai.GenerateVideosConfig{
		NumberOfVideos:  1,
		AspectRatio:     aspectRatioFor(task, payload),
		DurationSeconds: &duration,
		NegativePrompt:  negativePrompt,
	}

	var startImage *genai.Image
	if payload.StartImage != "" {
		data, err := os.ReadFile(payload.StartImage)
		if err != nil {
			return nil, fmt.Errorf("%w: start image %s: %v", generation.ErrInvalidPayload, payload.StartImage, err)
		}
		startImage = &genai.Image{
			ImageBytes: data,
			MIMEType:   mimeForPath(payload.StartImage),
		}
	}

	var videoData []byte
	err := g.withRetry(ctx, task.ID, func() error {
		operation, err := g.client.Models.GenerateVideos(ctx, g.config.VideoModel, payload.Prompt, startImage, videoConfig)
		if err != nil {
			return err
		}

		operation, err = g.pollVideoOperation(ctx, task.ID, operation)
		if err != nil {
			return err
		}

		data, err := g.videoBytes(ctx, operation)
		if err != nil {
			return err
		}
		videoData = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	path := outputPath(g.config.OutputDir, task, payload, ".mp4")
	if err := writeArtifact(path, videoData); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "video generated",
		"task_id", task.ID,
		"file_path", path,
		"bytes", len(videoData),
		"duration_seconds", duration)

	return resultBlob(path)
}

// videoBytes extracts the finished video from a completed operation,
// downloading the payload when the operation carries only a reference.
func (g *MediaGenerator) videoBytes(ctx context.Context, operation *genai.GenerateVideosOperation) ([]byte, error) {
	if operation.Response == nil || len(operation.Response.GeneratedVideos) == 0 {
		return nil, fmt.Errorf("%w: no videos in operation response", generation.ErrInvalidResponse)
	}

	video := operation.Response.GeneratedVideos[0].Video
	if video == nil {
		return nil, fmt.Errorf("%w: missing video reference", generation.ErrInvalidResponse)
	}
	if len(video.VideoBytes) == 0 {
		// Download populates VideoBytes on the reference.
		if _, err := g.client.Files.Download(ctx, video, nil); err != nil {
			return nil, fmt.Errorf("download generated video: %w", err)
		}
	}
	if len(video.VideoBytes) == 0 {
		return nil, fmt.Errorf("%w: empty video payload", generation.ErrInvalidResponse)
	}
	return video.VideoBytes, nil
}

// pollVideoOperation waits for a Veo operation to complete, bounded by
// videoMaxWait.
func (g *MediaGenerator) pollVideoOperation(
	ctx context.Context,
	taskID string,
	operation *genai.GenerateVideosOperation,
) (*genai.GenerateVideosOperation, error) {
	deadline := time.Now().Add(videoMaxWait)

	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: video generation exceeded %s", generation.ErrTransientFailure, videoMaxWait)
		}

		select {
		case <-time.After(videoPollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", generation.ErrTransientFailure, ctx.Err())
		}

		var err error
		operation, err = g.client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, err
		}
		g.logger.DebugContext(ctx, "video operation pending", "task_id", taskID)
	}

	return operation, nil
}

// withRetry runs fn with exponential backoff and jitter for transient
// provider errors. Permanent errors (blocked content, malformed responses,
// bad payloads) return immediately.
func (g *MediaGenerator) withRetry(ctx context.Context, taskID string, fn func() error) error {
	maxRetries := g.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 3
	}
	baseDelaySeconds := g.config.RetryDelaySeconds
	if baseDelaySeconds < 1 {
		baseDelaySeconds = 2
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, generation.ErrContentBlocked) ||
			errors.Is(err, generation.ErrInvalidResponse) ||
			errors.Is(err, generation.ErrInvalidPayload) {
			return err
		}
		if !isTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%w: exceeded %d attempts: %v", generation.ErrTransientFailure, maxRetries+1, err)
		}

		// delay = baseDelay * 2^attempt * (0.5 + rand(0, 0.5))
		backoffSeconds := float64(baseDelaySeconds) * math.Pow(2, float64(attempt))
		delay := time.Duration(backoffSeconds * (0.5 + rng.Float64()*0.5) * float64(time.Second))

		g.logger.WarnContext(ctx, "provider call failed, retrying",
			"task_id", taskID,
			"attempt", attempt+1,
			"max_attempts", maxRetries+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", generation.ErrTransientFailure, ctx.Err())
		}
	}
}

// isTransient classifies a provider error by status-code markers. Rate
// limits and server-side failures are retried; everything else is not.
func isTransient(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"429", "RESOURCE_EXHAUSTED",
		"500", "INTERNAL",
		"503", "UNAVAILABLE",
		"DEADLINE_EXCEEDED",
		"connection reset", "EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return errors.Is(err, generation.ErrTransientFailure)
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func resultBlob(path string) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]string{"file_path": path})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}
