package gemini

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/queue"
)

// taskPayload is the generation request carried inside a task's payload
// blob. The queue never inspects it; only this package does.
type taskPayload struct {
	Prompt          string   `json:"prompt"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	StartImage      string   `json:"start_image,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	OutputFile      string   `json:"output_file,omitempty"`
}

// defaultNegativePrompt keeps Veo from adding a soundtrack; dialogue and
// ambient sound are described in the prompt itself.
const defaultNegativePrompt = "background music, BGM, soundtrack, musical accompaniment"

func parsePayload(task *queue.Task) (*taskPayload, error) {
	if len(task.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", generation.ErrInvalidPayload)
	}

	var p taskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("%w: missing prompt", generation.ErrInvalidPayload)
	}
	return &p, nil
}

// aspectRatioFor picks the frame shape for a task. The payload may override;
// otherwise the task type decides: character sheets are portrait cards,
// scene and clue imagery is widescreen, narration clips are vertical.
func aspectRatioFor(task *queue.Task, p *taskPayload) string {
	if p.AspectRatio != "" {
		return p.AspectRatio
	}
	switch {
	case strings.Contains(task.TaskType, "character"):
		return "3:4"
	case strings.Contains(task.TaskType, "narration"):
		return "9:16"
	default:
		return "16:9"
	}
}

// normalizeDuration clamps a requested video length to the durations Veo
// accepts (4, 6 or 8 seconds), rounding up.
func normalizeDuration(seconds int) int {
	switch {
	case seconds <= 0:
		return 8
	case seconds <= 4:
		return 4
	case seconds <= 6:
		return 6
	default:
		return 8
	}
}

// outputPath decides where a task's artifact lands. Payload overrides are
// taken relative to the output dir; the default is
// <outputDir>/<project>/<task_type>/<resource_id>.<ext>.
func outputPath(outputDir string, task *queue.Task, p *taskPayload, ext string) string {
	if p.OutputFile != "" {
		if filepath.IsAbs(p.OutputFile) {
			return p.OutputFile
		}
		return filepath.Join(outputDir, p.OutputFile)
	}
	return filepath.Join(outputDir, task.ProjectName, task.TaskType, task.ResourceID+ext)
}

// extensionForMIME maps an image MIME type to a file extension.
func extensionForMIME(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// mimeForPath maps a reference image path to its MIME type.
func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}
