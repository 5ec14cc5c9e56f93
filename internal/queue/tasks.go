package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeFetchImage = "image:fetch"

// FetchImagePayload asks a worker to acquire URL under Name, apply the
// pipeline and overlays, and report the outcome to WebhookURL.
type FetchImagePayload struct {
	ImageID      string                `json:"image_id"`
	URL          string                `json:"url"`
	Name         string                `json:"name,omitempty"`
	Pipeline     []domain.PipelineStep `json:"pipeline,omitempty"`
	TextOverlays []domain.TextOverlay  `json:"text_overlays,omitempty"`
	WebhookURL   string                `json:"webhook_url,omitempty"`
	RequestedAt  time.Time             `json:"requested_at"`
}

func NewFetchImageTask(payload FetchImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal fetch payload: %w", err)
	}
	return asynq.NewTask(TypeFetchImage, body), nil
}

func ParseFetchImagePayload(task *asynq.Task) (FetchImagePayload, error) {
	var payload FetchImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FetchImagePayload{}, fmt.Errorf("unmarshal fetch payload: %w", err)
	}
	return payload, nil
}
