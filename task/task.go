package task

import (
	"context"
	"time"

	"ffcompress/compression"
	"ffcompress/ffmpeg"
	"ffcompress/media"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProbing    Status = "probing"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Task is one compression job: import, probe, encode.
type Task struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Spec        compression.Spec  `json:"spec"`
	Preview     bool              `json:"preview"`
	InputMedia  string            `json:"-"`
	InputPath   string            `json:"-"` // Local file handed to ffprobe/ffmpeg
	Source      *media.Descriptor `json:"source,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Progress    *ffmpeg.Sample    `json:"progress,omitempty"`
	OutputPath  string            `json:"-"`
	OutputName  string            `json:"outputName,omitempty"`
	OutputSize  int64             `json:"outputSize,omitempty"`
	DownloadURL string            `json:"downloadUrl,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"errorKind,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	CompletedAt time.Time         `json:"completedAt,omitempty"`

	ownsInput  bool
	encoder    Encoder
	cancelFunc context.CancelFunc
}

// snapshot copies the exported state. Callers must hold the manager lock.
func (t *Task) snapshot() *Task {
	c := &Task{
		ID:          t.ID,
		Status:      t.Status,
		Spec:        t.Spec,
		Preview:     t.Preview,
		InputMedia:  t.InputMedia,
		InputPath:   t.InputPath,
		OutputPath:  t.OutputPath,
		OutputName:  t.OutputName,
		OutputSize:  t.OutputSize,
		DownloadURL: t.DownloadURL,
		Error:       t.Error,
		ErrorKind:   t.ErrorKind,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Source != nil {
		src := *t.Source
		c.Source = &src
	}
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	c.Warnings = append([]string(nil), t.Warnings...)
	return c
}

// EventType distinguishes stream events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
)

// Event is published to subscribers whenever a task changes.
type Event struct {
	Type EventType `json:"type"`
	Task *Task     `json:"task"`
}
