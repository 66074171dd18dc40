package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ffcompress/compression"
	"ffcompress/config"
	"ffcompress/failure"
	"ffcompress/ffmpeg"
	"ffcompress/media"
	"ffcompress/task"
	"ffcompress/toolchain"
)

type Handler struct {
	taskManager *task.Manager
	prober      task.Prober
	cfg         *config.Config
	extraArgs   []string
	logger      zerolog.Logger
}

func NewHandler(tm *task.Manager, prober task.Prober, cfg *config.Config, extraArgs []string, logger zerolog.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		prober:      prober,
		cfg:         cfg,
		extraArgs:   extraArgs,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

type TaskRequest struct {
	InputMedia string            `json:"inputMedia" binding:"required"`
	Spec       *compression.Spec `json:"spec" binding:"required"`
	Preview    bool              `json:"preview"`
}

type ProbeRequest struct {
	Path string `json:"path" binding:"required"`
}

// EstimateRequest describes the source either by path, which is probed, or
// by an already known descriptor.
type EstimateRequest struct {
	Path    string            `json:"path"`
	Source  *media.Descriptor `json:"source"`
	Spec    *compression.Spec `json:"spec" binding:"required"`
	Preview bool              `json:"preview"`
}

type EstimateResponse struct {
	Mode             compression.Mode            `json:"mode"`
	Suffix           string                      `json:"suffix"`
	VideoBitrateKbps int                         `json:"videoBitrateKbps,omitempty"`
	BitrateFloored   bool                        `json:"bitrateFloored,omitempty"`
	Quality          compression.QualityEstimate `json:"quality,omitempty"`
	Warnings         []string                    `json:"warnings"`
	Command          string                      `json:"command"`
	Source           media.Descriptor            `json:"source"`
}

// statusFor maps a failure kind onto an HTTP status.
func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.InvalidInput:
		return http.StatusBadRequest
	case failure.DecodeFailure:
		return http.StatusUnprocessableEntity
	case failure.BinaryNotFound:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": failure.KindOf(err)})
}

// handleHealth reports whether ffmpeg and ffprobe can be found.
func (h *Handler) handleHealth(c *gin.Context) {
	tools := toolchain.Check(toolchain.Requirements(h.cfg.FFBin, h.cfg.FFProbeBin))
	status, code := "ok", http.StatusOK
	for _, tool := range tools {
		if !tool.Available {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"status": status, "tools": tools})
}

// handleProbe describes a file on the server.
func (h *Handler) handleProbe(c *gin.Context) {
	var req ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	desc, err := h.prober.Probe(c.Request.Context(), req.Path)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

// handleEstimate previews what a spec would do to a source without encoding.
func (h *Handler) handleEstimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := *req.Spec
	if err := spec.Validate(); err != nil {
		h.respondError(c, err)
		return
	}

	var desc media.Descriptor
	switch {
	case req.Source != nil:
		desc = *req.Source
	case req.Path != "":
		probed, err := h.prober.Probe(c.Request.Context(), req.Path)
		if err != nil {
			h.respondError(c, err)
			return
		}
		desc = probed
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either path or source is required"})
		return
	}

	resp := EstimateResponse{
		Mode:     spec.Mode(),
		Suffix:   spec.Suffix(),
		Warnings: spec.Warnings(desc),
		Source:   desc,
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if ts, ok := spec.Settings.(compression.TargetSize); ok {
		resp.VideoBitrateKbps = ts.VideoBitrate(desc.Duration)
		resp.BitrateFloored = ts.VideoBitrateFloored(desc.Duration)
		resp.Quality = ts.EstimateQuality(desc)
	}
	args := ffmpeg.WithExtraArgs(ffmpeg.BuildArgs(spec, desc, "output.mp4", req.Preview), h.extraArgs)
	resp.Command = ffmpeg.CommandLine(h.ffmpegBinary(), args)

	c.JSON(http.StatusOK, resp)
}

// ffmpegBinary names the executable an encode would run, falling back to the
// configured name when it cannot be resolved.
func (h *Handler) ffmpegBinary() string {
	if binary, err := toolchain.Resolve(h.cfg.FFBin, "ffmpeg"); err == nil {
		return binary
	}
	if name := strings.TrimSpace(h.cfg.FFBin); name != "" {
		return name
	}
	return "ffmpeg"
}

// handleCreateTask accepts a JSON body naming the input, or a multipart
// upload with "file", "spec" and optional "preview" fields.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var (
		t   *task.Task
		err error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		t, err = h.createFromUpload(c)
	} else {
		var req TaskRequest
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": bindErr.Error()})
			return
		}
		t, err = h.taskManager.Submit(*req.Spec, req.InputMedia, req.Preview)
	}
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

func (h *Handler) createFromUpload(c *gin.Context) (*task.Task, error) {
	var spec compression.Spec
	if err := json.Unmarshal([]byte(c.PostForm("spec")), &spec); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, "parse spec", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	preview, _ := strconv.ParseBool(c.DefaultPostForm("preview", "false"))

	file, err := c.FormFile("file")
	if err != nil {
		return nil, failure.Wrap(failure.InvalidInput, "upload", err)
	}
	if h.cfg.MaxInputSize > 0 && file.Size > h.cfg.MaxInputSize {
		return nil, failure.New(failure.InvalidInput, "upload",
			fmt.Sprintf("input file size %d exceeds limit of %d bytes", file.Size, h.cfg.MaxInputSize))
	}
	path := h.taskManager.UploadPath(file.Filename)
	if err := c.SaveUploadedFile(file, path); err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return h.taskManager.SubmitUpload(spec, path, preview)
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.taskManager.List()
	for _, t := range tasks {
		h.buildDownloadURL(c, t)
	}
	c.JSON(http.StatusOK, tasks)
}

// buildDownloadURL constructs the full URL for a completed task's file.
func (h *Handler) buildDownloadURL(c *gin.Context, t *task.Task) {
	if t.Status != task.StatusCompleted || t.OutputName == "" {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	t.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", baseURL, t.OutputName)
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	t, found := h.taskManager.Get(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	h.buildDownloadURL(c, t)
	c.JSON(http.StatusOK, t)
}

// handleTaskEvents streams task changes as server-sent events until the
// task finishes or the client goes away.
func (h *Handler) handleTaskEvents(c *gin.Context) {
	events, unsubscribe, err := h.taskManager.Subscribe(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	defer unsubscribe()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			h.buildDownloadURL(c, ev.Task)
			c.SSEvent(string(ev.Type), ev.Task)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleCancelTask cancels a task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	err := h.taskManager.Cancel(taskID)
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

// handleGetFile serves a completed output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.taskManager.GetFilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}
