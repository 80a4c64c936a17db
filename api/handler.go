package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ffbot/config"
	"ffbot/ffmpeg"
	"ffbot/job"
	"ffbot/notify"
	"ffbot/pipeline"

	"github.com/gin-gonic/gin"
)

// ChatStatus posts the status message a chat job reports into.
type ChatStatus interface {
	SendStatus(ctx context.Context, chatID int64, text string) (notify.MessageRef, error)
}

type Handler struct {
	jobs *pipeline.Manager
	hub  *Hub
	chat ChatStatus
	cfg  *config.Config
}

func NewHandler(pm *pipeline.Manager, hub *Hub, chat ChatStatus, cfg *config.Config) *Handler {
	return &Handler{
		jobs: pm,
		hub:  hub,
		chat: chat,
		cfg:  cfg,
	}
}

type JobRequest struct {
	Operation string            `json:"operation" binding:"required"`
	Inputs    []string          `json:"inputs" binding:"required,min=1"`
	Params    map[string]string `json:"params"`
	OutputExt string            `json:"outputExt" binding:"required"`
	// ChatID, when set, reports progress to and delivers the result into
	// that chat instead of keeping the output for download.
	ChatID int64 `json:"chatId"`
}

// JobResponse is a job status plus where to fetch its output.
type JobResponse struct {
	pipeline.Status
	DownloadURL string `json:"downloadUrl,omitempty"`
}

func (h *Handler) handleListOperations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": job.Operations()})
}

// handleCreateJob validates and starts a job. Without a chat the output
// is kept for download until it expires.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	preq := pipeline.Request{
		Operation: job.Operation(req.Operation),
		Inputs:    req.Inputs,
		Params:    req.Params,
		OutputExt: req.OutputExt,
		Keep:      req.ChatID == 0,
	}
	if req.ChatID != 0 {
		if h.chat == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "chat delivery is not configured"})
			return
		}
		ref, err := h.chat.SendStatus(c.Request.Context(), req.ChatID, pipeline.Label(preq.Operation)+"\nStarting...")
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to reach chat", "details": err.Error()})
			return
		}
		preq.ChatID = req.ChatID
		preq.StatusMessage = &ref
	}

	st, err := h.jobs.Submit(c.Request.Context(), preq)
	if err != nil {
		var verr *job.ValidationError
		var serr *ffmpeg.SpawnError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": verr.Field})
		case errors.Is(err, ffmpeg.ErrAtCapacity), errors.Is(err, ffmpeg.ErrInsufficientResources):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.As(err, &serr):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start job", "details": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": st.TaskID})
}

func (h *Handler) handleListJobs(c *gin.Context) {
	statuses := h.jobs.List()
	out := make([]JobResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, h.response(c, st))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleGetJobStatus(c *gin.Context) {
	st, found := h.jobs.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, h.response(c, st))
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	cancelled, err := h.jobs.Cancel(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if !cancelled {
		c.JSON(http.StatusOK, gin.H{"message": "Job already finished", "cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested", "cancelled": true})
}

// handleWatchJob streams progress events of one job over a websocket.
func (h *Handler) handleWatchJob(c *gin.Context) {
	st, found := h.jobs.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	h.hub.Serve(c.Writer, c.Request, st)
}

// handleGetFile serves a kept output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filePath, err := h.jobs.FilePath(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}

// response adds the download URL of a kept output.
func (h *Handler) response(c *gin.Context, st pipeline.Status) JobResponse {
	resp := JobResponse{Status: st}
	if st.Output == "" {
		return resp
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
	resp.DownloadURL = fmt.Sprintf("%s/api/v1/files/%s", baseURL, st.Output)
	return resp
}
