package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/objq/api"
	"pkt.systems/objq/internal/queue"
	"pkt.systems/objq/internal/svcfields"
)

// handleCreateQueue creates the queue container, or touches an existing one.
func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) error {
	account, name := r.PathValue("account"), r.PathValue("queue")
	if err := h.queue.EnsureQueue(r.Context(), account, name); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.CreateQueueResponse{Queue: api.QueueInfo{Name: name}}, nil)
	return nil
}

// handleDeleteQueue always refuses: queues are never removed through the API.
func (h *Handler) handleDeleteQueue(http.ResponseWriter, *http.Request) error {
	return httpError{
		Status: http.StatusBadRequest,
		Code:   "unsupported",
		Detail: "queue deletion is not supported",
	}
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) error {
	names, err := h.queue.ListQueues(r.Context(), r.PathValue("account"))
	if err != nil {
		return err
	}
	resp := api.ListQueuesResponse{Queues: make([]api.QueueInfo, 0, len(names))}
	for _, name := range names {
		resp.Queues = append(resp.Queues, api.QueueInfo{Name: name})
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleEnqueue stores the request body as a new message. The request
// Content-Type is kept and replayed on delivery.
func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	body := r.Body
	if h.maxPayload > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "payload_too_large",
				Detail: fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit),
			}
		}
		return fmt.Errorf("read enqueue body: %w", err)
	}
	id, err := h.queue.Enqueue(ctx, r.PathValue("account"), r.PathValue("queue"), payload, queue.EnqueueOptions{
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.EnqueueResponse{Message: api.MessageRef{ID: id}}, nil)
	return nil
}

// handleClaimNext claims the oldest available message. 204 means the queue
// had nothing to deliver within the requested wait.
func (h *Handler) handleClaimNext(w http.ResponseWriter, r *http.Request) error {
	lease, err := parseDurationParam(r, api.QueryLease)
	if err != nil {
		return err
	}
	wait, err := parseDurationParam(r, api.QueryWait)
	if err != nil {
		return err
	}
	msg, found, err := h.queue.ClaimNext(r.Context(), r.PathValue("account"), r.PathValue("queue"), queue.ClaimOptions{
		Lease: lease,
		Wait:  wait,
	})
	if err != nil {
		return err
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	return h.writeMessage(w, r, msg)
}

func (h *Handler) handleClaimByID(w http.ResponseWriter, r *http.Request) error {
	lease, err := parseDurationParam(r, api.QueryLease)
	if err != nil {
		return err
	}
	msg, err := h.queue.ClaimByID(r.Context(), r.PathValue("account"), r.PathValue("queue"), r.PathValue("id"), queue.ClaimOptions{
		Lease: lease,
	})
	if err != nil {
		return err
	}
	return h.writeMessage(w, r, msg)
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	deleted, err := h.queue.Acknowledge(r.Context(), r.PathValue("account"), r.PathValue("queue"), id)
	if err != nil {
		return err
	}
	if !deleted {
		return httpError{
			Status: http.StatusNotFound,
			Code:   "not_found",
			Detail: fmt.Sprintf("message %s already deleted or absent", id),
		}
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) writeMessage(w http.ResponseWriter, r *http.Request, msg *queue.Message) error {
	header := w.Header()
	header.Set(api.HeaderMessageID, msg.ID)
	header.Set(api.HeaderClaimKey, msg.ClaimKey)
	header.Set(api.HeaderLeaseExpires, msg.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if !msg.EnqueuedAt.IsZero() {
		header.Set(api.HeaderEnqueuedAt, msg.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(msg.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg.Body); err != nil {
		svcfields.Logger(r.Context(), h.logger).Debug("http.message.write_failed", "mid", msg.ID, "error", err)
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			svcfields.Logger(r.Context(), h.logger).Warn("http.ready.failed", "error", err)
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error()}
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
