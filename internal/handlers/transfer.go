package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"offlinehub/internal/database"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
	"offlinehub/internal/registry"
	"offlinehub/internal/storage"
)

// TransferHandler streams game file bytes to the client and feeds progress
// back into the registry. Transfers are long-lived and throttled by the
// client's read rate; the only explicit timeout is the stall watchdog.
type TransferHandler struct {
	logger       *zap.Logger
	registry     *registry.Registry
	db           database.Store
	storage      storage.Provider
	metrics      *metrics.Metrics
	sem          *semaphore.Weighted
	flushBytes   int64
	chunkBytes   int
	stallTimeout time.Duration
	maxRetries   int
	retryDelay   time.Duration
}

// NewTransferHandler creates the file transfer handler.
func NewTransferHandler(
	logger *zap.Logger,
	reg *registry.Registry,
	db database.Store,
	storageProvider storage.Provider,
	m *metrics.Metrics,
	maxActiveTransfers int64,
	flushBytes int64,
	chunkBytes int,
	stallTimeout time.Duration,
	maxRetries int,
	retryDelay time.Duration,
) *TransferHandler {
	return &TransferHandler{
		logger:       logger,
		registry:     reg,
		db:           db,
		storage:      storageProvider,
		metrics:      m,
		sem:          semaphore.NewWeighted(maxActiveTransfers),
		flushBytes:   flushBytes,
		chunkBytes:   chunkBytes,
		stallTimeout: stallTimeout,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
	}
}

// byteRange is a parsed, satisfiable request range.
type byteRange struct {
	start int64
	end   int64 // inclusive
}

func (br byteRange) length() int64 {
	return br.end - br.start + 1
}

// parseRange parses a "bytes=start-end" header against the object size.
// A missing header yields the full range. Returns errMalformedRange for
// syntax errors and errUnsatisfiableRange when the range lies outside the
// object.
var (
	errMalformedRange     = errors.New("malformed Range header")
	errUnsatisfiableRange = errors.New("range not satisfiable")
)

func parseRange(header string, total int64) (byteRange, error) {
	if header == "" {
		return byteRange{start: 0, end: total - 1}, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		// Multipart ranges are not supported for game transfers.
		return byteRange{}, errMalformedRange
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		// Suffix ranges ("-500") are not produced by the download client.
		return byteRange{}, errMalformedRange
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errMalformedRange
	}

	end := total - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errMalformedRange
		}
		if end > total-1 {
			end = total - 1
		}
	}

	if start >= total {
		return byteRange{}, errUnsatisfiableRange
	}
	return byteRange{start: start, end: end}, nil
}

// Download handles GET /offline/files/{gameId}/download
func (h *TransferHandler) Download(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	userID := UserID(ctx)
	gameID := mux.Vars(r)["gameId"]

	if !h.sem.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "too many active transfers")
		h.metrics.RequestsTotal.WithLabelValues("503").Inc()
		return
	}
	defer h.sem.Release(1)

	h.metrics.ActiveTransfers.Inc()
	defer h.metrics.ActiveTransfers.Dec()

	game, err := h.db.GetGame(ctx, gameID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown game %s", gameID))
			h.metrics.RequestsTotal.WithLabelValues("404").Inc()
			return
		}
		h.logger.Error("game lookup failed", zap.String("game_id", gameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		h.metrics.RequestsTotal.WithLabelValues("500").Inc()
		return
	}

	total, err := h.storage.ObjectSize(ctx, game.Bucket, game.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectMissing) {
			writeError(w, http.StatusNotFound, "game file is not available")
			h.metrics.RequestsTotal.WithLabelValues("404").Inc()
			return
		}
		h.logger.Error("object size failed", zap.String("game_id", gameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		h.metrics.RequestsTotal.WithLabelValues("500").Inc()
		return
	}

	// Range validation only needs the object size, so a bad header is
	// rejected before the record is touched.
	rng, err := parseRange(r.Header.Get("Range"), total)
	if err != nil {
		if errors.Is(err, errUnsatisfiableRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
			h.metrics.RequestsTotal.WithLabelValues("416").Inc()
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		h.metrics.RequestsTotal.WithLabelValues("400").Inc()
		return
	}

	rec, err := h.registry.GetActive(ctx, userID, gameID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active download for this game")
			h.metrics.RequestsTotal.WithLabelValues("404").Inc()
			return
		}
		h.logger.Error("active record lookup failed", zap.String("game_id", gameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		h.metrics.RequestsTotal.WithLabelValues("500").Inc()
		return
	}

	// Marks the record in_progress (or verifies it already is) and pins the
	// file size. A paused record refuses the transfer with a Conflict.
	rec, err = h.registry.Begin(ctx, rec.ID, total)
	if err != nil {
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, conflict.Error())
			h.metrics.RequestsTotal.WithLabelValues("409").Inc()
			return
		}
		h.logger.Error("transfer begin failed", zap.String("id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		h.metrics.RequestsTotal.WithLabelValues("500").Inc()
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, game.Title))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
	w.Header().Set("Accept-Ranges", "bytes")

	statusCode := http.StatusOK
	if r.Header.Get("Range") != "" {
		statusCode = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, total))
		h.metrics.RangeRequestsTotal.Inc()
	}
	w.WriteHeader(statusCode)
	h.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()

	outcome := h.stream(ctx, w, rec, game, rng, total)

	duration := time.Since(startTime)
	h.metrics.DurationHist.Observe(duration.Seconds())
	h.metrics.TransfersTotal.WithLabelValues(outcome).Inc()
	h.logger.Info("transfer finished",
		zap.String("id", rec.ID),
		zap.String("game_id", gameID),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration))
}

// stream copies the requested range to the client, committing progress to
// the registry every flushBytes. Returns the transfer outcome label.
func (h *TransferHandler) stream(ctx context.Context, w http.ResponseWriter, rec *models.DownloadRecord, game *models.GameFile, rng byteRange, total int64) string {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	var sent atomic.Int64
	ctrl := http.NewResponseController(w)

	// Stall watchdog: if no byte leaves the server for a full idle window,
	// the stream is terminated and the record marked failed. Expiring the
	// write deadline unblocks a Write sitting on a dead client socket;
	// cancelling the context alone would leave it stuck.
	stalled := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.stallTimeout)
		defer ticker.Stop()
		var last int64 = -1
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				cur := sent.Load()
				if cur == last {
					close(stalled)
					_ = ctrl.SetWriteDeadline(time.Now())
					cancelStream()
					return
				}
				last = cur
			}
		}
	}()

	committed := rec.DownloadedBytes

	copyErr := h.copyRange(streamCtx, w, game, rng, &sent, func(cumulative int64) {
		// Progress only moves forward; a re-downloaded range below the
		// committed offset is not a regression, just nothing to report.
		if cumulative > committed {
			if _, err := h.registry.UpdateProgress(streamCtx, rec.ID, cumulative, ""); err != nil {
				h.logger.Warn("progress flush failed", zap.String("id", rec.ID), zap.Error(err))
			} else {
				committed = cumulative
			}
		}
	})

	h.metrics.BytesSentHist.Observe(float64(sent.Load()))

	// Detached context: the request context is gone on disconnect/stall but
	// the record still has to be settled.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case <-stalled:
		h.metrics.StallsTotal.Inc()
		if _, err := h.registry.Fail(finishCtx, rec.ID, "stalled"); err != nil {
			h.logger.Warn("failed to mark stalled download", zap.String("id", rec.ID), zap.Error(err))
		}
		return "stalled"
	default:
	}

	if copyErr != nil {
		if ctx.Err() != nil || isClientWriteError(copyErr) {
			// Client went away: keep the committed progress so a later
			// Range request resumes from that offset.
			h.metrics.ClientDisconnectsTotal.Inc()
			h.logger.Warn("client disconnected",
				zap.String("id", rec.ID), zap.Int64("sent", sent.Load()), zap.Error(copyErr))
			return "interrupted"
		}

		// Server-side I/O error after exhausting retries.
		if _, err := h.registry.Fail(finishCtx, rec.ID, copyErr.Error()); err != nil {
			h.logger.Warn("failed to mark failed download", zap.String("id", rec.ID), zap.Error(err))
		}
		return "failed"
	}

	cumulative := rng.start + sent.Load()
	if cumulative >= total {
		// Explicit mark so zero-byte files complete too; a mid-stream flush
		// that already landed on the full size makes this a terminal
		// Conflict, which is fine.
		if _, err := h.registry.UpdateProgress(finishCtx, rec.ID, total, models.StatusCompleted); err != nil && !registry.IsConflict(err) {
			h.logger.Warn("completion update failed", zap.String("id", rec.ID), zap.Error(err))
		}
		return "completed"
	}

	// A partial range finished cleanly; commit whatever is new.
	if cumulative > committed {
		if _, err := h.registry.UpdateProgress(finishCtx, rec.ID, cumulative, ""); err != nil {
			h.logger.Warn("final progress update failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	return "partial"
}

// copyRange streams rng from storage to the client, re-opening the object
// at the current offset after transient read errors. flush is called with
// the cumulative file offset every flushBytes.
func (h *TransferHandler) copyRange(ctx context.Context, w io.Writer, game *models.GameFile, rng byteRange, sent *atomic.Int64, flush func(cumulative int64)) error {
	buf := make([]byte, h.chunkBytes)
	var sinceFlush int64

	for attempt := 0; ; attempt++ {
		offset := rng.start + sent.Load()
		remaining := rng.end - offset + 1
		if remaining <= 0 {
			return nil
		}

		body, err := h.storage.GetObjectRange(ctx, game.Bucket, game.StoragePath, offset, remaining)
		if err != nil {
			return fmt.Errorf("open storage object: %w", err)
		}

		readErr := func() error {
			defer body.Close()
			for {
				n, err := body.Read(buf)
				if n > 0 {
					if _, werr := w.Write(buf[:n]); werr != nil {
						return &clientWriteError{err: werr}
					}
					sent.Add(int64(n))
					sinceFlush += int64(n)
					if sinceFlush >= h.flushBytes {
						flush(rng.start + sent.Load())
						sinceFlush = 0
					}
				}
				if err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
			}
		}()

		if readErr == nil {
			if rng.start+sent.Load() <= rng.end {
				// Storage returned EOF early; treat as a transient error.
				readErr = io.ErrUnexpectedEOF
			} else {
				return nil
			}
		}

		if isClientWriteError(readErr) || ctx.Err() != nil {
			return readErr
		}

		if attempt >= h.maxRetries {
			return fmt.Errorf("storage read failed after %d retries: %w", h.maxRetries, readErr)
		}

		// Exponential backoff before re-opening at the current offset.
		delay := h.retryDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// clientWriteError marks a failure writing to the client socket, as opposed
// to reading from storage.
type clientWriteError struct {
	err error
}

func (e *clientWriteError) Error() string {
	return e.err.Error()
}

func (e *clientWriteError) Unwrap() error {
	return e.err
}

func isClientWriteError(err error) bool {
	var cwe *clientWriteError
	return errors.As(err, &cwe)
}
