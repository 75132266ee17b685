package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ocr-relay/internal/logging"
	"github.com/example/ocr-relay/internal/recognizer"
	"github.com/example/ocr-relay/internal/registry"
	"github.com/example/ocr-relay/internal/storage"
)

// ImageStore abstracts the durable upload storage used by the flow.
type ImageStore interface {
	Save(filename string, src io.Reader) (int64, error)
	Open(filename string) (io.ReadCloser, error)
	Path(filename string) (string, error)
	Remove(filename string) error
}

// ProcessingUseCase coordinates intake, dispatch to the external
// recognizer, inbound callbacks, and polling over one shared registry.
type ProcessingUseCase struct {
	registry    registry.Registry
	store       ImageStore
	client      recognizer.Client
	callbackURL string
	logger      *zap.Logger

	dispatches sync.WaitGroup
}

// NewProcessingUseCase constructs the coordination layer.
func NewProcessingUseCase(reg registry.Registry, store ImageStore, client recognizer.Client, callbackURL string, logger *zap.Logger) *ProcessingUseCase {
	return &ProcessingUseCase{
		registry:    reg,
		store:       store,
		client:      client,
		callbackURL: callbackURL,
		logger:      logger.Named("processing_usecase"),
	}
}

// Submit stores the uploaded image, registers a pending record, and
// launches the recognizer dispatch in the background. It returns as
// soon as the pending state is recorded; it never waits on the outbound
// call. When dispatch setup fails before the call can even start, the
// record is moved to error before returning, so the acknowledgment the
// client receives already reflects the failure.
func (uc *ProcessingUseCase) Submit(ctx context.Context, originalName string, src io.Reader) (*registry.Record, error) {
	filename := storage.GenerateFilename(originalName)
	size, err := uc.store.Save(filename, src)
	if err != nil {
		return nil, logging.NewOperationError("usecase.store_upload", "", err)
	}

	path, err := uc.store.Path(filename)
	if err != nil {
		return nil, logging.NewOperationError("usecase.store_upload", "", err)
	}

	rec := registry.NewRecord(registry.ImageInfo{
		Filename:     filename,
		OriginalName: originalName,
		Size:         size,
		Path:         path,
		UploadTime:   time.Now().UTC(),
	})

	opLogger := logging.WithOperation(uc.logger, "usecase.submit", rec.ProcessingID)
	if err := uc.registry.Create(ctx, rec); err != nil {
		// No record references the stored file, so reclaim it.
		if removeErr := uc.store.Remove(filename); removeErr != nil {
			opLogger.Warn("failed to remove orphaned upload", zap.Error(removeErr))
		}
		return nil, logging.NewOperationError("usecase.create_record", rec.ProcessingID, err)
	}
	opLogger.Info("processing record created",
		zap.String("filename", filename),
		zap.Int64("size", size))

	// Dispatch setup: the stored image must be readable before the
	// background call is launched.
	image, err := uc.store.Open(filename)
	if err != nil {
		opLogger.Error("dispatch setup failed", zap.Error(err))
		failed, failErr := uc.registry.Fail(ctx, rec.ProcessingID, fmt.Sprintf("dispatch setup failed: %v", err))
		if failErr != nil && !errors.Is(failErr, registry.ErrTerminal) {
			return nil, logging.NewOperationError("usecase.fail_record", rec.ProcessingID, failErr)
		}
		return failed, nil
	}

	uc.dispatches.Add(1)
	go uc.dispatch(rec.Clone(), image)

	return rec, nil
}

// dispatch performs the single outbound attempt and applies the
// resulting transition. It runs detached from the triggering request.
func (uc *ProcessingUseCase) dispatch(rec *registry.Record, image io.ReadCloser) {
	defer uc.dispatches.Done()
	defer image.Close()

	// Detached from the HTTP request context on purpose: the upload
	// response must not gate the outbound call, and there is no
	// cancellation once dispatched. The client's own timeout bounds it.
	ctx := context.Background()
	opLogger := logging.WithOperation(uc.logger, "usecase.dispatch", rec.ProcessingID)

	result, err := uc.client.Recognize(ctx, recognizer.Request{
		ProcessingID: rec.ProcessingID,
		CallbackURL:  uc.callbackURL,
		Image:        image,
		OriginalName: rec.ImageInfo.OriginalName,
		Size:         rec.ImageInfo.Size,
		UploadTime:   rec.ImageInfo.UploadTime,
	})
	if err != nil {
		opLogger.Error("recognizer call failed", zap.Error(err))
		uc.failRecord(ctx, rec.ProcessingID, fmt.Sprintf("recognizer call failed: %v", err))
		return
	}

	if result == nil {
		opLogger.Info("awaiting recognizer callback")
		return
	}

	uc.completeRecord(ctx, rec.ProcessingID, result)
}

// HandleCallback applies an inbound recognizer notification. A non-empty
// error wins over any result payload; the result payload goes through
// the same extraction as inline responses so both producers converge on
// identical records.
func (uc *ProcessingUseCase) HandleCallback(ctx context.Context, processingID string, rawResult json.RawMessage, errMessage string) (*registry.Record, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.callback", processingID)

	if _, err := uc.registry.Get(ctx, processingID); err != nil {
		return nil, logging.NewOperationError("usecase.callback", processingID, err)
	}

	if errMessage != "" {
		rec, err := uc.registry.Fail(ctx, processingID, errMessage)
		if errors.Is(err, registry.ErrTerminal) {
			opLogger.Warn("ignoring failure callback for settled record")
			return rec, nil
		}
		if err != nil {
			return nil, logging.NewOperationError("usecase.callback", processingID, err)
		}
		opLogger.Info("processing failed via callback", zap.String("error", errMessage))
		return rec, nil
	}

	result := recognizer.Parse(rawResult)
	rec, err := uc.registry.Complete(ctx, processingID, result)
	if errors.Is(err, registry.ErrTerminal) {
		opLogger.Warn("ignoring completion callback for settled record")
		return rec, nil
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.callback", processingID, err)
	}
	opLogger.Info("processing completed via callback")
	return rec, nil
}

// GetRecord is the pure read used by client polling.
func (uc *ProcessingUseCase) GetRecord(ctx context.Context, processingID string) (*registry.Record, error) {
	return uc.registry.Get(ctx, processingID)
}

// GetStats aggregates record counts across the registry.
func (uc *ProcessingUseCase) GetStats(ctx context.Context) (*registry.Stats, error) {
	return uc.registry.Stats(ctx)
}

// ImagePath resolves a stored upload for serving.
func (uc *ProcessingUseCase) ImagePath(filename string) (string, error) {
	return uc.store.Path(filename)
}

// Drain waits for in-flight dispatches to settle, up to the context
// deadline. Used at shutdown so terminal transitions are not lost.
func (uc *ProcessingUseCase) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		uc.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completeRecord and failRecord are the only two transition producers;
// the dispatcher's inline path and the callback receiver both funnel
// through them via the registry so terminal handling never diverges.

func (uc *ProcessingUseCase) completeRecord(ctx context.Context, processingID string, result *registry.Result) *registry.Record {
	rec, err := uc.registry.Complete(ctx, processingID, result)
	opLogger := logging.WithOperation(uc.logger, "usecase.complete_record", processingID)
	switch {
	case errors.Is(err, registry.ErrTerminal):
		opLogger.Warn("ignoring completion of settled record")
	case err != nil:
		opLogger.Error("failed to complete record", zap.Error(err))
	default:
		opLogger.Info("processing completed", zap.Float64("confidence", result.Confidence))
	}
	return rec
}

func (uc *ProcessingUseCase) failRecord(ctx context.Context, processingID string, message string) *registry.Record {
	rec, err := uc.registry.Fail(ctx, processingID, message)
	opLogger := logging.WithOperation(uc.logger, "usecase.fail_record", processingID)
	switch {
	case errors.Is(err, registry.ErrTerminal):
		opLogger.Warn("ignoring failure of settled record")
	case err != nil:
		opLogger.Error("failed to fail record", zap.Error(err))
	default:
		opLogger.Info("processing failed", zap.String("error", message))
	}
	return rec
}
