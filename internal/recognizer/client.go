package recognizer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/ocr-relay/internal/logging"
	"github.com/example/ocr-relay/internal/registry"
)

// Request carries everything the external recognizer needs to process
// one image and report back.
type Request struct {
	ProcessingID string
	CallbackURL  string
	Image        io.Reader
	OriginalName string
	Size         int64
	UploadTime   time.Time
}

// Client exposes the single outbound call used by the dispatch flow.
// A nil result with a nil error means the recognizer acknowledged the
// request and will invoke the callback endpoint later.
type Client interface {
	Recognize(ctx context.Context, req Request) (*registry.Result, error)
}

// HTTPClient sends recognition requests as multipart POSTs to a
// configured webhook endpoint.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClient builds a recognizer client with a bounded call timeout.
func NewHTTPClient(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("recognizer"),
	}
}

// Recognize performs the single outbound attempt. Non-2xx statuses and
// transport failures are returned as errors; a successful response with
// a body is parsed inline, and an empty body defers to the callback.
func (h *HTTPClient) Recognize(ctx context.Context, req Request) (*registry.Result, error) {
	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, logging.NewOperationError("recognizer.build_request", req.ProcessingID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, body)
	if err != nil {
		return nil, logging.NewOperationError("recognizer.build_request", req.ProcessingID, err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	opLogger := logging.WithOperation(h.logger, "recognizer.recognize", req.ProcessingID)
	opLogger.Info("calling recognizer webhook",
		zap.String("endpoint", h.endpoint),
		zap.String("original_name", req.OriginalName),
		zap.Int64("size", req.Size))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, logging.NewOperationError("recognizer.call", req.ProcessingID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, logging.NewOperationError("recognizer.read_response", req.ProcessingID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("recognizer returned status %d: %s", resp.StatusCode, truncate(payload, 256))
		return nil, logging.NewOperationError("recognizer.call", req.ProcessingID, err)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		opLogger.Info("recognizer acknowledged, awaiting callback")
		return nil, nil
	}

	result := Parse(payload)
	opLogger.Info("recognizer responded inline",
		zap.Int("body_bytes", len(payload)),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

func buildMultipart(req Request) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="data"; filename="%s"`, escapeQuotes(req.OriginalName)))
	header.Set("Content-Type", imageContentType(req.OriginalName))
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, req.Image); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"processingId": req.ProcessingID,
		"callbackUrl":  req.CallbackURL,
		"originalName": req.OriginalName,
		"size":         strconv.FormatInt(req.Size, 10),
		"uploadTime":   req.UploadTime.UTC().Format(time.RFC3339),
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func imageContentType(originalName string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(originalName)), ".")
	switch ext {
	case "jpg":
		ext = "jpeg"
	case "":
		return "application/octet-stream"
	}
	return "image/" + ext
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
