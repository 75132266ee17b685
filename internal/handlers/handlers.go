package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/ocr-relay/internal/registry"
	"github.com/example/ocr-relay/internal/usecase"
)

// MaxUploadSize caps accepted image payloads at 10 MiB.
const MaxUploadSize = 10 << 20

var allowedImageTypes = map[string]bool{
	"jpeg": true,
	"jpg":  true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
	"webp": true,
}

type callbackPayload struct {
	ProcessingID string          `json:"processingId"`
	Result       json.RawMessage `json:"result"`
	Error        json.RawMessage `json:"error"`
}

// errorMessage coerces the callback's error field to text. Recognizers
// report failures as plain strings or structured objects; absent and
// JSON-false-ish values mean no error.
func (p callbackPayload) errorMessage() string {
	trimmed := bytes.TrimSpace(p.Error)
	if len(trimmed) == 0 {
		return ""
	}
	switch string(trimmed) {
	case "null", "false", "0":
		return ""
	}
	var plain string
	if err := json.Unmarshal(trimmed, &plain); err == nil {
		return plain
	}
	return string(trimmed)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ProcessingUseCase) {
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/upload", func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file uploaded"})
			return
		}

		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large. Maximum size is 10MB."})
			return
		}

		if !isAllowedImage(file.Filename, file.Header.Get("Content-Type")) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Only image files are allowed"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		rec, err := uc.Submit(c.Request.Context(), file.Filename, src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
			return
		}

		message := "Image uploaded successfully. Processing..."
		if rec.Status == registry.StatusError {
			message = "Image uploaded but processing could not be started."
		}
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"processingId": rec.ProcessingID,
			"imageInfo":    rec.ImageInfo,
			"message":      message,
		})
	})

	router.GET("/api/result/:processingId", func(c *gin.Context) {
		rec, err := uc.GetRecord(c.Request.Context(), c.Param("processingId"))
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Processing ID not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load processing record"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	router.GET("/uploads/:filename", func(c *gin.Context) {
		path, err := uc.ImagePath(c.Param("filename"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
			return
		}
		c.File(path)
	})

	router.POST("/api/webhook/ocr-result", func(c *gin.Context) {
		var payload callbackPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback payload"})
			return
		}
		if payload.ProcessingID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Processing ID is required"})
			return
		}

		_, err := uc.HandleCallback(c.Request.Context(), payload.ProcessingID, payload.Result, payload.errorMessage())
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Processing ID not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook result"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Result received successfully"})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		stats, err := uc.GetStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

// isAllowedImage requires both the extension and the declared MIME type
// to match the image allow-list.
func isAllowedImage(filename, contentType string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !allowedImageTypes[ext] {
		return false
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	subtype, ok := strings.CutPrefix(mediaType, "image/")
	if !ok {
		return false
	}
	return allowedImageTypes[subtype]
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
