package recognizer

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/example/ocr-relay/internal/registry"
)

// Defaults applied when the recognizer response does not carry its own
// confidence or language.
const (
	DefaultConfidence = 0.95
	DefaultLanguage   = "zh-CN"

	minConfidence = 0.1
	maxConfidence = 1.0
)

// geminiResponse is the primary provider response shape: a list of
// candidates, each with content parts optionally carrying text and an
// average log-probability score.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		AvgLogprobs *float64 `json:"avgLogprobs"`
	} `json:"candidates"`
}

// shallowResponse covers flat payloads that name the recognized text
// directly.
type shallowResponse struct {
	Text       string   `json:"text"`
	Result     string   `json:"result"`
	Confidence *float64 `json:"confidence"`
	Language   string   `json:"language"`
}

// Parse extracts a recognition result from an arbitrary provider
// payload. It never fails: when no known shape matches, the whole
// payload becomes the recognized text so data is never dropped.
//
// Extraction order: the nested candidates shape, then flat text/result
// fields, then a bare JSON string, then the raw payload verbatim.
func Parse(raw []byte) *registry.Result {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if res := parseCandidates(trimmed); res != nil {
		return res
	}
	if res := parseShallow(trimmed); res != nil {
		return res
	}

	var plain string
	if err := json.Unmarshal(trimmed, &plain); err == nil && plain != "" {
		return &registry.Result{Text: plain, Confidence: DefaultConfidence, Language: DefaultLanguage}
	}

	return &registry.Result{Text: string(trimmed), Confidence: DefaultConfidence, Language: DefaultLanguage}
}

func parseCandidates(raw []byte) *registry.Result {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Candidates) == 0 {
		return nil
	}

	cand := resp.Candidates[0]
	text := ""
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			text = part.Text
			break
		}
	}
	if text == "" {
		return nil
	}

	confidence := DefaultConfidence
	if cand.AvgLogprobs != nil {
		confidence = confidenceFromLogprob(*cand.AvgLogprobs)
	}
	return &registry.Result{Text: text, Confidence: confidence, Language: DefaultLanguage}
}

func parseShallow(raw []byte) *registry.Result {
	var resp shallowResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}

	text := resp.Text
	if text == "" {
		text = resp.Result
	}
	if text == "" {
		return nil
	}

	confidence := DefaultConfidence
	if resp.Confidence != nil && *resp.Confidence > 0 && *resp.Confidence <= maxConfidence {
		confidence = *resp.Confidence
	}
	language := resp.Language
	if language == "" {
		language = DefaultLanguage
	}
	return &registry.Result{Text: text, Confidence: confidence, Language: language}
}

// confidenceFromLogprob converts an average log-probability to a
// probability-like score, clamped to [0.1, 1.0].
func confidenceFromLogprob(logprob float64) float64 {
	return math.Max(minConfidence, math.Min(maxConfidence, math.Exp(logprob)))
}
