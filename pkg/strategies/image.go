package strategies

import (
	"context"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

const (
	defaultImagePrompt  = "Describe this image in detail"
	defaultImageMIME    = "image/jpeg"
	imageFailureContent = "I couldn't analyze the image. Please check the URL and try again."
)

// imageAnalysisStrategy sends one multi-part user turn to the vision model.
// Input: ImageURL or ImageBase64 (one required), ImageMIME, Prompt.
type imageAnalysisStrategy struct {
	llm     Completer
	enabled bool
}

func (s *imageAnalysisStrategy) Name() string { return ImageAnalysis }

func (s *imageAnalysisStrategy) Execute(ctx context.Context, in Input) Outcome {
	if !s.enabled {
		return configurationOutcome(ImageAnalysis, "image analysis is disabled")
	}
	imageURL := ImageSource(in.ImageURL, in.ImageBase64, in.ImageMIME)
	if imageURL == "" {
		return configurationOutcome(ImageAnalysis, "image_url or image_base64 is required")
	}
	prompt := orDefault(in.Prompt, orDefault(in.Message, defaultImagePrompt))

	msgs := []providers.Message{{
		Role: providers.RoleUser,
		Parts: []providers.ContentPart{
			providers.TextPart(prompt),
			providers.ImagePart(imageURL, ""),
		},
	}}

	resp, err := s.llm.Invoke(ctx, llmclient.OpVision, payload(in, msgs))
	if err != nil {
		return failedOutcome(ImageAnalysis, err, imageFailureContent)
	}
	out := Outcome{
		Success:      true,
		Analysis:     resp.Analysis,
		TokensUsed:   tokens(resp),
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		strategy:     ImageAnalysis,
	}
	if strings.TrimSpace(in.ImageURL) != "" {
		out.ImageURL = strings.TrimSpace(in.ImageURL)
	}
	return out
}

// ImageSource returns the URL handed to the vision model. A URL wins over
// inline data; inline data becomes a data URL unless it already is one.
func ImageSource(imageURL, base64Data, mime string) string {
	if u := strings.TrimSpace(imageURL); u != "" {
		return u
	}
	data := strings.TrimSpace(base64Data)
	if data == "" {
		return ""
	}
	if strings.HasPrefix(data, "data:") {
		return data
	}
	return "data:" + orDefault(mime, defaultImageMIME) + ";base64," + data
}
