// Package vision extracts text from document images and page archives
// using an OpenAI-compatible vision model.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/gradescan/internal/archive"
	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/objstore"
	"github.com/pavelanni/gradescan/internal/vision/prompts"
)

// ErrNeedsConversion reports a PDF document that has no page archive
// yet. Vision models read images, not PDFs, so the caller must run the
// rasterize and package steps (or fall back to manual text entry) first.
var ErrNeedsConversion = errors.New("document is a PDF and needs page conversion before extraction")

// ErrEmptyExtraction reports a model response with no usable text.
// Callers may treat it as transient and retry.
var ErrEmptyExtraction = errors.New("vision model returned no usable text")

const (
	// imageTimeout bounds a single-image extraction so one stuck call
	// cannot stall the whole evaluation. Archive extraction has no
	// client-side deadline: multi-page requests legitimately run long.
	imageTimeout = 60 * time.Second

	// MaxArchivePages bounds how many page images go into one model
	// request.
	MaxArchivePages = 20
)

// userInstruction accompanies the images in the user message; the
// role-specific prompt travels as the system message.
const userInstruction = "Extract the text from the attached pages, in order."

// Extractor sends extraction requests to a vision-capable chat model.
type Extractor struct {
	api     *openai.Client
	model   string
	gateway objstore.Gateway
}

// New creates a vision extractor. baseURL may be empty for the default
// OpenAI endpoint.
func New(baseURL, apiKey, modelName string, gateway objstore.Gateway) (*Extractor, error) {
	if err := prompts.Load(prompts.FS()); err != nil {
		return nil, fmt.Errorf("load extraction prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Extractor{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		gateway: gateway,
	}, nil
}

// Extract pulls text out of a document asset, choosing the extraction
// path from what the asset has: a page archive is preferred, a plain
// image URL is read directly, and a PDF without an archive is refused
// with ErrNeedsConversion.
func (e *Extractor) Extract(ctx context.Context, asset model.DocumentAsset, data prompts.Data) (string, error) {
	if asset.ArchiveURL != "" {
		return e.ExtractArchive(ctx, asset.ArchiveURL, asset.Role, data)
	}
	if asset.IsPDF() {
		return "", ErrNeedsConversion
	}
	return e.ExtractImage(ctx, asset.URL, asset.Role, data)
}

// ExtractImage extracts text from a single remote image. The call is
// bounded by a 60 second deadline.
func (e *Extractor) ExtractImage(ctx context.Context, imageURL string, role model.DocumentRole, data prompts.Data) (string, error) {
	if model.HasPDFExt(imageURL) {
		return "", ErrNeedsConversion
	}

	prompt, err := prompts.Build(role, data)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: userInstruction},
		{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
		},
	}
	return e.complete(ctx, role, prompt, parts)
}

// ExtractArchive downloads a page archive, unpacks it and sends every
// page to the model in one request as inline images, in page order.
func (e *Extractor) ExtractArchive(ctx context.Context, archiveURL string, role model.DocumentRole, data prompts.Data) (string, error) {
	zipData, err := e.gateway.Get(ctx, archiveURL)
	if err != nil {
		return "", fmt.Errorf("download page archive: %w", err)
	}

	pages, err := archive.Unpack(zipData)
	if err != nil {
		return "", fmt.Errorf("unpack page archive: %w", err)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("page archive is empty")
	}
	if len(pages) > MaxArchivePages {
		return "", fmt.Errorf("page archive has %d pages, limit is %d", len(pages), MaxArchivePages)
	}

	prompt, err := prompts.Build(role, data)
	if err != nil {
		return "", err
	}

	parts := make([]openai.ChatMessagePart, 0, len(pages)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: userInstruction,
	})
	for _, p := range pages {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: dataURL(p.Data),
			},
		})
	}

	slog.Debug("extracting from page archive", "role", role, "pages", len(pages))
	return e.complete(ctx, role, prompt, parts)
}

// complete sends the role prompt as a system message and the images as
// the user message, then unwraps the model's reply.
func (e *Extractor) complete(ctx context.Context, role model.DocumentRole, prompt string, parts []openai.ChatMessagePart) (string, error) {
	resp, err := e.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt,
			},
			{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("vision API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("extract %s: %w", role, ErrEmptyExtraction)
	}
	return text, nil
}

func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
