// -----------------------------------------------------------------------
// Extraction Pipeline - Full-batch vision extraction job handler
// -----------------------------------------------------------------------

// Package extract implements the vision extraction pipelines: prompt
// assembly, the rate-limited chat-completions call, wire-format parsing
// (JSON and TOON), and extraction-row materialization.
package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/common"
	"github.com/ternarybob/tabula/internal/interfaces"
	"github.com/ternarybob/tabula/internal/models"
	"github.com/ternarybob/tabula/internal/queue"
)

// Pipeline runs extraction jobs end to end. One instance serves every
// project; per-project limits live in the pool and per-project LLM
// settings travel with each call.
type Pipeline struct {
	storage interfaces.StorageManager
	pool    interfaces.RequestPool
	llm     interfaces.LLMClient
	config  *common.Config
	logger  arbor.ILogger
}

// NewPipeline creates an extraction pipeline.
func NewPipeline(storage interfaces.StorageManager, pool interfaces.RequestPool, llm interfaces.LLMClient, config *common.Config, logger arbor.ILogger) *Pipeline {
	return &Pipeline{
		storage: storage,
		pool:    pool,
		llm:     llm,
		config:  config,
		logger:  logger,
	}
}

// ProcessBatch runs a full-batch extraction. Registered for both
// process_batch and reprocess_batch jobs; a reprocess differs only in
// recorded intent.
func (p *Pipeline) ProcessBatch(ctx context.Context, job *models.QueueJob) (*queue.JobResult, error) {
	batchID := job.Payload.BatchID

	project, _, err := p.loadBatchInputs(ctx, job.ProjectID, batchID)
	if err != nil {
		return nil, err
	}

	images, err := p.batchImages(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: batch %s has no images", models.ErrInvalidBatch, batchID)
	}

	p.configurePool(project)

	prompt := BuildExtractionPrompt(project)
	messages := buildBatchMessages(images, prompt)

	chat, err := p.call(ctx, project, messages)
	if err != nil {
		return nil, err
	}

	results, err := Parse(project, chat.Content)
	if err != nil {
		return nil, err
	}
	rows := GroupRows(batchID, project.ID, project.Flags.MultiRowExtraction, results)

	// A cancel that landed while the call was in flight must not
	// publish rows.
	if err := p.checkJobLive(ctx, job.ID); err != nil {
		return nil, err
	}

	if err := p.storage.QueueStorage().PersistRows(ctx, batchID, project.ID, rows); err != nil {
		return nil, err
	}

	extractionCount := 0
	for _, row := range rows {
		extractionCount += len(row.RowData)
	}

	p.logger.Info().
		Str("batch_id", batchID).
		Str("project_id", project.ID).
		Int("rows", len(rows)).
		Int("extractions", extractionCount).
		Msg("Batch extraction complete")

	return &queue.JobResult{
		ImageCount:      len(images),
		ExtractionCount: extractionCount,
		Model:           p.resolveModel(project),
		TokensUsed:      chat.Usage.TotalTokens,
	}, nil
}

// loadBatchInputs loads and cross-checks the pipeline's inputs. Missing
// records are structural failures, not store failures: retrying cannot
// make them appear.
func (p *Pipeline) loadBatchInputs(ctx context.Context, projectID, batchID string) (*models.Project, *models.ImageBatch, error) {
	project, err := p.storage.ProjectStorage().GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: project %s not found", models.ErrInvalidBatch, projectID)
		}
		return nil, nil, fmt.Errorf("%w: load project: %v", models.ErrStore, err)
	}
	if len(project.Columns) == 0 {
		return nil, nil, fmt.Errorf("%w: project %s has no columns", models.ErrInvalidBatch, projectID)
	}

	batch, err := p.storage.BatchStorage().GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: batch %s not found", models.ErrInvalidBatch, batchID)
		}
		return nil, nil, fmt.Errorf("%w: load batch: %v", models.ErrStore, err)
	}
	if batch.ProjectID != project.ID {
		return nil, nil, fmt.Errorf("%w: batch %s does not belong to project %s", models.ErrInvalidBatch, batchID, project.ID)
	}
	return project, batch, nil
}

// batchImages returns the batch's page images in position order.
// Cropped redo images never join a full-batch call.
func (p *Pipeline) batchImages(ctx context.Context, batchID string) ([]*models.Image, error) {
	all, err := p.storage.ImageStorage().ListImages(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: load images: %v", models.ErrStore, err)
	}
	images := make([]*models.Image, 0, len(all))
	for _, img := range all {
		if img.IsCropped {
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

// configurePool pushes the project's current limits into the pool so a
// settings change applies from this job onward.
func (p *Pipeline) configurePool(project *models.Project) {
	p.pool.Configure(project.ID, project.RequestsPerMinute, project.MaxConcurrency(p.config.Queue.ParallelRequests))
}

// call runs one chat-completions request under the project's pool
// admission, with the project's request timeout applied to the call
// itself (queue wait time does not count against it).
func (p *Pipeline) call(ctx context.Context, project *models.Project, messages []interfaces.ChatMessage) (*interfaces.ChatResult, error) {
	req := &interfaces.ChatRequest{
		Endpoint:  p.resolveEndpoint(project),
		APIKey:    p.config.ResolveAPIKey(project.LLMAPIKey),
		Model:     p.resolveModel(project),
		Messages:  messages,
		MaxTokens: p.config.LLM.MaxTokens,
	}

	var result *interfaces.ChatResult
	err := p.pool.Execute(ctx, project.ID, func(callCtx context.Context) error {
		timeoutCtx, cancel := context.WithTimeout(callCtx, project.RequestTimeout())
		defer cancel()
		var callErr error
		result, callErr = p.llm.ChatCompletion(timeoutCtx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) resolveEndpoint(project *models.Project) string {
	if project.LLMEndpoint != "" {
		return project.LLMEndpoint
	}
	return p.config.LLM.Endpoint
}

func (p *Pipeline) resolveModel(project *models.Project) string {
	if project.LLMModel != "" {
		return project.LLMModel
	}
	return p.config.LLM.Model
}

// checkJobLive rechecks the job's stored status right before results
// are persisted; cancellation mid-flight discards the write.
func (p *Pipeline) checkJobLive(ctx context.Context, jobID string) error {
	job, err := p.storage.QueueStorage().GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: job %s no longer exists", models.ErrCanceled, jobID)
		}
		return err
	}
	if job.Status == models.JobStatusCanceled {
		return fmt.Errorf("%w: job %s canceled during processing", models.ErrCanceled, jobID)
	}
	return nil
}

// buildBatchMessages assembles the single user message: each image as a
// data-URL part followed by its OCR reference when present, with the
// prompt text last.
func buildBatchMessages(images []*models.Image, prompt string) []interfaces.ChatMessage {
	parts := make([]interfaces.ChatContentPart, 0, len(images)*2+1)
	for i, img := range images {
		parts = append(parts, imagePart(img))
		if img.OCRText != "" {
			parts = append(parts, interfaces.ChatContentPart{
				Type: "text",
				Text: fmt.Sprintf("[OCR reference - page %d]:\n%s", i+1, img.OCRText),
			})
		}
	}
	parts = append(parts, interfaces.ChatContentPart{Type: "text", Text: prompt})
	return []interfaces.ChatMessage{{Role: "user", Content: parts}}
}

func imagePart(img *models.Image) interfaces.ChatContentPart {
	mime := img.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return interfaces.ChatContentPart{
		Type: "image_url",
		ImageURL: &interfaces.ChatImageURL{
			URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data)),
		},
	}
}
