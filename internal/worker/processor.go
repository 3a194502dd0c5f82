package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/bzconsulting24/quartermaster-sub001/features/document"
	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
	"github.com/bzconsulting24/quartermaster-sub001/internal/events"
	"github.com/bzconsulting24/quartermaster-sub001/internal/lease"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
	"github.com/bzconsulting24/quartermaster-sub001/internal/text"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

var (
	ErrNoChunks = errors.New("content produced no chunks")
	ErrStorage  = errors.New("chunk storage failed")
)

// Progress checkpoints reported while a job runs.
const (
	progressChunked   = 10
	progressEmbedding = 30
	progressPersisted = 70
	progressStatus    = 90
	progressDone      = 100
)

type Embedder interface {
	GenerateEmbeddingsBatch(ctx context.Context, texts []string) (*embedding.BatchResult, error)
}

// Result is stored on the job when it completes.
type Result struct {
	DocumentID    string  `json:"documentId,omitempty"`
	Chunks        int     `json:"chunks"`
	Tokens        int     `json:"tokens"`
	Cost          float64 `json:"cost"`
	DeletedChunks int     `json:"deletedChunks,omitempty"`
	RequeuedJobID string  `json:"requeuedJobId,omitempty"`
}

type ProcessorConfig struct {
	Chunking text.ChunkOptions
	// RetainContent keeps raw document content so a reindex can re-embed it.
	RetainContent bool
}

type Processor struct {
	queue     queue.Queue
	documents document.Repository
	chunks    vector.ChunkStore
	embedder  Embedder
	locker    lease.Locker
	events    events.Publisher
	cfg       ProcessorConfig
	now       func() time.Time
}

func NewProcessor(q queue.Queue, docs document.Repository, chunks vector.ChunkStore, e Embedder, l lease.Locker, p events.Publisher, cfg ProcessorConfig) *Processor {
	return &Processor{
		queue:     q,
		documents: docs,
		chunks:    chunks,
		embedder:  e,
		locker:    l,
		events:    p,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Process runs one job from start to finish. A returned error leaves retry
// decisions to the queue; every attempt starts over from the raw payload.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch pl := job.Payload.(type) {
	case queue.DocumentPayload:
		res, err = p.embedDocument(ctx, job, pl)
	case queue.TextPayload:
		res, err = p.embedText(ctx, job, pl)
	case queue.ReindexPayload:
		res, err = p.reindexDocument(ctx, job, pl)
	default:
		err = fmt.Errorf("%w: unhandled payload %T", queue.ErrInvalid, job.Payload)
	}

	if err != nil {
		attempt := job.AttemptsMade + 1
		events.Emit(ctx, p.events, events.Failed{
			JobID:      job.ID,
			DocumentID: documentID(job),
			Error:      err.Error(),
			Attempt:    attempt,
			Final:      attempt >= job.MaxAttempts,
		})
		return nil, err
	}

	p.progress(ctx, job, progressDone)
	events.Emit(ctx, p.events, events.Completed{
		JobID:      job.ID,
		DocumentID: res.DocumentID,
		Chunks:     res.Chunks,
		Tokens:     res.Tokens,
		Cost:       res.Cost,
	})
	return res, nil
}

func (p *Processor) embedDocument(ctx context.Context, job *queue.Job, pl queue.DocumentPayload) (*Result, error) {
	release, err := p.locker.Acquire(ctx, lease.DocumentKey(pl.DocumentID))
	if err != nil {
		return nil, fmt.Errorf("acquire document lease: %w", err)
	}
	defer release()

	res, err := p.runDocument(ctx, job, pl)
	if err != nil {
		if mErr := p.documents.MarkFailed(ctx, pl.DocumentID); mErr != nil {
			slog.WarnContext(ctx, "failed to mark document failed", "document_id", pl.DocumentID, "error", mErr)
		}
		return nil, err
	}
	return res, nil
}

func (p *Processor) runDocument(ctx context.Context, job *queue.Job, pl queue.DocumentPayload) (*Result, error) {
	doc, err := p.documents.Get(ctx, pl.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := p.documents.MarkProcessing(ctx, pl.DocumentID); err != nil {
		return nil, err
	}
	events.Emit(ctx, p.events, events.Started{JobID: job.ID, Kind: string(job.Kind), DocumentID: pl.DocumentID})

	if p.cfg.RetainContent {
		if err := p.documents.SaveContent(ctx, pl.DocumentID, pl.Content); err != nil {
			return nil, fmt.Errorf("retain content: %w", err)
		}
	}

	pieces, err := p.chunk(pl.Content, pl.SourceType)
	if err != nil {
		return nil, err
	}
	p.progress(ctx, job, progressChunked)

	batch, err := p.embed(ctx, job, pieces)
	if err != nil {
		return nil, err
	}

	rows := buildRows(job, pieces, batch, pl.SourceType, pl.Metadata)
	for i := range rows {
		rows[i].DocumentID = pl.DocumentID
		rows[i].AccountID = doc.AccountID
		rows[i].OpportunityID = doc.OpportunityID
	}

	if _, err := p.chunks.DeleteByDocument(ctx, pl.DocumentID); err != nil {
		return nil, fmt.Errorf("%w: clear previous chunks: %w", ErrStorage, err)
	}
	if err := p.chunks.InsertChunks(ctx, rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	p.progress(ctx, job, progressPersisted)

	if err := p.documents.MarkCompleted(ctx, pl.DocumentID, len(rows), p.now().UTC()); err != nil {
		return nil, err
	}
	p.progress(ctx, job, progressStatus)

	slog.InfoContext(ctx, "document embedded", "document_id", pl.DocumentID, "chunks", len(rows), "tokens", batch.TotalTokens)
	return &Result{DocumentID: pl.DocumentID, Chunks: len(rows), Tokens: batch.TotalTokens, Cost: batch.Cost}, nil
}

func (p *Processor) embedText(ctx context.Context, job *queue.Job, pl queue.TextPayload) (*Result, error) {
	events.Emit(ctx, p.events, events.Started{JobID: job.ID, Kind: string(job.Kind)})

	pieces, err := p.chunk(pl.Content, pl.SourceType)
	if err != nil {
		return nil, err
	}
	p.progress(ctx, job, progressChunked)

	batch, err := p.embed(ctx, job, pieces)
	if err != nil {
		return nil, err
	}

	rows := buildRows(job, pieces, batch, pl.SourceType, pl.Metadata)
	for i := range rows {
		rows[i].AccountID = pl.AccountID
		rows[i].OpportunityID = pl.OpportunityID
	}

	// Rows from an earlier attempt of this job carry the same job id.
	if _, err := p.chunks.DeleteByJob(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("%w: clear previous attempt: %w", ErrStorage, err)
	}
	if err := p.chunks.InsertChunks(ctx, rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	p.progress(ctx, job, progressPersisted)

	slog.InfoContext(ctx, "text embedded", "chunks", len(rows), "tokens", batch.TotalTokens)
	return &Result{Chunks: len(rows), Tokens: batch.TotalTokens, Cost: batch.Cost}, nil
}

func (p *Processor) reindexDocument(ctx context.Context, job *queue.Job, pl queue.ReindexPayload) (*Result, error) {
	release, err := p.locker.Acquire(ctx, lease.DocumentKey(pl.DocumentID))
	if err != nil {
		return nil, fmt.Errorf("acquire document lease: %w", err)
	}
	defer release()

	doc, err := p.documents.Get(ctx, pl.DocumentID)
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, p.events, events.Started{JobID: job.ID, Kind: string(job.Kind), DocumentID: pl.DocumentID})

	deleted, err := p.chunks.DeleteByDocument(ctx, pl.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	p.progress(ctx, job, progressPersisted)

	if err := p.documents.ResetForReindex(ctx, pl.DocumentID); err != nil {
		return nil, err
	}
	p.progress(ctx, job, progressStatus)

	res := &Result{DocumentID: pl.DocumentID, DeletedChunks: deleted}
	if !p.cfg.RetainContent {
		return res, nil
	}

	content, err := p.documents.Content(ctx, pl.DocumentID)
	if errors.Is(err, document.ErrNoContent) {
		slog.WarnContext(ctx, "no retained content, document left pending", "document_id", pl.DocumentID)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	next := queue.NewJob(queue.DocumentPayload{
		DocumentID:    pl.DocumentID,
		Content:       content,
		SourceType:    doc.SourceType,
		CorrelationID: pl.CorrelationID,
	})
	id, err := p.queue.Enqueue(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("requeue document embedding: %w", err)
	}
	res.RequeuedJobID = id
	slog.InfoContext(ctx, "document requeued for embedding", "document_id", pl.DocumentID, "next_job_id", id)
	return res, nil
}

func (p *Processor) chunk(content, sourceType string) ([]text.Chunk, error) {
	var pieces []text.Chunk
	if queue.IsTabular(sourceType) {
		rows, err := text.ParseRows(content)
		if err != nil {
			return nil, fmt.Errorf("parse %s rows: %w", sourceType, err)
		}
		pieces = text.ChunkCSVData(rows, p.cfg.Chunking)
	} else {
		pieces = text.ChunkText(content, p.cfg.Chunking)
	}
	if len(pieces) == 0 {
		return nil, ErrNoChunks
	}
	return pieces, nil
}

func (p *Processor) embed(ctx context.Context, job *queue.Job, pieces []text.Chunk) (*embedding.BatchResult, error) {
	texts := make([]string, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Content
	}
	p.progress(ctx, job, progressEmbedding)
	batch, err := p.embedder.GenerateEmbeddingsBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	return batch, nil
}

// buildRows pairs chunks with their embeddings. Chunks the client skipped
// as blank have no embedding and are not stored.
func buildRows(job *queue.Job, pieces []text.Chunk, batch *embedding.BatchResult, sourceType string, extra map[string]any) []vector.Chunk {
	rows := make([]vector.Chunk, 0, len(pieces))
	for i, c := range pieces {
		if i >= len(batch.Embeddings) || batch.Embeddings[i] == nil {
			continue
		}
		meta := make(map[string]any, len(extra)+len(c.Metadata)+3)
		maps.Copy(meta, extra)
		maps.Copy(meta, c.Metadata)
		meta["chunkIndex"] = i
		meta["sourceType"] = sourceType
		meta["jobId"] = job.ID

		rows = append(rows, vector.Chunk{
			Content:   c.Content,
			Embedding: batch.Embeddings[i],
			Tokens:    c.Tokens,
			Metadata:  meta,
		})
	}
	return rows
}

func (p *Processor) progress(ctx context.Context, job *queue.Job, percent int) {
	if err := p.queue.UpdateProgress(ctx, job.ID, percent); err != nil {
		slog.WarnContext(ctx, "failed to update job progress", "percent", percent, "error", err)
	}
	events.Emit(ctx, p.events, events.Progress{JobID: job.ID, Percent: percent})
}

func documentID(job *queue.Job) string {
	switch pl := job.Payload.(type) {
	case queue.DocumentPayload:
		return pl.DocumentID
	case queue.ReindexPayload:
		return pl.DocumentID
	}
	return ""
}
