package jobs

import (
	"context"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/model"
)

// Result is the outcome of processing one prospect within a job.
type Result struct {
	Status  model.ProspectStatus
	Skipped bool
	Note    string
}

// Processor handles one prospect for a job kind.
type Processor interface {
	Kind() model.JobKind
	Process(ctx context.Context, job *model.Job, p model.Prospect) (Result, error)
}

// Pipeline is the part of enrich.Enricher the processors call.
type Pipeline interface {
	Enrich(ctx context.Context, prospectID string, opts enrich.Options) (*enrich.Outcome, error)
	GenerateIcebreaker(ctx context.Context, prospectID string, force bool) (*enrich.Outcome, error)
}

// EnrichmentProcessor runs the full pipeline over pending prospects.
type EnrichmentProcessor struct {
	Pipeline Pipeline
}

// Kind implements Processor.
func (EnrichmentProcessor) Kind() model.JobKind { return model.JobKindEnrichment }

// Process implements Processor.
func (p EnrichmentProcessor) Process(ctx context.Context, _ *model.Job, prospect model.Prospect) (Result, error) {
	return resultOf(p.Pipeline.Enrich(ctx, prospect.ID, enrich.Options{}))
}

// IcebreakerProcessor generates icebreakers for prospects that have contacts.
type IcebreakerProcessor struct {
	Pipeline Pipeline
}

// Kind implements Processor.
func (IcebreakerProcessor) Kind() model.JobKind { return model.JobKindIcebreaker }

// Process implements Processor.
func (p IcebreakerProcessor) Process(ctx context.Context, job *model.Job, prospect model.Prospect) (Result, error) {
	return resultOf(p.Pipeline.GenerateIcebreaker(ctx, prospect.ID, job.ForceRegenerate))
}

func resultOf(out *enrich.Outcome, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	if out == nil {
		return Result{}, nil
	}
	return Result{Status: out.Status, Skipped: out.Skipped, Note: out.Note}, nil
}
