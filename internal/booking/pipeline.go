package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/events"
	"intake/internal/metrics"
	"intake/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLeadStage      = "Lead - Partial"
	defaultProgressTTL    = 72 * time.Hour
	completedMessage      = "Booking created in CRM"
	leadCapturedMessage   = "Lead captured in CRM"
	progressKeyLeadPrefix = "lead:"
)

// CRM is the subset of the CRM client the pipeline writes through.
type CRM interface {
	CreateCustomer(ctx context.Context, p crm.CustomerPayload) (models.ID, error)
	CreateEstimate(ctx context.Context, p crm.EstimatePayload) (models.ID, error)
	CreateCalendarTask(ctx context.Context, p crm.CalendarTaskPayload) (models.ID, error)
}

type Config struct {
	Referrals   ReferralSources
	Location    *time.Location
	ProgressTTL time.Duration
}

// Pipeline turns one BookingRequest into a customer, an estimate and an
// optional calendar task. Steps run in order and nothing is rolled back
// when a later step fails.
type Pipeline struct {
	crm      CRM
	cfg      Config
	progress domain.ProgressStore
	events   domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time
	flights  singleflight.Group
}

type Option func(*Pipeline)

// WithProgressStore enables resumable runs for requests carrying an
// idempotency key.
func WithProgressStore(store domain.ProgressStore) Option {
	return func(p *Pipeline) { p.progress = store }
}

func WithEvents(publisher domain.EventPublisher) Option {
	return func(p *Pipeline) { p.events = publisher }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(client CRM, cfg Config, opts ...Option) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = defaultProgressTTL
	}
	if cfg.Referrals.allowed == nil {
		cfg.Referrals = NewReferralSources(nil, DefaultFallbackSource)
	}
	nop := zerolog.Nop()
	p := &Pipeline{
		crm:    client,
		cfg:    cfg,
		logger: &nop,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline. On a step failure it returns both the result
// (status error, ids created so far, the step trail) and a *domain.StepError.
func (p *Pipeline) Run(ctx context.Context, req models.BookingRequest, opts domain.RunOptions) (*models.PipelineResult, error) {
	if opts.IdempotencyKey == "" || p.progress == nil {
		return p.run(ctx, req, opts, nil)
	}

	// Concurrent runs for one key share a single execution. Callers that
	// joined it see the result as a replay.
	led := false
	v, err, _ := p.flights.Do(opts.IdempotencyKey, func() (any, error) {
		led = true
		res, runErr := p.runKeyed(context.WithoutCancel(ctx), req, opts)
		return flightResult{res: res, err: runErr}, nil
	})
	if err != nil {
		return nil, err
	}
	fr := v.(flightResult)
	res := copyResult(fr.res)
	if !led && res != nil {
		res.Replayed = true
	}
	return res, fr.err
}

// CaptureLead records a partially completed intake: customer and estimate
// with the given stage as estimate status, never a calendar task.
func (p *Pipeline) CaptureLead(ctx context.Context, req models.BookingRequest, stage, idempotencyKey string) (*models.PipelineResult, error) {
	if stage == "" {
		stage = DefaultLeadStage
	}
	req = req.WithOptions(map[string]any{models.OptionEstimateStatus: stage})

	key := idempotencyKey
	if key != "" {
		key = progressKeyLeadPrefix + key
	}
	res, err := p.Run(ctx, req, domain.RunOptions{IdempotencyKey: key, SkipCalendarTask: true})
	if res != nil && res.OK() {
		res.Message = leadCapturedMessage
		p.publish(events.EventLeadCaptured, req, res, stage, idempotencyKey)
	}
	return res, err
}

type flightResult struct {
	res *models.PipelineResult
	err error
}

func (p *Pipeline) runKeyed(ctx context.Context, req models.BookingRequest, opts domain.RunOptions) (*models.PipelineResult, error) {
	key := opts.IdempotencyKey
	progress, err := p.progress.GetProgress(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to load booking progress, running without it")
		progress = nil
	}
	if progress == nil {
		progress = &models.BookingProgress{Key: key}
	}

	if progress.Completed {
		res := resultFromProgress(progress)
		res.Replayed = true
		p.logger.Info().Str("idempotency_key", key).Msg("Replaying completed booking")
		return res, nil
	}
	return p.run(ctx, req, opts, progress)
}

func (p *Pipeline) run(ctx context.Context, req models.BookingRequest, opts domain.RunOptions, progress *models.BookingProgress) (*models.PipelineResult, error) {
	logger := p.logger.With().
		Str("source", req.Source).
		Str("service_type", req.Service.Type).
		Str("idempotency_key", opts.IdempotencyKey).
		Logger()

	res := &models.PipelineResult{Status: models.ResultOK}
	source, matched := p.cfg.Referrals.Resolve(req.Source)
	if !matched {
		logger.Debug().Str("crm_source", source).Msg("Referral source not in allow-list, using fallback")
	}

	// customer
	customerID, reused, err := p.step(ctx, progress, func(pr *models.BookingProgress) *models.ID { return pr.CustomerID }, func() (models.ID, error) {
		return p.crm.CreateCustomer(ctx, customerPayload(req, source))
	})
	if err != nil {
		return p.fail(logger, req, res, models.StepCustomer, err, opts)
	}
	res.CustomerID = models.IDPtr(customerID)
	p.complete(res, models.StepCustomer, customerID, reused)
	if progress != nil && !reused {
		progress.CustomerID = res.CustomerID
		p.saveProgress(ctx, logger, progress)
	}

	// estimate
	estimateID, reused, err := p.step(ctx, progress, func(pr *models.BookingProgress) *models.ID { return pr.EstimateID }, func() (models.ID, error) {
		return p.crm.CreateEstimate(ctx, estimatePayload(req, customerID, source, p.cfg.Location))
	})
	if err != nil {
		return p.fail(logger, req, res, models.StepEstimate, err, opts)
	}
	res.EstimateID = models.IDPtr(estimateID)
	p.complete(res, models.StepEstimate, estimateID, reused)
	if progress != nil && !reused {
		progress.EstimateID = res.EstimateID
		p.saveProgress(ctx, logger, progress)
	}

	// Job creation is not part of the CRM integration; JobID stays nil.

	// calendar task
	if req.Schedule == nil || opts.SkipCalendarTask {
		p.skip(res, models.StepCalendarTask)
	} else {
		taskID, reused, err := p.step(ctx, progress, func(pr *models.BookingProgress) *models.ID { return pr.CalendarTaskID }, func() (models.ID, error) {
			return p.crm.CreateCalendarTask(ctx, calendarTaskPayload(req, customerID, estimateID, p.cfg.Location))
		})
		if err != nil {
			return p.fail(logger, req, res, models.StepCalendarTask, err, opts)
		}
		res.CalendarTaskID = models.IDPtr(taskID)
		p.complete(res, models.StepCalendarTask, taskID, reused)
		if progress != nil {
			progress.CalendarTaskID = res.CalendarTaskID
			progress.CalendarDone = true
		}
	}

	res.Message = completedMessage
	if progress != nil {
		progress.Completed = true
		p.saveProgress(ctx, logger, progress)
	}

	logger.Info().
		Str("customer_id", idString(res.CustomerID)).
		Str("estimate_id", idString(res.EstimateID)).
		Str("calendar_task_id", idString(res.CalendarTaskID)).
		Msg("Booking pipeline completed")

	if !opts.SkipCalendarTask {
		p.publish(events.EventBookingCompleted, req, res, "", opts.IdempotencyKey)
	}
	return res, nil
}

// step reuses an id recorded by an earlier keyed run or performs create.
func (p *Pipeline) step(ctx context.Context, progress *models.BookingProgress, recorded func(*models.BookingProgress) *models.ID, create func() (models.ID, error)) (models.ID, bool, error) {
	if progress != nil {
		if id := recorded(progress); id != nil && !id.IsZero() {
			return *id, true, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return models.ID{}, false, err
	}
	id, err := create()
	if err != nil {
		return models.ID{}, false, err
	}
	return id, false, nil
}

func (p *Pipeline) complete(res *models.PipelineResult, step string, id models.ID, reused bool) {
	res.Steps = append(res.Steps, models.StepOutcome{Step: step, Status: models.StepCompleted, RecordID: models.IDPtr(id)})
	if !reused {
		metrics.IncPipelineStep(step, models.StepCompleted)
	}
}

func (p *Pipeline) skip(res *models.PipelineResult, step string) {
	res.Steps = append(res.Steps, models.StepOutcome{Step: step, Status: models.StepSkipped})
	metrics.IncPipelineStep(step, models.StepSkipped)
}

var stepOrder = []string{models.StepCustomer, models.StepEstimate, models.StepCalendarTask}

func (p *Pipeline) fail(logger zerolog.Logger, req models.BookingRequest, res *models.PipelineResult, step string, err error, opts domain.RunOptions) (*models.PipelineResult, error) {
	res.Status = models.ResultError
	res.FailedStep = step
	res.Error = err.Error()
	res.Message = fmt.Sprintf("Booking failed at %s step", step)
	res.Steps = append(res.Steps, models.StepOutcome{Step: step, Status: models.StepFailed, Error: err.Error()})
	metrics.IncPipelineStep(step, models.StepFailed)

	after := false
	for _, s := range stepOrder {
		if after {
			res.Steps = append(res.Steps, models.StepOutcome{Step: s, Status: models.StepSkipped})
		}
		if s == step {
			after = true
		}
	}

	event := logger.Error()
	if errors.Is(err, domain.ErrContractViolation) {
		event = event.Bool("contract_violation", true)
	}
	event.Err(err).
		Str("failed_step", step).
		Str("customer_id", idString(res.CustomerID)).
		Str("estimate_id", idString(res.EstimateID)).
		Msg("Booking pipeline failed")

	if res.CustomerID != nil {
		p.publish(events.EventBookingPartial, req, res, "", opts.IdempotencyKey)
	}
	return res, &domain.StepError{Step: step, Err: err}
}

func (p *Pipeline) saveProgress(ctx context.Context, logger zerolog.Logger, progress *models.BookingProgress) {
	progress.UpdatedAt = p.now()
	if err := p.progress.SaveProgress(ctx, progress, p.cfg.ProgressTTL); err != nil {
		logger.Warn().Err(err).Msg("Failed to save booking progress")
	}
}

func (p *Pipeline) publish(eventType string, req models.BookingRequest, res *models.PipelineResult, stage, ref string) {
	if p.events == nil {
		return
	}
	payload := events.BookingEventPayload{
		BookingRef:     ref,
		Source:         req.Source,
		ServiceType:    req.Service.Type,
		Status:         res.Status,
		CustomerID:     idString(res.CustomerID),
		EstimateID:     idString(res.EstimateID),
		CalendarTaskID: idString(res.CalendarTaskID),
		FailedStep:     res.FailedStep,
		Stage:          stage,
		OccurredAt:     p.now(),
	}
	if err := p.events.PublishJSON(eventType, payload); err != nil {
		p.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish booking event")
	}
}

func resultFromProgress(progress *models.BookingProgress) *models.PipelineResult {
	res := &models.PipelineResult{
		Status:         models.ResultOK,
		CustomerID:     progress.CustomerID,
		EstimateID:     progress.EstimateID,
		CalendarTaskID: progress.CalendarTaskID,
		Message:        completedMessage,
	}
	res.Steps = append(res.Steps,
		models.StepOutcome{Step: models.StepCustomer, Status: models.StepCompleted, RecordID: progress.CustomerID},
		models.StepOutcome{Step: models.StepEstimate, Status: models.StepCompleted, RecordID: progress.EstimateID},
	)
	if progress.CalendarDone {
		res.Steps = append(res.Steps, models.StepOutcome{Step: models.StepCalendarTask, Status: models.StepCompleted, RecordID: progress.CalendarTaskID})
	} else {
		res.Steps = append(res.Steps, models.StepOutcome{Step: models.StepCalendarTask, Status: models.StepSkipped})
	}
	return res
}

// copyResult gives every caller sharing a flight its own result value.
func copyResult(res *models.PipelineResult) *models.PipelineResult {
	if res == nil {
		return nil
	}
	out := *res
	out.Steps = append([]models.StepOutcome(nil), res.Steps...)
	return &out
}

func idString(id *models.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
