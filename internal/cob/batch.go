package cob

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/pkg/workerpool"
)

// BatchItem names one primary claim to process. A nil Payment uses the
// payment already recorded on the claim.
type BatchItem struct {
	PrimaryClaimID string       `json:"primaryClaimId"`
	Payment        *PaymentData `json:"payment,omitempty"`
}

// BatchSuccess describes one generated secondary claim.
type BatchSuccess struct {
	PrimaryClaimID       string  `json:"primaryClaimId"`
	SecondaryClaimID     string  `json:"secondaryClaimId"`
	SecondaryClaimNumber string  `json:"secondaryClaimNumber"`
	Amounts              Amounts `json:"amounts"`
}

// BatchFailure describes one primary claim that could not be processed.
type BatchFailure struct {
	PrimaryClaimID string   `json:"primaryClaimId"`
	ErrorKind      string   `json:"errorKind"`
	Error          string   `json:"error"`
	FailedChecks   []string `json:"failedChecks,omitempty"`
}

// BatchResult aggregates a batch. Successful and Failed keep input order.
type BatchResult struct {
	TotalProcessed int            `json:"totalProcessed"`
	Successful     []BatchSuccess `json:"successful"`
	Failed         []BatchFailure `json:"failed"`
}

// BatchGenerateSecondaryClaims generates secondaries for many primaries. Each
// item is independent: a failure is recorded and the batch carries on.
// Concurrent-modification conflicts are retried by the pool.
func (g *Generator) BatchGenerateSecondaryClaims(ctx context.Context, items []BatchItem, userID string) (*BatchResult, error) {
	pool, err := workerpool.New(workerpool.Config{
		Workers:    g.config.BatchWorkers,
		MaxRetries: workerpool.DefaultConfig().MaxRetries,
		RetryDelay: workerpool.DefaultConfig().RetryDelay,
	}, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		item := task.Payload.(BatchItem)
		res, err := g.GenerateSecondaryClaim(ctx, item.PrimaryClaimID, item.Payment, Options{UserID: userID})
		if err != nil {
			return &workerpool.Result{
				Error:     err,
				Retryable: claim.KindOf(err) == claim.KindConcurrentModification,
			}
		}
		return &workerpool.Result{Success: true, Data: res}
	}, g.logger)
	if err != nil {
		return nil, err
	}

	tasks := make([]*workerpool.Task, len(items))
	for i, item := range items {
		tasks[i] = &workerpool.Task{ID: item.PrimaryClaimID, Payload: item}
	}

	out := &BatchResult{
		TotalProcessed: len(items),
		Successful:     []BatchSuccess{},
		Failed:         []BatchFailure{},
	}
	for i, r := range pool.Run(ctx, tasks) {
		id := items[i].PrimaryClaimID
		if r.Success {
			res := r.Data.(*GenerateResult)
			out.Successful = append(out.Successful, BatchSuccess{
				PrimaryClaimID:       id,
				SecondaryClaimID:     res.SecondaryClaim.ID,
				SecondaryClaimNumber: res.SecondaryClaim.ClaimNumber,
				Amounts:              res.Amounts,
			})
			continue
		}
		out.Failed = append(out.Failed, BatchFailure{
			PrimaryClaimID: id,
			ErrorKind:      claim.KindOf(r.Error).String(),
			Error:          r.Error.Error(),
			FailedChecks:   g.failedChecks(ctx, id, r.Error),
		})
	}

	g.logger.Info("secondary claim batch complete",
		zap.Int("total", out.TotalProcessed),
		zap.Int("successful", len(out.Successful)),
		zap.Int("failed", len(out.Failed)))
	return out, nil
}

// failedChecks lists the readiness checks behind a validation failure.
func (g *Generator) failedChecks(ctx context.Context, id string, err error) []string {
	if claim.KindOf(err) != claim.KindValidation {
		return nil
	}
	r, ferr := g.ValidateSecondaryReadiness(ctx, id)
	if ferr != nil {
		return nil
	}
	var names []string
	for _, v := range r.Failed() {
		names = append(names, v.Name)
	}
	return names
}
