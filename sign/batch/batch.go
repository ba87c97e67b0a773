// Package batch signs a list of documents with one token session.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/georgepadayatti/gopades/engine"
	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/metrics"
	"github.com/georgepadayatti/gopades/sign/token"
)

// ErrBatchAborted is wrapped by the error of every Aborted outcome.
var ErrBatchAborted = engine.ErrBatchAborted

// Job is an ordered list of inputs sharing one request template. Template
// paths are ignored.
type Job struct {
	ID     uuid.UUID
	Inputs []string
	// Template supplies appearance, reason, policy and the other per-item
	// settings.
	Template engine.SignatureRequest
	// OutputDir receives the signed files under their input names. Empty
	// means the configured directory beside each input.
	OutputDir string
}

// NewJob returns a job with a fresh ID.
func NewJob(inputs []string, template engine.SignatureRequest) Job {
	return Job{ID: uuid.New(), Inputs: inputs, Template: template}
}

// PINSource supplies a PIN for each login attempt. It is called again after
// a rejected PIN, never reusing the destroyed one.
type PINSource func(ctx context.Context) (*token.PIN, error)

// Orchestrator runs jobs sequentially against one engine.
type Orchestrator struct {
	engine  *engine.Engine
	pins    PINSource
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(e *engine.Engine, pins PINSource) *Orchestrator {
	return &Orchestrator{engine: e, pins: pins, log: logging.Discard()}
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.log = logging.OrDiscard(l)
	return o
}

// WithMetrics sets the metrics sink.
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// run holds the mutable state of one job.
type run struct {
	*Orchestrator
	log          *slog.Logger
	job          Job
	sess         *token.Session
	cert         *token.Certificate
	authFailures int
	abortErr     error
}

// Run signs job.Inputs in order. One item's failure never stops the batch;
// cancellation is observed between items and the in-flight item is
// finished.
func (o *Orchestrator) Run(ctx context.Context, job Job) *Report {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	log := o.log.With("job", job.ID.String())
	r := &run{Orchestrator: o, log: log, job: job}
	defer r.closeSession()

	report := &Report{JobID: job.ID, Started: o.engine.Clock().Now()}
	log.Info("batch started", "items", len(job.Inputs))
	for _, input := range job.Inputs {
		var out Outcome
		switch {
		case r.abortErr != nil:
			out = Aborted{Path: input, Err: r.abortErr}
		case ctx.Err() != nil:
			out = Cancelled{Path: input}
		default:
			out = r.item(context.WithoutCancel(ctx), input)
		}
		o.metrics.RecordBatchItem(out.Label())
		if f, ok := out.(Failure); ok {
			log.Warn("batch item failed", "input", input, "kind", f.Kind.String(), "error", f.Err)
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	report.Finished = o.engine.Clock().Now()
	log.Info("batch finished", "summary", report.Summary())
	return report
}

func (r *run) item(ctx context.Context, input string) Outcome {
	req := r.job.Template
	req.InputPath = input
	out, err := r.outputPath(input)
	if err != nil {
		return Failure{Path: input, Kind: engine.KindIOFailure, Err: err}
	}
	req.OutputPath = out

	if r.sess == nil {
		if err := r.open(ctx); err != nil {
			return Failure{Path: input, Kind: engine.KindOf(err), Err: err}
		}
	}
	res, err := r.engine.SignWithSession(ctx, r.sess, r.cert, req)
	if err != nil {
		if engine.KindOf(err) == engine.KindTokenUnavailable {
			r.closeSession()
		}
		return Failure{Path: input, Kind: engine.KindOf(err), Err: err}
	}
	r.log.Info("batch item signed", "input", input, "output", res.OutputPath)
	return Success{Path: input, Result: res}
}

func (r *run) open(ctx context.Context) error {
	pin, err := r.pins(ctx)
	if err != nil {
		r.abortErr = fmt.Errorf("%w: no PIN: %v", ErrBatchAborted, err)
		return fmt.Errorf("read PIN: %w", err)
	}
	sess, cert, err := r.engine.Open(ctx, engine.Credentials{PIN: pin})
	if err != nil {
		switch engine.KindOf(err) {
		case engine.KindTokenLocked:
			r.abortErr = fmt.Errorf("%w: token locked", ErrBatchAborted)
		case engine.KindAuthenticationFailed:
			r.authFailures++
			if limit := r.engine.Defaults().Batch.MaxAuthFailures; r.authFailures >= limit {
				r.abortErr = fmt.Errorf("%w: %d consecutive authentication failures", ErrBatchAborted, r.authFailures)
			}
		}
		return err
	}
	r.authFailures = 0
	r.sess, r.cert = sess, cert
	return nil
}

func (r *run) closeSession() {
	if r.sess == nil {
		return
	}
	r.engine.Close(r.sess)
	r.sess, r.cert = nil, nil
}

func (r *run) outputPath(input string) (string, error) {
	dir := r.job.OutputDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(input), r.engine.Defaults().Batch.OutputDirName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(input)), nil
}
