package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcompliance/pkg/workerpool"
)

// Violation identifies an entry that failed re-verification.
type Violation struct {
	Table Table  `json:"table"`
	Seq   int64  `json:"seq"`
	Error string `json:"error"`
}

// SweepReport summarizes one integrity sweep over a ledger table.
type SweepReport struct {
	Table      Table       `json:"table"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Clean reports whether no violation was found.
func (r *SweepReport) Clean() bool { return len(r.Violations) == 0 }

// SweeperConfig tunes the integrity sweep.
type SweeperConfig struct {
	PageSize int
	Pool     workerpool.Config
	// RecordResult appends an integrity_sweep system entry after each run.
	RecordResult bool
}

// DefaultSweeperConfig returns the default sweep settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		PageSize:     500,
		Pool:         workerpool.DefaultConfig(),
		RecordResult: true,
	}
}

// Sweeper re-verifies every entry of a ledger table.
type Sweeper struct {
	ledger *Ledger
	cfg    SweeperConfig
	logger *zap.Logger
}

// NewSweeper creates a sweeper over l.
func NewSweeper(l *Ledger, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultSweeperConfig().PageSize
	}
	if cfg.PageSize > maxPageSize {
		cfg.PageSize = maxPageSize
	}
	return &Sweeper{ledger: l, cfg: cfg, logger: logger}
}

// Run pages through table and verifies each entry on the worker pool.
func (s *Sweeper) Run(ctx context.Context, table Table) (*SweepReport, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidDraft, table)
	}
	ctx, span := s.ledger.tracer.Start(ctx, "ledger.Sweep")
	defer span.End()

	report := &SweepReport{Table: table, Violations: []Violation{}, StartedAt: s.ledger.now().UTC()}

	pool, err := workerpool.New(s.cfg.Pool, s.verifyTask, s.logger)
	if err != nil {
		return nil, err
	}
	pool.Start()

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range pool.Results() {
			report.Checked++
			if r.Success {
				continue
			}
			seq, _ := strconv.ParseInt(r.TaskID, 10, 64)
			report.Violations = append(report.Violations, Violation{Table: table, Seq: seq, Error: r.Error.Error()})
		}
	}()

	var after int64
	var scanErr error
	for {
		page, err := s.ledger.Query(ctx, Filter{Table: table, AfterSeq: after, Limit: s.cfg.PageSize})
		if err != nil {
			scanErr = err
			break
		}
		for _, e := range page.Entries {
			task := &workerpool.Task{ID: strconv.FormatInt(e.Seq, 10), Payload: e, Context: ctx}
			if err := pool.SubmitContext(ctx, task); err != nil {
				scanErr = err
				break
			}
		}
		if scanErr != nil || page.NextAfterSeq == 0 {
			break
		}
		after = page.NextAfterSeq
	}

	stopErr := pool.Stop()
	<-collected
	report.FinishedAt = s.ledger.now().UTC()

	if scanErr != nil {
		span.RecordError(scanErr)
		return report, fmt.Errorf("sweep %s ledger: %w", table, scanErr)
	}
	if stopErr != nil {
		return report, stopErr
	}

	s.logger.Info("integrity sweep finished",
		zap.String("table", string(table)),
		zap.Int("checked", report.Checked),
		zap.Int("violations", len(report.Violations)))

	if s.cfg.RecordResult {
		_, err := s.ledger.Record(ctx, SystemDraft(KindIntegritySweep, "ledger:"+string(table), map[string]any{
			"table":      string(table),
			"checked":    report.Checked,
			"violations": len(report.Violations),
		}))
		if err != nil {
			return report, fmt.Errorf("record sweep result: %w", err)
		}
	}
	return report, nil
}

func (s *Sweeper) verifyTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	e, ok := task.Payload.(*Entry)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	if _, err := s.ledger.VerifyIntegrity(ctx, e); err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}
