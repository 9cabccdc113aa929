package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/devblac/escrow-watch/internal/alert"
	"github.com/devblac/escrow-watch/internal/metrics"
	"github.com/devblac/escrow-watch/internal/sink"
	"github.com/devblac/escrow-watch/internal/source/evm"
	"github.com/devblac/escrow-watch/internal/storage"
)

// DefaultDedupeTTL suppresses repeated violation deliveries per network.
const DefaultDedupeTTL = time.Hour

// BlockSource yields confirmed L1 blocks with their token logs.
type BlockSource interface {
	SourceID() string
	Seek(ctx context.Context, height uint64) error
	ProcessNext(ctx context.Context) (evm.Block, bool, error)
}

// RunnerOptions tune a Runner.
type RunnerOptions struct {
	DryRun    bool
	DedupeTTL time.Duration
	From      uint64
	To        uint64
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Runner wires the scanner, reconciler, dedupe, storage, and sinks for a single pass.
type Runner struct {
	store      *storage.Store
	source     BlockSource
	reconciler *Reconciler
	sinks      map[string]sink.Sender
	sinkIDs    []string
	dryRun     bool
	dedupeTTL  time.Duration
	nowFunc    func() time.Time
	targetFrom uint64
	targetTo   uint64
	seeked     bool
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRunner builds a runner over one block source.
func NewRunner(store *storage.Store, source BlockSource, reconciler *Reconciler, sinks map[string]sink.Sender, opts RunnerOptions) (*Runner, error) {
	if store == nil || source == nil || reconciler == nil {
		return nil, errors.New("store, source, and reconciler are required")
	}
	if opts.To > 0 && opts.From > opts.To {
		return nil, fmt.Errorf("from %d is after to %d", opts.From, opts.To)
	}

	ids := make([]string, 0, len(sinks))
	for id := range sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Runner{
		store:      store,
		source:     source,
		reconciler: reconciler,
		sinks:      sinks,
		sinkIDs:    ids,
		dryRun:     opts.DryRun,
		dedupeTTL:  ttl,
		nowFunc:    time.Now,
		targetFrom: opts.From,
		targetTo:   opts.To,
		logger:     logger.With("component", "runner"),
		metrics:    opts.Metrics,
	}, nil
}

// Done reports whether the cursor has reached the --to bound.
func (r *Runner) Done(ctx context.Context) (bool, error) {
	if r.targetTo == 0 {
		return false, nil
	}
	h, _, ok, err := r.store.GetCursor(ctx, r.source.SourceID())
	if err != nil {
		return false, err
	}
	return ok && h >= r.targetTo, nil
}

// RunOnce processes at most one eligible block. It reports whether a block
// was processed so callers can back off when the chain head is reached.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	if !r.seeked && r.targetFrom > 0 {
		if err := r.source.Seek(ctx, r.targetFrom); err != nil {
			return false, fmt.Errorf("seek to %d: %w", r.targetFrom, err)
		}
		r.seeked = true
	}

	done, err := r.Done(ctx)
	if err != nil || done {
		return false, err
	}

	blk, ok, err := r.source.ProcessNext(ctx)
	if err != nil {
		if errors.Is(err, evm.ErrReorgDetected) {
			r.logger.Warn("reorg detected, cursor rewound")
			return false, nil
		}
		return false, fmt.Errorf("l1 source %s: %w", r.source.SourceID(), err)
	}
	if !ok {
		return false, nil
	}

	if err := r.handleBlock(ctx, blk); err != nil {
		return false, err
	}
	r.metrics.BlocksProcessed()
	return true, nil
}

func (r *Runner) handleBlock(ctx context.Context, blk evm.Block) error {
	for _, tx := range blk.Txs {
		findings := r.reconciler.Evaluate(ctx, Batch{
			BlockNumber: blk.Number,
			BlockHash:   blk.Hash,
			TxHash:      tx.TxHash,
			Logs:        tx.Logs,
		})
		if err := r.handleFindings(ctx, findings); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) handleFindings(ctx context.Context, findings []Finding) error {
	for _, f := range findings {
		ev := toSinkEvent(f)
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}

		inserted, err := r.store.InsertAlert(ctx, storage.Alert{
			Fingerprint: ev.Fingerprint,
			AlertID:     f.Alert.AlertID,
			Network:     f.Network,
			Severity:    string(f.Alert.Severity),
			Block:       f.Block,
			TxHash:      ev.TxHash,
			PayloadJSON: string(payload),
			CreatedAt:   r.nowFunc(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			r.logger.Debug("alert already recorded", "fingerprint", ev.Fingerprint)
			continue
		}

		if f.Alert.Severity == alert.SeverityCritical {
			dup, err := r.markViolation(ctx, f.Network)
			if err != nil {
				return err
			}
			if dup {
				r.metrics.AlertsDropped()
				r.logger.Info("violation suppressed by dedupe", "network", f.Network, "block", f.Block)
				continue
			}
		}

		if r.dryRun {
			continue
		}
		r.deliver(ctx, ev)
	}
	return nil
}

// markViolation reports whether a violation on network was already delivered
// within the dedupe window, and opens a new window if not.
func (r *Runner) markViolation(ctx context.Context, network string) (bool, error) {
	key := buildDedupeKey(network)
	now := r.nowFunc()
	isDup, err := r.store.IsDuplicate(ctx, key, now)
	if err != nil {
		return false, err
	}
	if isDup {
		return true, nil
	}
	if err := r.store.MarkDedupe(ctx, key, now.Add(r.dedupeTTL)); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Runner) deliver(ctx context.Context, ev sink.Event) {
	for _, id := range r.sinkIDs {
		s := r.sinks[id]
		if s == nil || !sink.Accepts(s, ev) {
			continue
		}
		rec := storage.Send{Fingerprint: ev.Fingerprint, SinkID: id, Status: "ok", CreatedAt: r.nowFunc()}
		if err := s.Send(ctx, ev); err != nil {
			r.metrics.Errors()
			r.logger.Error("sink delivery failed", "sink", id, "alert_id", ev.Alert.AlertID, "error", err)
			rec.Status = "failed"
			var se *sink.StatusError
			if errors.As(err, &se) {
				rec.ResponseCode = se.Code
			}
		} else {
			r.metrics.AlertsSent()
		}
		if err := r.store.InsertSend(ctx, rec); err != nil {
			r.logger.Warn("record send failed", "sink", id, "error", err)
		}
	}
}

func buildDedupeKey(network string) string {
	return "violation:" + network
}

func fingerprint(f Finding) string {
	return fmt.Sprintf("%s:%d:%s", f.TxHash.Hex(), f.LogIndex, f.Alert.AlertID)
}

func toSinkEvent(f Finding) sink.Event {
	return sink.Event{
		Alert:       f.Alert,
		Network:     f.Network,
		Block:       f.Block,
		TxHash:      f.TxHash.Hex(),
		LogIndex:    f.LogIndex,
		Fingerprint: fingerprint(f),
	}
}
