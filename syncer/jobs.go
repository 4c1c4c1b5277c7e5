package syncer

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/settings"
)

// PedidoSyncJob periodically runs the pedido stream sync. Concurrent triggers
// of the same job are dropped, not queued.
type PedidoSyncJob struct {
	sync     *Syncer
	settings *settings.Service
	log      *slog.Logger
	interval time.Duration
	running  atomic.Bool
}

// NewPedidoSyncJob creates the job. interval <= 0 defaults to 24h.
func NewPedidoSyncJob(sync *Syncer, svc *settings.Service, log *slog.Logger, interval time.Duration) *PedidoSyncJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &PedidoSyncJob{sync: sync, settings: svc, log: log, interval: interval}
}

// Start blocks until ctx is done, running the sync every interval.
func (j *PedidoSyncJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce triggers one sync run. A run already in progress makes this a
// no-op.
func (j *PedidoSyncJob) RunOnce(ctx context.Context) {
	if !j.settings.GetBool(ctx, settings.KeySyncEnabled, true) {
		j.log.Info("pedido sync disabled, skipping run")
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.log.Info("pedido sync already running, dropping trigger")
		return
	}
	defer j.running.Store(false)

	limit := j.settings.GetInt(ctx, settings.KeySyncLimit, 50)
	cursor := j.settings.Get(ctx, settings.KeySyncCursor, "")
	j.log.Info("pedido sync starting", "limit", limit, "cursor", cursor)
	inserted := j.sync.SyncMissingPedidos(ctx, limit, cursor, "next")
	j.log.Info("pedido sync run complete", "inserted", inserted)
}

// RespostaBackfillJob periodically pulls respostas for locally known pedidos.
// It short-circuits when no pedidos exist yet and confirms consumption to CT
// after a successful run without blocking the scheduler.
type RespostaBackfillJob struct {
	sync     *Syncer
	settings *settings.Service
	pedidos  interfaces.PedidoStore
	acks     AckSender
	log      *slog.Logger
	interval time.Duration
	running  atomic.Bool
}

// NewRespostaBackfillJob creates the job. acks may be nil. interval <= 0
// defaults to 5m.
func NewRespostaBackfillJob(sync *Syncer, svc *settings.Service, pedidos interfaces.PedidoStore,
	acks AckSender, log *slog.Logger, interval time.Duration) *RespostaBackfillJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RespostaBackfillJob{
		sync:     sync,
		settings: svc,
		pedidos:  pedidos,
		acks:     acks,
		log:      log,
		interval: interval,
	}
}

// Start blocks until ctx is done, running the backfill every interval.
func (j *RespostaBackfillJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce triggers one backfill run, dropping the trigger if a run is in
// progress.
func (j *RespostaBackfillJob) RunOnce(ctx context.Context) {
	if !j.settings.GetBool(ctx, settings.KeySyncRespostasEnabled, true) {
		j.log.Info("resposta backfill disabled, skipping run")
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.log.Info("resposta backfill already running, dropping trigger")
		return
	}
	defer j.running.Store(false)

	any, err := j.pedidos.Any(ctx)
	if err != nil {
		j.log.Warn("resposta backfill could not check pedido store", "err", err)
		return
	}
	if !any {
		j.log.Info("no pedidos stored yet, nothing to backfill")
		return
	}

	limit := j.settings.GetInt(ctx, settings.KeySyncPageLimit, j.settings.GetInt(ctx, settings.KeySyncLimit, 20))
	cursor := j.settings.Get(ctx, settings.KeySyncRespostasCursor, "")

	touched := j.sync.SyncRespostas(ctx, limit, cursor, "next", nil)
	j.log.Info("resposta backfill complete", "touchedPedidos", len(touched))

	if len(touched) > 0 && j.acks != nil {
		// Fire and forget; ACK delivery must not block the scheduler.
		go func(ids []int64) {
			ackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := j.acks.SendConsumed(ackCtx, ids); err != nil {
				j.log.Warn("consumed ACK failed", "count", len(ids), "err", err)
			}
		}(touched)
	}
}
