// Package syncer implements the incremental synchronization engine: it pages
// through CT's catalog with opaque cursors, persists new pedidos and
// respostas, tracks resumable positions, and drives webhook registration for
// newly discovered records.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/csaude/sespct-api/ctclient"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/metrics"
	"github.com/csaude/sespct-api/settings"
)

// maxPages is a runaway-protection valve per sync run.
const maxPages = 200

// PartnerClient is the slice of the CT API client the engine pages with.
type PartnerClient interface {
	PagePedidos(ctx context.Context, q ctclient.CursorQuery) (interfaces.Page, error)
	PageRespostas(ctx context.Context, q ctclient.CursorQuery) (interfaces.Page, error)
	PageRespostasByPedidoIDs(ctx context.Context, pedidoIDs []int64, q ctclient.CursorQuery) (interfaces.Page, error)
}

// WebhookRegistrar subscribes CT events for a batch of pedido ids.
type WebhookRegistrar interface {
	RegisterForPedidoIDs(ctx context.Context, pedidoIDs []int64) error
}

// AckSender confirms consumption of respostas to CT.
type AckSender interface {
	SendConsumed(ctx context.Context, pedidoIDs []int64) error
}

// Syncer runs the two cursor streams. One run is strictly sequential; the
// jobs in this package guarantee at most one run at a time.
type Syncer struct {
	client    PartnerClient
	pedidos   interfaces.PedidoStore
	respostas interfaces.RespostaStore
	settings  *settings.Service
	registrar WebhookRegistrar
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a Syncer. registrar and m may be nil.
func New(client PartnerClient, pedidos interfaces.PedidoStore, respostas interfaces.RespostaStore,
	svc *settings.Service, registrar WebhookRegistrar, log *slog.Logger, m *metrics.Metrics) *Syncer {
	return &Syncer{
		client:    client,
		pedidos:   pedidos,
		respostas: respostas,
		settings:  svc,
		registrar: registrar,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// SyncMissingPedidos pages through CT's pedido stream from startCursor and
// inserts records not yet known locally. The cursor is persisted after every
// fully processed page so a crash does not replay the stream. Returns the
// number of records inserted this run.
//
// A page failure ends the run but keeps everything persisted so far; the next
// scheduled run resumes from the last good cursor. Webhook registration for
// the newly inserted ids happens after the loop and its failure is logged,
// never rolled back into the already committed records.
func (s *Syncer) SyncMissingPedidos(ctx context.Context, limit int, startCursor, direction string) int {
	if limit <= 0 {
		limit = 20
	}
	if direction == "" {
		direction = "next"
	}
	cursor := startCursor

	var newlyInserted []int64
	page := 0
	for {
		page++
		resp, err := s.client.PagePedidos(ctx, ctclient.CursorQuery{
			Limit:     limit,
			Cursor:    cursor,
			Direction: direction,
		})
		if err != nil {
			s.log.Warn("pedido sync page failed", "page", page, "cursor", cursor, "err", err)
			break
		}
		s.countPage("pedidos")

		if len(resp.Items) == 0 {
			s.log.Info("pedido sync reached empty page", "page", page)
			break
		}

		insertedThisPage := 0
		skipped := 0
		for _, item := range resp.Items {
			pedidoID, ok := ctclient.PedidoID(item)
			if !ok {
				skipped++
				continue
			}

			payload, err := json.Marshal(item)
			if err != nil {
				skipped++
				continue
			}

			inserted, err := s.pedidos.InsertIfAbsent(ctx, &interfaces.Pedido{
				UUID:         uuid.NewString(),
				PedidoIDCT:   pedidoID,
				FacilityCode: ctclient.PedidoFacility(item),
				Payload:      string(payload),
				Status:       interfaces.StatusNew,
				CreatedAt:    s.now(),
			})
			if err != nil {
				s.log.Warn("pedido insert failed", "pedidoIdCt", pedidoID, "err", err)
				continue
			}
			if inserted {
				newlyInserted = append(newlyInserted, pedidoID)
				insertedThisPage++
				s.countInsert()
			}
		}
		s.log.Info("pedido sync page done", "page", page, "inserted", insertedThisPage, "skipped", skipped)

		if resp.Done() {
			s.log.Info("pedido sync finished", "pages", page, "inserted", len(newlyInserted))
			break
		}
		if err := s.settings.Upsert(ctx, settings.KeySyncCursor, resp.NextCursor,
			"STRING", "Last pedido sync cursor (CT)", true, "system"); err != nil {
			s.log.Warn("failed to persist pedido cursor", "cursor", resp.NextCursor, "err", err)
			break
		}
		cursor = resp.NextCursor

		if page >= maxPages {
			s.log.Warn("pedido sync page ceiling reached", "pages", page)
			break
		}
	}

	if err := s.settings.Upsert(ctx, settings.KeySyncLastRunISO, s.now().UTC().Format(time.RFC3339),
		"STRING", "Last pedido sync run (CT)", true, "system"); err != nil {
		s.log.Warn("failed to persist sync timestamp", "err", err)
	}

	if len(newlyInserted) > 0 && s.registrar != nil {
		ids := distinctSorted(newlyInserted)
		if err := s.registrar.RegisterForPedidoIDs(ctx, ids); err != nil {
			s.log.Warn("post-sync webhook registration failed", "count", len(ids), "err", err)
		} else {
			s.log.Info("webhook updated for new pedidos", "count", len(ids))
		}
	}
	return len(newlyInserted)
}

// SyncRespostas pages through CT's resposta stream and upserts each resposta
// by its external id. The resposta cursor is independent from the pedido one
// and is written back only when it actually advanced during this run.
// Returns the distinct pedido ids whose respostas were touched.
func (s *Syncer) SyncRespostas(ctx context.Context, limit int, startCursor, direction string, pedidoIDFilter []int64) []int64 {
	if limit <= 0 {
		limit = 20
	}
	if direction == "" {
		direction = "next"
	}
	cursor := startCursor
	initialCursor := startCursor
	lastNextCursor := ""

	touched := make([]int64, 0)
	touchedSet := map[int64]bool{}
	page := 0
	for {
		page++
		var resp interfaces.Page
		var err error
		q := ctclient.CursorQuery{Limit: limit, Cursor: cursor, Direction: direction}
		if len(pedidoIDFilter) > 0 {
			resp, err = s.client.PageRespostasByPedidoIDs(ctx, pedidoIDFilter, q)
		} else {
			resp, err = s.client.PageRespostas(ctx, q)
		}
		if err != nil {
			s.log.Warn("resposta sync page failed", "page", page, "cursor", cursor, "err", err)
			break
		}
		s.countPage("respostas")

		if len(resp.Items) == 0 {
			s.log.Info("resposta sync reached empty page", "page", page)
			break
		}

		processed := 0
		for _, item := range resp.Items {
			payload, err := json.Marshal(item)
			if err != nil {
				continue
			}
			pedidoID, ok := s.storeResposta(ctx, ctclient.RecordBody(item, "dadosResposta"), string(payload))
			if !ok {
				continue
			}
			if !touchedSet[pedidoID] {
				touchedSet[pedidoID] = true
				touched = append(touched, pedidoID)
			}
			processed++
		}
		s.log.Info("resposta sync page done", "page", page, "processed", processed)

		if resp.Done() {
			s.log.Info("resposta sync finished", "pages", page, "touchedPedidos", len(touched))
			break
		}
		cursor = resp.NextCursor
		lastNextCursor = resp.NextCursor

		if page >= maxPages {
			s.log.Warn("resposta sync page ceiling reached", "pages", page)
			break
		}
	}

	if lastNextCursor != "" && lastNextCursor != initialCursor {
		if err := s.settings.Upsert(ctx, settings.KeySyncRespostasCursor, lastNextCursor,
			"STRING", "Last resposta sync cursor (CT)", true, "system"); err != nil {
			s.log.Warn("failed to persist resposta cursor", "cursor", lastNextCursor, "err", err)
		}
	}
	return touched
}

// storeResposta upserts one resposta record, inheriting the facility code
// from the owning pedido when it is known locally. Records without resolvable
// ids are skipped.
func (s *Syncer) storeResposta(ctx context.Context, body map[string]any, payload string) (int64, bool) {
	respostaID, pedidoID, ok := ctclient.RespostaIDs(body)
	if !ok {
		return 0, false
	}

	facility := interfaces.UnknownFacility
	if parent, err := s.pedidos.FindByPedidoIDCT(ctx, pedidoID); err == nil {
		facility = parent.FacilityCode
	}

	err := s.respostas.Upsert(ctx, &interfaces.Resposta{
		UUID:         uuid.NewString(),
		RespostaIDCT: respostaID,
		PedidoIDCT:   pedidoID,
		FacilityCode: facility,
		Payload:      payload,
		Status:       interfaces.StatusNew,
		CreatedAt:    s.now(),
	})
	if err != nil {
		s.log.Warn("resposta upsert failed", "respostaIdCt", respostaID, "err", err)
		return 0, false
	}
	if s.metrics != nil {
		s.metrics.RespostasUpserted.Inc()
	}
	s.log.Debug("resposta stored", "respostaIdCt", respostaID, "pedidoIdCt", pedidoID)
	return pedidoID, true
}

func (s *Syncer) countPage(kind string) {
	if s.metrics != nil {
		s.metrics.SyncPagesFetched.WithLabelValues(kind).Inc()
	}
}

func (s *Syncer) countInsert() {
	if s.metrics != nil {
		s.metrics.PedidosInserted.Inc()
	}
}

func distinctSorted(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
