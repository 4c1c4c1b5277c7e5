package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csaude/sespct-api/ctclient"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/settings"
	"github.com/csaude/sespct-api/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePartner replays a scripted sequence of pages keyed by request order.
type fakePartner struct {
	pedidoPages   []pageOrErr
	respostaPages []pageOrErr

	pedidoCalls   []ctclient.CursorQuery
	respostaCalls []ctclient.CursorQuery
	filterCalls   [][]int64
}

type pageOrErr struct {
	page interfaces.Page
	err  error
}

func (f *fakePartner) PagePedidos(_ context.Context, q ctclient.CursorQuery) (interfaces.Page, error) {
	f.pedidoCalls = append(f.pedidoCalls, q)
	idx := len(f.pedidoCalls) - 1
	if idx >= len(f.pedidoPages) {
		return interfaces.Page{}, nil
	}
	return f.pedidoPages[idx].page, f.pedidoPages[idx].err
}

func (f *fakePartner) PageRespostas(_ context.Context, q ctclient.CursorQuery) (interfaces.Page, error) {
	f.respostaCalls = append(f.respostaCalls, q)
	idx := len(f.respostaCalls) - 1
	if idx >= len(f.respostaPages) {
		return interfaces.Page{}, nil
	}
	return f.respostaPages[idx].page, f.respostaPages[idx].err
}

func (f *fakePartner) PageRespostasByPedidoIDs(ctx context.Context, ids []int64, q ctclient.CursorQuery) (interfaces.Page, error) {
	f.filterCalls = append(f.filterCalls, ids)
	return f.PageRespostas(ctx, q)
}

type fakeRegistrar struct {
	calls [][]int64
	err   error
}

func (r *fakeRegistrar) RegisterForPedidoIDs(_ context.Context, ids []int64) error {
	r.calls = append(r.calls, ids)
	return r.err
}

func pedidoItem(id int64) map[string]any {
	return map[string]any{
		"dadosPedido": map[string]any{
			"metadados":   map[string]any{"pedidoId": id},
			"dadosUtente": map[string]any{"codigoUnidadeSanitaria": "1040100"},
		},
	}
}

func respostaItem(respostaID, pedidoID int64) map[string]any {
	return map[string]any{
		"dadosResposta": map[string]any{
			"metadados": map[string]any{"respostaId": respostaID, "pedidoId": pedidoID},
		},
	}
}

type syncFixture struct {
	store   *storage.MemoryStore
	svc     *settings.Service
	partner *fakePartner
	reg     *fakeRegistrar
	sync    *Syncer
}

func newSyncFixture(t *testing.T, partner *fakePartner) *syncFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := settings.New(store.Settings(), testLogger())
	reg := &fakeRegistrar{}
	s := New(partner, store.Pedidos(), store.Respostas(), svc, reg, testLogger(), nil)
	return &syncFixture{store: store, svc: svc, partner: partner, reg: reg, sync: s}
}

func TestSyncMissingPedidosSinglePage(t *testing.T) {
	partner := &fakePartner{pedidoPages: []pageOrErr{
		{page: interfaces.Page{
			Items:   []map[string]any{pedidoItem(1), pedidoItem(2)},
			HasMore: boolPtr(false),
		}},
	}}
	fx := newSyncFixture(t, partner)
	ctx := context.Background()

	inserted := fx.sync.SyncMissingPedidos(ctx, 20, "", "")
	require.Equal(t, 2, inserted)

	p, err := fx.store.Pedidos().FindByPedidoIDCT(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusNew, p.Status)
	require.Equal(t, "1040100", p.FacilityCode)
	require.NotEmpty(t, p.Payload)

	// One webhook registration covering both new ids, in ascending order.
	require.Equal(t, [][]int64{{1, 2}}, fx.reg.calls)

	// Run timestamp always recorded, cursor untouched on a one-page stream.
	require.NotEmpty(t, fx.svc.Get(ctx, settings.KeySyncLastRunISO, ""))
	require.Empty(t, fx.svc.Get(ctx, settings.KeySyncCursor, ""))
}

func TestSyncMissingPedidosCursorPersistedPerPage(t *testing.T) {
	partner := &fakePartner{pedidoPages: []pageOrErr{
		{page: interfaces.Page{Items: []map[string]any{pedidoItem(1)}, NextCursor: "c1", HasMore: boolPtr(true)}},
		{page: interfaces.Page{Items: []map[string]any{pedidoItem(2)}, NextCursor: "c2", HasMore: boolPtr(true)}},
		{err: errors.New("partner timeout")},
	}}
	fx := newSyncFixture(t, partner)
	ctx := context.Background()

	inserted := fx.sync.SyncMissingPedidos(ctx, 10, "", "next")
	require.Equal(t, 2, inserted)

	// The failed third page left the last good cursor behind, so the next
	// run resumes there instead of replaying the stream.
	require.Equal(t, "c2", fx.svc.Get(ctx, settings.KeySyncCursor, ""))
	require.Equal(t, "c1", partner.pedidoCalls[1].Cursor)
	require.Equal(t, "c2", partner.pedidoCalls[2].Cursor)
}

func TestSyncMissingPedidosIdempotent(t *testing.T) {
	page := pageOrErr{page: interfaces.Page{
		Items:   []map[string]any{pedidoItem(1), pedidoItem(2)},
		HasMore: boolPtr(false),
	}}
	partner := &fakePartner{pedidoPages: []pageOrErr{page, page}}
	fx := newSyncFixture(t, partner)
	ctx := context.Background()

	require.Equal(t, 2, fx.sync.SyncMissingPedidos(ctx, 20, "", ""))

	// Replaying the same stream inserts nothing and registers nothing.
	require.Equal(t, 0, fx.sync.SyncMissingPedidos(ctx, 20, "", ""))
	require.Len(t, fx.reg.calls, 1)
}

func TestSyncMissingPedidosSkipsUnresolvable(t *testing.T) {
	partner := &fakePartner{pedidoPages: []pageOrErr{
		{page: interfaces.Page{
			Items: []map[string]any{
				pedidoItem(1),
				{"garbage": "no id here"},
				pedidoItem(3),
			},
			HasMore: boolPtr(false),
		}},
	}}
	fx := newSyncFixture(t, partner)

	inserted := fx.sync.SyncMissingPedidos(context.Background(), 20, "", "")
	require.Equal(t, 2, inserted)
	require.Equal(t, [][]int64{{1, 3}}, fx.reg.calls)
}

func TestSyncMissingPedidosDuplicateWithinRun(t *testing.T) {
	partner := &fakePartner{pedidoPages: []pageOrErr{
		{page: interfaces.Page{Items: []map[string]any{pedidoItem(1)}, NextCursor: "c1"}},
		{page: interfaces.Page{Items: []map[string]any{pedidoItem(1), pedidoItem(2)}, HasMore: boolPtr(false)}},
	}}
	fx := newSyncFixture(t, partner)

	// The repeated id on the second page counts once.
	inserted := fx.sync.SyncMissingPedidos(context.Background(), 20, "", "")
	require.Equal(t, 2, inserted)
	require.Equal(t, [][]int64{{1, 2}}, fx.reg.calls)
}

func TestSyncMissingPedidosRegistrarFailureKeepsRecords(t *testing.T) {
	partner := &fakePartner{pedidoPages: []pageOrErr{
		{page: interfaces.Page{Items: []map[string]any{pedidoItem(7)}, HasMore: boolPtr(false)}},
	}}
	fx := newSyncFixture(t, partner)
	fx.reg.err = errors.New("webhook endpoint down")
	ctx := context.Background()

	require.Equal(t, 1, fx.sync.SyncMissingPedidos(ctx, 20, "", ""))

	// Registration failure never rolls back committed records.
	_, err := fx.store.Pedidos().FindByPedidoIDCT(ctx, 7)
	require.NoError(t, err)
}

func TestSyncMissingPedidosPageCeiling(t *testing.T) {
	partner := &fakePartner{}
	for i := 0; i < maxPages+10; i++ {
		partner.pedidoPages = append(partner.pedidoPages, pageOrErr{page: interfaces.Page{
			Items:      []map[string]any{pedidoItem(int64(i + 1))},
			NextCursor: "more",
			HasMore:    boolPtr(true),
		}})
	}
	fx := newSyncFixture(t, partner)

	inserted := fx.sync.SyncMissingPedidos(context.Background(), 1, "", "")
	require.Equal(t, maxPages, inserted)
	require.Len(t, partner.pedidoCalls, maxPages)
}

func TestSyncRespostasUpsertAndTouched(t *testing.T) {
	partner := &fakePartner{respostaPages: []pageOrErr{
		{page: interfaces.Page{
			Items: []map[string]any{
				respostaItem(10, 1),
				respostaItem(11, 1),
				respostaItem(12, 2),
			},
			HasMore: boolPtr(false),
		}},
	}}
	fx := newSyncFixture(t, partner)
	ctx := context.Background()

	// Pedido 1 is known locally, so its respostas inherit the facility.
	_, err := fx.store.Pedidos().InsertIfAbsent(ctx, &interfaces.Pedido{
		PedidoIDCT: 1, FacilityCode: "1040100", Status: interfaces.StatusNew,
	})
	require.NoError(t, err)

	touched := fx.sync.SyncRespostas(ctx, 20, "", "", nil)
	require.Equal(t, []int64{1, 2}, touched)

	r10, err := fx.store.Respostas().FindByRespostaIDCT(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), r10.PedidoIDCT)
	require.Equal(t, "1040100", r10.FacilityCode)

	r12, err := fx.store.Respostas().FindByRespostaIDCT(ctx, 12)
	require.NoError(t, err)
	require.Equal(t, interfaces.UnknownFacility, r12.FacilityCode)
}

func TestSyncRespostasRedeliveryUpdatesInPlace(t *testing.T) {
	page := pageOrErr{page: interfaces.Page{
		Items:   []map[string]any{respostaItem(10, 1)},
		HasMore: boolPtr(false),
	}}
	partner := &fakePartner{respostaPages: []pageOrErr{page, page}}
	fx := newSyncFixture(t, partner)
	ctx := context.Background()

	fx.sync.SyncRespostas(ctx, 20, "", "", nil)
	fx.sync.SyncRespostas(ctx, 20, "", "", nil)

	all, err := fx.store.Respostas().FindByPedidoIDCT(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSyncRespostasCursorPersistedOnlyWhenAdvanced(t *testing.T) {
	t.Run("advanced", func(t *testing.T) {
		partner := &fakePartner{respostaPages: []pageOrErr{
			{page: interfaces.Page{Items: []map[string]any{respostaItem(10, 1)}, NextCursor: "r1", HasMore: boolPtr(true)}},
			{page: interfaces.Page{Items: []map[string]any{respostaItem(11, 2)}, HasMore: boolPtr(false)}},
		}}
		fx := newSyncFixture(t, partner)
		ctx := context.Background()

		fx.sync.SyncRespostas(ctx, 20, "", "", nil)
		require.Equal(t, "r1", fx.svc.Get(ctx, settings.KeySyncRespostasCursor, ""))
	})

	t.Run("single page leaves cursor alone", func(t *testing.T) {
		partner := &fakePartner{respostaPages: []pageOrErr{
			{page: interfaces.Page{Items: []map[string]any{respostaItem(10, 1)}, HasMore: boolPtr(false)}},
		}}
		fx := newSyncFixture(t, partner)
		ctx := context.Background()

		fx.sync.SyncRespostas(ctx, 20, "", "", nil)
		require.Empty(t, fx.svc.Get(ctx, settings.KeySyncRespostasCursor, ""))
	})
}

func TestSyncRespostasPedidoIDFilter(t *testing.T) {
	partner := &fakePartner{respostaPages: []pageOrErr{
		{page: interfaces.Page{Items: []map[string]any{respostaItem(10, 1)}, HasMore: boolPtr(false)}},
	}}
	fx := newSyncFixture(t, partner)

	fx.sync.SyncRespostas(context.Background(), 20, "", "", []int64{1, 5})
	require.Equal(t, [][]int64{{1, 5}}, partner.filterCalls)
}

func TestDistinctSorted(t *testing.T) {
	require.Equal(t, []int64{1, 2, 5}, distinctSorted([]int64{5, 1, 2, 1, 5}))
	require.Empty(t, distinctSorted(nil))
}

func boolPtr(b bool) *bool { return &b }
