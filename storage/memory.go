package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csaude/sespct-api/interfaces"
)

// MemoryStore is an in-memory implementation of every repository. Used in
// tests and for running the API without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	settings  map[string]memorySetting
	pedidos   map[int64]*interfaces.Pedido
	respostas map[int64]*interfaces.Resposta
	clients   map[string]*interfaces.Client
	nextID    int64
}

type memorySetting struct {
	value   string
	enabled bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings:  make(map[string]memorySetting),
		pedidos:   make(map[int64]*interfaces.Pedido),
		respostas: make(map[int64]*interfaces.Resposta),
		clients:   make(map[string]*interfaces.Client),
	}
}

// Settings returns the settings repository view of the store.
func (s *MemoryStore) Settings() interfaces.SettingRepo { return (*memSettingRepo)(s) }

// Pedidos returns the pedido repository view of the store.
func (s *MemoryStore) Pedidos() interfaces.PedidoStore { return (*memPedidoStore)(s) }

// Respostas returns the resposta repository view of the store.
func (s *MemoryStore) Respostas() interfaces.RespostaStore { return (*memRespostaStore)(s) }

// Clients returns the client repository view of the store.
func (s *MemoryStore) Clients() interfaces.ClientStore { return (*memClientStore)(s) }

type memSettingRepo MemoryStore

func (r *memSettingRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.settings[key]
	if !ok || !entry.enabled {
		return "", interfaces.ErrNotFound
	}
	return entry.value, nil
}

func (r *memSettingRepo) Upsert(_ context.Context, key, value, _, _ string, enabled bool, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = memorySetting{value: value, enabled: enabled}
	return nil
}

type memPedidoStore MemoryStore

func (r *memPedidoStore) InsertIfAbsent(_ context.Context, p *interfaces.Pedido) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pedidos[p.PedidoIDCT]; exists {
		return false, nil
	}

	stored := *p
	r.nextID++
	stored.ID = r.nextID
	if stored.UUID == "" {
		stored.UUID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = interfaces.StatusNew
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.pedidos[p.PedidoIDCT] = &stored
	return true, nil
}

func (r *memPedidoStore) FindByPedidoIDCT(_ context.Context, pedidoIDCT int64) (*interfaces.Pedido, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pedidos[pedidoIDCT]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPedidoStore) FindByStatus(_ context.Context, status interfaces.RecordStatus) ([]*interfaces.Pedido, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*interfaces.Pedido
	for _, p := range r.pedidos {
		if p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PedidoIDCT < out[j].PedidoIDCT })
	return out, nil
}

func (r *memPedidoStore) MarkConsumed(_ context.Context, pedidoIDCT int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pedidos[pedidoIDCT]
	if !ok {
		return interfaces.ErrNotFound
	}
	now := time.Now().UTC()
	p.Status = interfaces.StatusConsumed
	p.ProcessedAt = &now
	return nil
}

func (r *memPedidoStore) Any(_ context.Context) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pedidos) > 0, nil
}

type memRespostaStore MemoryStore

func (r *memRespostaStore) Upsert(_ context.Context, resp *interfaces.Resposta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.respostas[resp.RespostaIDCT]; ok {
		existing.PedidoIDCT = resp.PedidoIDCT
		existing.FacilityCode = resp.FacilityCode
		existing.Payload = resp.Payload
		existing.Status = resp.Status
		return nil
	}

	stored := *resp
	r.nextID++
	stored.ID = r.nextID
	if stored.UUID == "" {
		stored.UUID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = interfaces.StatusNew
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.respostas[resp.RespostaIDCT] = &stored
	return nil
}

func (r *memRespostaStore) FindByRespostaIDCT(_ context.Context, respostaIDCT int64) (*interfaces.Resposta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resp, ok := r.respostas[respostaIDCT]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *resp
	return &cp, nil
}

func (r *memRespostaStore) FindByPedidoIDCT(_ context.Context, pedidoIDCT int64) ([]*interfaces.Resposta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*interfaces.Resposta
	for _, resp := range r.respostas {
		if resp.PedidoIDCT == pedidoIDCT {
			cp := *resp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RespostaIDCT < out[j].RespostaIDCT })
	return out, nil
}

func (r *memRespostaStore) FindByStatus(_ context.Context, status interfaces.RecordStatus) ([]*interfaces.Resposta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*interfaces.Resposta
	for _, resp := range r.respostas {
		if resp.Status == status {
			cp := *resp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RespostaIDCT < out[j].RespostaIDCT })
	return out, nil
}

func (r *memRespostaStore) MarkConsumed(_ context.Context, respostaIDCT int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, ok := r.respostas[respostaIDCT]
	if !ok {
		return interfaces.ErrNotFound
	}
	now := time.Now().UTC()
	resp.Status = interfaces.StatusConsumed
	resp.ProcessedAt = &now
	return nil
}

type memClientStore MemoryStore

func (r *memClientStore) Insert(_ context.Context, c *interfaces.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.ClientID]; exists {
		return interfaces.ErrDuplicate
	}
	stored := *c
	r.nextID++
	stored.ID = r.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.clients[c.ClientID] = &stored
	return nil
}

func (r *memClientStore) FindByClientID(_ context.Context, clientID string) (*interfaces.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// MemoryArchive is an in-memory payload archive for tests.
type MemoryArchive struct {
	mu      sync.Mutex
	Entries map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{Entries: make(map[string][]byte)}
}

// Store keeps a copy of data under name.
func (a *MemoryArchive) Store(_ context.Context, name string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	a.Entries[name] = cp
	return fmt.Sprintf("mem://%s", name), nil
}
