package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/csaude/sespct-api/ctclient"
	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/settings"
)

// Ingest validates, decrypts, and persists inbound CT webhook envelopes and
// constructs the encrypted acknowledgment returned in the HTTP response.
type Ingest struct {
	settings  *settings.Service
	pedidos   interfaces.PedidoStore
	respostas interfaces.RespostaStore
	archive   interfaces.PayloadArchive
	log       *slog.Logger
	now       func() time.Time
}

// NewIngest creates the ingest pipeline. archive may be nil.
func NewIngest(svc *settings.Service, pedidos interfaces.PedidoStore, respostas interfaces.RespostaStore,
	archive interfaces.PayloadArchive, log *slog.Logger) *Ingest {
	return &Ingest{
		settings:  svc,
		pedidos:   pedidos,
		respostas: respostas,
		archive:   archive,
		log:       log,
		now:       time.Now,
	}
}

// Receive runs the full inbound pipeline: validate the envelope shape,
// verify CT's signature, decrypt, persist the resposta records, and return
// the CONSUMED acknowledgment as an envelope encrypted for CT. The returned
// error wraps one of the interfaces sentinels so the HTTP layer can map it
// to a status code.
func (s *Ingest) Receive(ctx context.Context, env interfaces.Envelope) (interfaces.Envelope, error) {
	if strings.TrimSpace(env.Data) == "" || strings.TrimSpace(env.Signature) == "" {
		return interfaces.Envelope{}, fmt.Errorf("%w: missing data or signature", interfaces.ErrMalformedEnvelope)
	}

	ctPubPEM := s.settings.Get(ctx, settings.KeyCTPublicPEM, "")
	ownPrivPEM := s.settings.Get(ctx, settings.KeyAPIPrivatePEM, "")
	if ctPubPEM == "" || ownPrivPEM == "" {
		return interfaces.Envelope{}, fmt.Errorf("%w: crypto keys not configured", interfaces.ErrMissingCredential)
	}
	ctPub, err := envelope.ParsePublicKeyPEM(ctPubPEM)
	if err != nil {
		return interfaces.Envelope{}, fmt.Errorf("%w: bad CT public key: %v", interfaces.ErrMissingCredential, err)
	}
	ownPriv, err := envelope.ParsePrivateKeyPEM(ownPrivPEM)
	if err != nil {
		return interfaces.Envelope{}, fmt.Errorf("%w: bad own private key: %v", interfaces.ErrMissingCredential, err)
	}

	if !envelope.Verify(env.Data, env.Signature, ctPub) {
		s.log.Warn("webhook signature verification failed",
			"dataLen", len(env.Data), "sigLen", len(env.Signature))
		return interfaces.Envelope{}, interfaces.ErrSignatureInvalid
	}

	clear, err := envelope.Decrypt(env.Data, ownPriv)
	if err != nil {
		return interfaces.Envelope{}, err
	}

	if s.archive != nil {
		// The archive backend owns the file extension.
		name := "webhook-" + s.now().UTC().Format("20060102T150405.000000000")
		if loc, err := s.archive.Store(ctx, name, clear); err != nil {
			s.log.Warn("payload archive write failed", "name", name, "err", err)
		} else {
			s.log.Debug("payload archived", "location", loc)
		}
	}

	pedidoIDs, err := s.ingest(ctx, clear)
	if err != nil {
		return interfaces.Envelope{}, err
	}

	ackJSON, err := json.Marshal(AckPayload{
		Status:    "CONSUMED",
		PedidoIDs: pedidoIDs,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return interfaces.Envelope{}, fmt.Errorf("failed to encode ACK: %w", err)
	}
	return envelope.Build(ackJSON, ctPubPEM, ownPrivPEM)
}

// ingest persists the respostas carried by one decrypted webhook payload and
// returns the distinct owning pedido ids. Accepted shapes, in order:
// a "dadosResposta" object, a flattened record with "metadados.respostaId",
// and a batched "respostas" array. When none matches, a bounded tree walk
// collects pedido ids so consumption can still be acknowledged.
func (s *Ingest) ingest(ctx context.Context, clear []byte) ([]int64, error) {
	var root map[string]any
	if err := json.Unmarshal(clear, &root); err != nil {
		return nil, fmt.Errorf("webhook cleartext is not JSON: %w", err)
	}
	payload := string(clear)

	if body, ok := root["dadosResposta"].(map[string]any); ok {
		pid, err := s.storeResposta(ctx, body, payload)
		if err != nil {
			return nil, err
		}
		return []int64{pid}, nil
	}

	if meta, ok := root["metadados"].(map[string]any); ok && meta["respostaId"] != nil {
		pid, err := s.storeResposta(ctx, root, payload)
		if err != nil {
			return nil, err
		}
		return []int64{pid}, nil
	}

	if batch, ok := root["respostas"].([]any); ok {
		var ids []int64
		seen := map[int64]bool{}
		for _, el := range batch {
			item, ok := el.(map[string]any)
			if !ok {
				continue
			}
			pid, err := s.storeResposta(ctx, ctclient.RecordBody(item, "dadosResposta"), payload)
			if err != nil {
				s.log.Warn("batched resposta skipped", "err", err)
				continue
			}
			if !seen[pid] {
				seen[pid] = true
				ids = append(ids, pid)
			}
		}
		if len(ids) > 0 {
			return ids, nil
		}
	}

	// Last resort: collect anything that looks like a pedido id so the
	// delivery can still be acknowledged.
	ids := ctclient.CollectIDs(root, func(key string) bool {
		return key == "pedidoId" || key == "pedido_id"
	})
	if len(ids) == 0 {
		return nil, fmt.Errorf("webhook payload carries no resolvable identifiers")
	}
	s.log.Warn("webhook payload not in a known shape, acknowledged by id walk", "pedidos", len(ids))
	return ids, nil
}

func (s *Ingest) storeResposta(ctx context.Context, body map[string]any, payload string) (int64, error) {
	respostaID, pedidoID, ok := ctclient.RespostaIDs(body)
	if !ok {
		return 0, fmt.Errorf("resposta without respostaId/pedidoId")
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
		return 0, fmt.Errorf("failed to store resposta %d: %w", respostaID, err)
	}
	s.log.Info("resposta stored from webhook", "respostaIdCt", respostaID, "pedidoIdCt", pedidoID)
	return pedidoID, nil
}
