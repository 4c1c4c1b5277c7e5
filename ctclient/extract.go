package ctclient

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/csaude/sespct-api/interfaces"
)

// CT has shipped several shapes for its paginated responses and record
// payloads over time. Each lookup below is an ordered list of pure
// extraction strategies tried in priority order; the first present value
// wins and no further intent is inferred.

// strategy extracts a candidate value from a decoded JSON document.
type strategy func(root map[string]any) (any, bool)

// ParsePage decodes one cursor-pagination response body into a Page.
func ParsePage(clear []byte) (interfaces.Page, error) {
	var root map[string]any
	if err := json.Unmarshal(clear, &root); err != nil {
		return interfaces.Page{}, fmt.Errorf("failed to parse page payload: %w", err)
	}

	section := root
	if s, ok := asMap(root["data"]); ok {
		section = s
	} else if s, ok := asMap(root["content"]); ok {
		section = s
	}

	page := interfaces.Page{Items: extractItems(root, section)}

	if next, ok := firstValue(section, nextCursorStrategies()); ok {
		page.NextCursor = next
	} else if next, ok := firstValue(root, nextCursorStrategies()); ok {
		page.NextCursor = next
	}

	if more, ok := firstBool(section, hasMoreStrategies()); ok {
		page.HasMore = &more
	} else if more, ok := firstBool(root, hasMoreStrategies()); ok {
		page.HasMore = &more
	}

	return page, nil
}

func extractItems(root, section map[string]any) []map[string]any {
	if items, ok := asItemList(section["data"]); ok {
		return items
	}
	if items, ok := asItemList(root["items"]); ok {
		return items
	}
	if items, ok := asItemList(root["results"]); ok {
		return items
	}
	return nil
}

func nextCursorStrategies() []strategy {
	return []strategy{
		func(m map[string]any) (any, bool) { return lookup(m, "nextCursor") },
		func(m map[string]any) (any, bool) { return lookup(m, "next_cursor") },
		func(m map[string]any) (any, bool) { return lookup(m, "meta", "next_cursor") },
		func(m map[string]any) (any, bool) { return lookup(m, "pagination", "next_cursor") },
	}
}

func hasMoreStrategies() []strategy {
	return []strategy{
		func(m map[string]any) (any, bool) { return lookup(m, "meta", "has_more") },
		func(m map[string]any) (any, bool) { return lookup(m, "pagination", "has_more") },
	}
}

// PedidoID resolves the external pedido id of one paged item. The record body
// may sit under "dadosPedido" or be the item itself.
func PedidoID(item map[string]any) (int64, bool) {
	body := RecordBody(item, "dadosPedido")
	return firstInt64(body, []strategy{
		func(m map[string]any) (any, bool) { return lookup(m, "metadados", "pedidoId") },
		func(m map[string]any) (any, bool) { return lookup(m, "pedido_id") },
		func(m map[string]any) (any, bool) { return lookup(m, "pedidoId") },
	})
}

// PedidoFacility resolves the facility code of one paged pedido item,
// UnknownFacility when no known field is present.
func PedidoFacility(item map[string]any) string {
	body := RecordBody(item, "dadosPedido")
	if v, ok := firstValue(body, []strategy{
		func(m map[string]any) (any, bool) { return lookup(m, "codigo_unidade_sanitaria") },
		func(m map[string]any) (any, bool) { return lookup(m, "dadosUtente", "codigoUnidadeSanitaria") },
		func(m map[string]any) (any, bool) { return lookup(m, "facilityCode") },
	}); ok {
		return v
	}
	return interfaces.UnknownFacility
}

// RespostaIDs resolves the resposta and owning pedido ids of one resposta
// record body (already unwrapped from "dadosResposta" if applicable).
func RespostaIDs(body map[string]any) (respostaID, pedidoID int64, ok bool) {
	respostaID, rOK := firstInt64(body, []strategy{
		func(m map[string]any) (any, bool) { return lookup(m, "metadados", "respostaId") },
		func(m map[string]any) (any, bool) { return lookup(m, "respostaId") },
	})
	pedidoID, pOK := firstInt64(body, []strategy{
		func(m map[string]any) (any, bool) { return lookup(m, "metadados", "pedidoId") },
		func(m map[string]any) (any, bool) { return lookup(m, "pedidoId") },
	})
	return respostaID, pedidoID, rOK && pOK
}

// RecordBody unwraps the record body of a paged item: the value under key if
// it is an object, the item itself otherwise.
func RecordBody(item map[string]any, key string) map[string]any {
	if body, ok := asMap(item[key]); ok {
		return body
	}
	return item
}

// maxWalkDepth bounds the recursive id walk against pathological nesting.
const maxWalkDepth = 16

// CollectIDs walks a decoded JSON value collecting numeric values found under
// keys accepted by match. Used as a last resort when structured extraction
// finds nothing. Order of first encounter is preserved, duplicates dropped.
func CollectIDs(v any, match func(key string) bool) []int64 {
	seen := map[int64]bool{}
	var out []int64
	collectIDs(v, match, 0, seen, &out)
	return out
}

func collectIDs(v any, match func(string) bool, depth int, seen map[int64]bool, out *[]int64) {
	if depth > maxWalkDepth {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if match(k) {
				if n, ok := toInt64(child); ok && !seen[n] {
					seen[n] = true
					*out = append(*out, n)
					continue
				}
			}
			collectIDs(child, match, depth+1, seen, out)
		}
	case []any:
		for _, child := range val {
			collectIDs(child, match, depth+1, seen, out)
		}
	}
}

/* ---------- JSON value helpers ---------- */

func lookup(m map[string]any, keys ...string) (any, bool) {
	var cur any = m
	for _, k := range keys {
		obj, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[k]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func firstValue(m map[string]any, strategies []strategy) (string, bool) {
	for _, s := range strategies {
		if v, ok := s(m); ok {
			str := strings.TrimSpace(fmt.Sprintf("%v", v))
			if str != "" && !strings.EqualFold(str, "null") {
				return str, true
			}
		}
	}
	return "", false
}

func firstBool(m map[string]any, strategies []strategy) (bool, bool) {
	for _, s := range strategies {
		v, ok := s(m)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val, true
		case float64:
			return val != 0, true
		case json.Number:
			n, err := val.Int64()
			if err == nil {
				return n != 0, true
			}
		case string:
			trimmed := strings.TrimSpace(val)
			if strings.EqualFold(trimmed, "true") {
				return true, true
			}
			if strings.EqualFold(trimmed, "false") {
				return false, true
			}
			if isDigits(trimmed) {
				return trimmed != "0" && strings.Trim(trimmed, "0") != "", true
			}
		}
	}
	return false, false
}

func firstInt64(m map[string]any, strategies []strategy) (int64, bool) {
	for _, s := range strategies {
		if v, ok := s(m); ok {
			if n, ok := toInt64(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		trimmed := strings.TrimSpace(val)
		if !isDigits(trimmed) {
			return 0, false
		}
		n, err := strconv.ParseInt(trimmed, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asItemList(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if m, ok := asMap(el); ok {
			out = append(out, m)
		}
	}
	return out, true
}
