package usecase

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

// MaskedValue replaces sensitive field values before a payload is persisted.
// Masked fields are dropped again when the payload is decoded, so the backend
// keeps whatever value it already has.
const MaskedValue = "[masked]"

type SensitiveFieldSource interface {
	SensitiveFields(collection string) []string
}

type wirePayload struct {
	ID   string       `json:"id,omitempty"`
	IDs  []string     `json:"ids,omitempty"`
	Data domain.Row   `json:"data,omitempty"`
	Rows []domain.Row `json:"rows,omitempty"`

	// Masked lists the keys Encode replaced with MaskedValue.
	Masked []string `json:"masked,omitempty"`
}

type PayloadCodec struct {
	sensitive SensitiveFieldSource
}

func NewPayloadCodec(sensitive SensitiveFieldSource) *PayloadCodec {
	return &PayloadCodec{sensitive: sensitive}
}

// Encode masks, serializes and base64 wraps an operation.
func (c *PayloadCodec) Encode(collection string, op domain.Operation) (string, error) {
	var fields []string
	if c.sensitive != nil {
		fields = c.sensitive.SensitiveFields(collection)
	}

	var wire wirePayload
	mask := func(row domain.Row) domain.Row {
		out, masked := maskRow(row, fields)
		for _, k := range masked {
			if !slices.Contains(wire.Masked, k) {
				wire.Masked = append(wire.Masked, k)
			}
		}
		return out
	}
	switch o := op.(type) {
	case domain.Insert:
		wire.Data = mask(o.Row)
	case domain.Update:
		wire.ID = o.ID
		wire.Data = mask(o.Fields)
	case domain.Delete:
		wire.ID = o.ID
	case domain.BulkDelete:
		wire.IDs = o.IDs
	case domain.BulkUpdate:
		wire.IDs = o.IDs
		wire.Data = mask(o.Fields)
	case domain.Upsert:
		wire.Rows = make([]domain.Row, 0, len(o.Rows))
		for _, row := range o.Rows {
			wire.Rows = append(wire.Rows, mask(row))
		}
	case domain.RemoteCall:
		wire.Data = mask(o.Args)
	default:
		return "", fmt.Errorf("%w: unsupported operation %T", domain.ErrInvalidOperation, op)
	}
	slices.Sort(wire.Masked)

	raw, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Every failure wraps domain.ErrPayloadCorrupt.
func (c *PayloadCodec) Decode(kind domain.OperationKind, onConflict, payload string) (domain.Operation, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", domain.ErrPayloadCorrupt, err)
	}
	op, err := DecodeOperation(kind, raw, onConflict)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPayloadCorrupt, err)
	}
	return op, nil
}

// DecodeOperation builds an operation from its JSON wire form.
func DecodeOperation(kind domain.OperationKind, raw json.RawMessage, onConflict string) (domain.Operation, error) {
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	unmask := func(row domain.Row) domain.Row { return unmaskRow(row, wire.Masked) }

	var op domain.Operation
	switch kind {
	case domain.KindInsert:
		op = domain.Insert{Row: unmask(wire.Data)}
	case domain.KindUpdate:
		op = domain.Update{ID: wire.ID, Fields: unmask(wire.Data)}
	case domain.KindDelete:
		op = domain.Delete{ID: wire.ID}
	case domain.KindBulkDelete:
		op = domain.BulkDelete{IDs: wire.IDs}
	case domain.KindBulkUpdate:
		op = domain.BulkUpdate{IDs: wire.IDs, Fields: unmask(wire.Data)}
	case domain.KindUpsert:
		rows := make([]domain.Row, 0, len(wire.Rows))
		for _, row := range wire.Rows {
			row = unmask(row)
			if len(row) == 0 && len(wire.Masked) > 0 {
				continue
			}
			rows = append(rows, row)
		}
		op = domain.Upsert{Rows: rows, OnConflict: onConflict}
	case domain.KindRPC:
		op = domain.RemoteCall{Args: unmask(wire.Data)}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidOperation, kind)
	}
	// The operation was valid when it was queued; unmasking may have left it
	// with nothing to write.
	if len(wire.Masked) > 0 && WritesNothing(op) {
		return op, nil
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// WritesNothing reports whether a decoded operation carries no field to send.
// It only happens when every written field was sensitive.
func WritesNothing(op domain.Operation) bool {
	switch o := op.(type) {
	case domain.Insert:
		return len(o.Row) == 0
	case domain.Update:
		return len(o.Fields) == 0
	case domain.BulkUpdate:
		return len(o.Fields) == 0
	case domain.Upsert:
		return len(o.Rows) == 0
	}
	return false
}

func maskRow(row domain.Row, fields []string) (domain.Row, []string) {
	if len(fields) == 0 || row == nil {
		return row, nil
	}
	out := maps.Clone(row)
	var masked []string
	for _, f := range fields {
		if _, ok := out[f]; ok {
			out[f] = MaskedValue
			masked = append(masked, f)
		}
	}
	return out, masked
}

func unmaskRow(row domain.Row, masked []string) domain.Row {
	for _, k := range masked {
		if s, ok := row[k].(string); ok && s == MaskedValue {
			delete(row, k)
		}
	}
	return row
}
