package audit

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/adpilot/internal/domain"
)

// Codec encodes audit records for export
type Codec interface {
	Encode(rec *domain.AuditRecord) ([]byte, error)
	ContentType() string
	Extension() string
}

// NewCodec returns the codec registered under name: "json" (default) or "msgpack"
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown audit codec %q", name)
}

// JSONCodec encodes records as JSON
type JSONCodec struct{}

func (JSONCodec) Encode(rec *domain.AuditRecord) ([]byte, error) { return json.Marshal(rec) }
func (JSONCodec) ContentType() string                            { return "application/json" }
func (JSONCodec) Extension() string                              { return "json" }

// MsgpackCodec encodes records as MessagePack
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(rec *domain.AuditRecord) ([]byte, error) { return msgpack.Marshal(rec) }
func (MsgpackCodec) ContentType() string                            { return "application/msgpack" }
func (MsgpackCodec) Extension() string                              { return "msgpack" }
