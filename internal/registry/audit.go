package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/DevilsDev/ragpipe/internal/eventbus"
)

// AuditRecord captures one signature-verification attempt. Records are
// emitted on the event bus whether verification succeeded or failed; the
// sink (stdout, file, SIEM) is whatever the embedder subscribes.
type AuditRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Component  string    `json:"component"`
	PluginName string    `json:"plugin_name"`
	SignerID   string    `json:"signer_id"`
	Version    string    `json:"version"`
	Verified   bool      `json:"verified"`
	Error      string    `json:"error,omitempty"`
}

func (r *Registry) emitAudit(rec AuditRecord) {
	if r.bus == nil {
		return
	}
	rec.ID = uuid.New().String()
	rec.Timestamp = time.Now().UTC()
	rec.Component = "registry"
	r.bus.Emit(eventbus.EventAudit, map[string]any{"record": rec})
}
