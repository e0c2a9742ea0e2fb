package tool

import (
	"context"
	"fmt"
)

// baseTool holds the schema bookkeeping shared by every built-in
// collaborator stub; each stub fills in fn and readOnly.
type baseTool struct {
	namespace, name string
	inSchema        map[string]interface{}
	outSchema       map[string]interface{}
	readOnly        bool
	fn              func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

func (t *baseTool) Namespace() string                         { return t.namespace }
func (t *baseTool) Name() string                               { return t.name }
func (t *baseTool) InputSchema() map[string]interface{}        { return t.inSchema }
func (t *baseTool) OutputSchema() map[string]interface{}       { return t.outSchema }
func (t *baseTool) IsReadOnly() bool                           { return t.readOnly }
func (t *baseTool) Execute(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
	return t.fn(ctx, in)
}

func schema(fields ...string) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		props[f] = map[string]interface{}{"type": "string"}
	}
	return map[string]interface{}{"type": "object", "properties": props}
}

// RegisterBuiltins populates r with stand-in implementations of the
// collaborator surface named in spec §6 (email, drive, sheets, docs,
// notion, weather, files, web). Each stub is deterministic and
// side-effect-free on the host: it exists so a workflow can exercise the
// registry, the gate, and the mutation ledger end-to-end without a live
// external account.
func RegisterBuiltins(r *Registry) {
	r.Register(&baseTool{
		namespace: "email", name: "send",
		inSchema: schema("to", "subject", "body"), outSchema: schema("message_id"),
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"message_id": fmt.Sprintf("email-%v", in["to"])}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "drive", name: "upload",
		inSchema: schema("name", "content"), outSchema: schema("file_id"),
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"file_id": fmt.Sprintf("drive-%v", in["name"])}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "drive", name: "list",
		inSchema: schema("folder"), outSchema: map[string]interface{}{"type": "array"},
		readOnly: true,
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"files": []string{}}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "sheets", name: "append_row",
		inSchema: schema("spreadsheet_id", "row"), outSchema: schema("range"),
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"range": "Sheet1!A1"}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "docs", name: "append_text",
		inSchema: schema("document_id", "text"), outSchema: schema("document_id"),
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"document_id": fmt.Sprintf("%v", in["document_id"])}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "notion", name: "create_page",
		inSchema: schema("database_id", "title"), outSchema: schema("page_id"),
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"page_id": fmt.Sprintf("page-%v", in["title"])}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "weather", name: "current",
		inSchema: schema("location"), outSchema: schema("summary"),
		readOnly: true,
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"summary": fmt.Sprintf("clear skies over %v", in["location"])}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "files", name: "read",
		inSchema: schema("path"), outSchema: schema("content"),
		readOnly: true,
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"content": ""}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "files", name: "write",
		inSchema: schema("path", "content"), outSchema: schema("path"),
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"path": fmt.Sprintf("%v", in["path"])}, nil
		},
	})
	r.Register(&baseTool{
		namespace: "web", name: "fetch",
		inSchema: schema("url"), outSchema: schema("body"),
		readOnly: true,
		fn: func(ctx context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"body": ""}, nil
		},
	})
}
