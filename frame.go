package viewsync

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
)

// Mode identifies the reconciliation shape of a view.
type Mode string

const (
	// ModeState is a keyed view holding the latest state per key
	ModeState Mode = "state"
	// ModeList is a keyed view intended for ordered listing
	ModeList Mode = "list"
	// ModeAppend is an append-only sequence without key addressing
	ModeAppend Mode = "append"
)

// Operation is the reconciliation operation carried by a frame.
type Operation string

const (
	// OpCreate creates an entry; reconciled identically to OpUpsert
	OpCreate Operation = "create"
	// OpUpsert replaces an entry wholesale
	OpUpsert Operation = "upsert"
	// OpPatch deep-merges a partial record into an entry
	OpPatch Operation = "patch"
	// OpDelete removes an entry
	OpDelete Operation = "delete"
	// OpSnapshot carries a batch of entries to upsert at once
	OpSnapshot Operation = "snapshot"
	// OpSubscribed acknowledges a subscription and may attach sort metadata
	OpSubscribed Operation = "subscribed"
)

// parseOperation maps a wire op string to an Operation. Unknown operations
// reconcile as upserts.
func parseOperation(s string) Operation {
	switch Operation(s) {
	case OpCreate, OpUpsert, OpPatch, OpDelete, OpSnapshot, OpSubscribed:
		return Operation(s)
	default:
		return OpUpsert
	}
}

// SortOrder is the direction of a view's sort configuration.
type SortOrder string

const (
	// SortAsc sorts ascending
	SortAsc SortOrder = "asc"
	// SortDesc sorts descending
	SortDesc SortOrder = "desc"
)

// SortConfig describes server-assigned ordering for a view: a field path
// walked through each record and a direction. Once attached to a store it is
// never replaced.
type SortConfig struct {
	// Field is the path segments walked through the record to the sort value
	Field []string `json:"field"`
	// Order is the sort direction
	Order SortOrder `json:"order"`
}

// Frame is one wire-level change record describing an operation against a
// view. Acknowledgement frames (Op == OpSubscribed) carry View and Sort
// instead of Entity/Key/Data.
type Frame struct {
	// Mode is the view mode the frame addresses
	Mode Mode
	// Entity names the view, possibly already qualified with a mode suffix
	Entity string
	// Op is the reconciliation operation
	Op Operation
	// Key addresses the entry within the view; empty for append sequences
	Key string
	// Data is the decoded JSON payload
	Data interface{}
	// Append lists dotted field paths whose arrays are concatenated on patch
	Append []string
	// View is the fully qualified view identifier on acknowledgement frames
	View string
	// Sort is the optional sort configuration on acknowledgement frames
	Sort *SortConfig
}

// IsAck reports whether the frame is a subscription acknowledgement.
func (f *Frame) IsAck() bool {
	return f.Op == OpSubscribed
}

// snapshotEntry is one element of a snapshot frame's data array.
type snapshotEntry struct {
	Key  string
	Data interface{}
}

// wireFrame is the raw JSON shape of a server message. The legacy "export"
// field is an accepted alias for "entity". A compressed envelope uses only
// the "compressed" and "data" members.
type wireFrame struct {
	Mode       string          `json:"mode"`
	Entity     string          `json:"entity"`
	Export     string          `json:"export"`
	View       string          `json:"view"`
	Op         string          `json:"op"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	Append     []string        `json:"append"`
	Sort       *SortConfig     `json:"sort"`
	Compressed string          `json:"compressed"`
}

// gzipMagic is the two-byte prefix of a gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// gunzip decompresses a gzip payload.
func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// DecodeFrame decodes a raw transport message into a Frame.
//
// Compression is detected primarily by sniffing the gzip magic bytes on the
// raw payload; the explicit {"compressed":"gzip","data":"<base64>"} envelope
// is supported as a compatibility path. The decoded JSON must carry op, and
// for data frames mode and entity (or the legacy "export" alias); otherwise
// a *ProtocolError is returned.
func DecodeFrame(raw []byte) (*Frame, error) {
	if bytes.HasPrefix(raw, gzipMagic) {
		plain, err := gunzip(raw)
		if err != nil {
			return nil, &ProtocolError{Reason: "gzip decompression failed", Err: err}
		}
		raw = plain
	}

	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON", Err: err}
	}

	// Compatibility envelope: base64 of gzip bytes wrapped in JSON.
	if wf.Compressed == "gzip" {
		var b64 string
		if err := json.Unmarshal(wf.Data, &b64); err != nil {
			return nil, &ProtocolError{Reason: "compressed envelope data is not a string", Err: err}
		}
		compressed, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &ProtocolError{Reason: "invalid base64 in compressed envelope", Err: err}
		}
		plain, err := gunzip(compressed)
		if err != nil {
			return nil, &ProtocolError{Reason: "gzip decompression failed", Err: err}
		}
		if err := json.Unmarshal(plain, &wf); err != nil {
			return nil, &ProtocolError{Reason: "invalid JSON inside compressed envelope", Err: err}
		}
	}

	if wf.Op == "" {
		return nil, &ProtocolError{Reason: "missing op"}
	}

	entity := wf.Entity
	if entity == "" {
		entity = wf.Export
	}

	op := parseOperation(wf.Op)
	if op != OpSubscribed {
		if wf.Mode == "" {
			return nil, &ProtocolError{Reason: "missing mode"}
		}
		if entity == "" {
			return nil, &ProtocolError{Reason: "missing entity"}
		}
	}

	frame := &Frame{
		Mode:   Mode(wf.Mode),
		Entity: entity,
		Op:     op,
		Key:    wf.Key,
		Append: wf.Append,
		View:   wf.View,
		Sort:   wf.Sort,
	}
	if frame.Append == nil {
		frame.Append = []string{}
	}

	if len(wf.Data) > 0 {
		if err := json.Unmarshal(wf.Data, &frame.Data); err != nil {
			return nil, &ProtocolError{Reason: "invalid data payload", Err: err}
		}
	}
	if frame.Data == nil {
		frame.Data = map[string]interface{}{}
	}

	return frame, nil
}

// snapshotEntries extracts the batch entries from a snapshot frame's data.
// Non-array payloads and malformed elements are skipped.
func snapshotEntries(data interface{}) []snapshotEntry {
	arr, ok := data.([]interface{})
	if !ok {
		return nil
	}
	entries := make([]snapshotEntry, 0, len(arr))
	for _, v := range arr {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		key, ok := m["key"].(string)
		if !ok {
			continue
		}
		entries = append(entries, snapshotEntry{Key: key, Data: m["data"]})
	}
	return entries
}

// pingMessage is the minimal keepalive payload.
var pingMessage = []byte(`{"type":"ping"}`)
