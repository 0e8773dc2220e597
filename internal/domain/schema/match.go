// Package schema defines the payload types shared by the relay components.
package schema

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// StatusSuccess is the upstream status marker that selects the nested data list.
const StatusSuccess = "success"

// ResultKind tags the shape of a FetchResult.
type ResultKind uint8

const (
	// ResultSuccess marks a result carrying the upstream match list.
	ResultSuccess ResultKind = iota + 1
	// ResultPassthrough marks a result forwarding the raw upstream body.
	ResultPassthrough
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of one upstream fetch: either the upstream data
// value (normally the current match records) or the whole upstream body when
// it did not report success.
type FetchResult struct {
	kind    ResultKind
	matches []json.RawMessage
	data    json.RawMessage
	raw     json.RawMessage
}

// Success builds a result carrying the provided match records.
func Success(matches []json.RawMessage) FetchResult {
	cloned := make([]json.RawMessage, len(matches))
	for i, m := range matches {
		cloned[i] = append(json.RawMessage(nil), m...)
	}
	return FetchResult{kind: ResultSuccess, matches: cloned}
}

// SuccessData builds a success result whose data value is not a list. The
// value is forwarded as is.
func SuccessData(data json.RawMessage) FetchResult {
	return FetchResult{kind: ResultSuccess, data: append(json.RawMessage(nil), data...)}
}

// Passthrough builds a result forwarding the raw upstream body.
func Passthrough(raw json.RawMessage) FetchResult {
	return FetchResult{kind: ResultPassthrough, raw: append(json.RawMessage(nil), raw...)}
}

// Kind reports the result variant.
func (r FetchResult) Kind() ResultKind { return r.kind }

// Matches returns a copy of the match records. It is empty for passthrough
// results and for success results built with SuccessData.
func (r FetchResult) Matches() []json.RawMessage {
	out := make([]json.RawMessage, len(r.matches))
	copy(out, r.matches)
	return out
}

// Raw returns a copy of the passthrough body. It is nil for success results.
func (r FetchResult) Raw() json.RawMessage {
	if r.raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), r.raw...)
}

// MarshalJSON renders the match array for success results and the upstream
// body for passthrough results.
func (r FetchResult) MarshalJSON() ([]byte, error) {
	switch r.kind {
	case ResultSuccess:
		if len(r.data) > 0 {
			return compactJSON(r.data)
		}
		if r.matches == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(r.matches)
	case ResultPassthrough:
		if len(bytes.TrimSpace(r.raw)) == 0 {
			return []byte("null"), nil
		}
		return compactJSON(r.raw)
	default:
		return nil, fmt.Errorf("marshal fetch result: unknown kind %d", r.kind)
	}
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return nil, fmt.Errorf("compact upstream json: %w", err)
	}
	return compacted.Bytes(), nil
}

// Snapshot is the serialised payload of one broadcast cycle. It is built once
// per cycle and shared read-only by every send.
type Snapshot struct {
	Kind    ResultKind
	Payload []byte
}

// NewSnapshot serialises the result into a cycle snapshot.
func NewSnapshot(result FetchResult) (Snapshot, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Snapshot{}, fmt.Errorf("serialise snapshot: %w", err)
	}
	return Snapshot{Kind: result.Kind(), Payload: payload}, nil
}
