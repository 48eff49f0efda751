package credentials

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

// ErrMalformedBlob is returned when a credential blob is neither one JSON
// object nor a comma-separated list of JSON objects.
var ErrMalformedBlob = core.ErrMalformedCredentialBlob

// Provenance records where an entry came from.
type Provenance string

const (
	// Environment entries come from the credential blob setting.
	Environment Provenance = "environment"
	// File entries come from the watched credentials directory.
	File Provenance = "file"
)

// Entry is one service account credential.
type Entry struct {
	// ID is the hex SHA-256 of the canonical JSON payload.
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"-"`
	Provenance  Provenance      `json:"provenance"`
	ProjectID   string          `json:"project_id,omitempty"`
	ClientEmail string          `json:"client_email,omitempty"`
	Source      string          `json:"source,omitempty"`
	LoadedAt    time.Time       `json:"loaded_at"`
}

// NewEntry builds an entry from one JSON object.
func NewEntry(raw []byte, p Provenance, source string) (Entry, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Entry{}, err
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	sum := sha256.Sum256(canonical)

	e := Entry{
		ID:         hex.EncodeToString(sum[:]),
		Payload:    canonical,
		Provenance: p,
		Source:     source,
		LoadedAt:   time.Now(),
	}
	if v, ok := obj["project_id"].(string); ok {
		e.ProjectID = v
	}
	if v, ok := obj["client_email"].(string); ok {
		e.ClientEmail = v
	}
	return e, nil
}

// ParseBlob parses a credential blob into environment entries. The blob is
// one JSON object, a JSON array of objects, or objects separated by commas.
// Duplicate objects collapse into one entry. An empty blob yields no
// entries and no error.
func ParseBlob(blob string) ([]Entry, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, nil
	}

	var elems []json.RawMessage
	if strings.HasPrefix(blob, "{") {
		if _, err := decodeObject([]byte(blob)); err == nil {
			elems = []json.RawMessage{json.RawMessage(blob)}
		}
	}
	if elems == nil {
		src := blob
		if !strings.HasPrefix(src, "[") {
			src = "[" + src + "]"
		}
		if err := json.Unmarshal([]byte(src), &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
		}
		if len(elems) == 0 {
			return nil, fmt.Errorf("%w: no credential objects found", ErrMalformedBlob)
		}
	}

	seen := make(map[string]struct{}, len(elems))
	out := make([]Entry, 0, len(elems))
	for i, raw := range elems {
		e, err := NewEntry(raw, Environment, fmt.Sprintf("blob[%d]", i))
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedBlob)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected JSON object, got %T", ErrMalformedBlob, v)
	}
	return obj, nil
}
