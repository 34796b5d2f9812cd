// Package feature turns raw JSON feature payloads into the canonical
// comparable form the merge engine operates on, and maps merged results back
// to the payloads clients submitted.
package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mlied/featsync/pkg/merge"
)

// ErrDuplicate marks a submission carrying two canonically equal features.
var ErrDuplicate = errors.New("duplicate feature")

// Feature is one entry in a map's feature list: the payload as the client
// sent it plus the canonical encoding used for equality.
type Feature struct {
	Raw json.RawMessage
	Key string
}

// List is an ordered feature list.
type List []Feature

// New canonicalizes a single raw payload.
func New(raw json.RawMessage) (Feature, error) {
	key, err := Canonical(raw)
	if err != nil {
		return Feature{}, err
	}
	return Feature{Raw: raw, Key: key}, nil
}

// FromRaw canonicalizes a whole submission, preserving order.
func FromRaw(raws []json.RawMessage) (List, error) {
	out := make(List, 0, len(raws))
	for i, raw := range raws {
		f, err := New(raw)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Keys returns the canonical keys in list order.
func (l List) Keys() []string {
	keys := make([]string, 0, len(l))
	for _, f := range l {
		keys = append(keys, f.Key)
	}
	return keys
}

// Raws returns the raw payloads in list order.
func (l List) Raws() []json.RawMessage {
	raws := make([]json.RawMessage, 0, len(l))
	for _, f := range l {
		raws = append(raws, f.Raw)
	}
	return raws
}

// ValidateUnique rejects lists containing two canonically equal features.
// Uniqueness is enforced here at the boundary so the merge engine can keep
// its simple first-match semantics.
func (l List) ValidateUnique() error {
	seen := make(map[string]int, len(l))
	for i, f := range l {
		if j, ok := seen[f.Key]; ok {
			return fmt.Errorf("features %d and %d: %w", j, i, ErrDuplicate)
		}
		seen[f.Key] = i
	}
	return nil
}

// Merge replays incoming's changes relative to reference on top of latest.
// A removal that latest no longer holds surfaces as *merge.ConflictError[string]
// carrying the canonical keys of the offending features.
func Merge(reference, latest, incoming List) (List, error) {
	mergedKeys, err := merge.Reconcile(reference.Keys(), latest.Keys(), incoming.Keys())
	if err != nil {
		return nil, err
	}

	lookup := make(map[string]json.RawMessage, len(latest)+len(incoming))
	for _, f := range latest {
		lookup[f.Key] = f.Raw
	}
	for _, f := range incoming {
		lookup[f.Key] = f.Raw
	}

	out := make(List, 0, len(mergedKeys))
	for _, key := range mergedKeys {
		out = append(out, Feature{Raw: lookup[key], Key: key})
	}
	return out, nil
}

// Canonical returns a deterministic encoding of a JSON value: object keys
// sorted, insignificant whitespace dropped. Equal values always produce
// identical strings regardless of how the client formatted them.
func Canonical(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return "", fmt.Errorf("failed to decode feature: %w", err)
	}
	var buff bytes.Buffer
	if err := writeCanonical(&buff, value); err != nil {
		return "", err
	}
	return buff.String(), nil
}

func writeCanonical(buff *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buff.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buff.WriteByte(',')
			}
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("failed to encode key: %w", err)
			}
			buff.Write(encodedKey)
			buff.WriteByte(':')
			if err := writeCanonical(buff, v[k]); err != nil {
				return err
			}
		}
		buff.WriteByte('}')
	case []interface{}:
		buff.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buff.WriteByte(',')
			}
			if err := writeCanonical(buff, item); err != nil {
				return err
			}
		}
		buff.WriteByte(']')
	case json.Number:
		buff.WriteString(v.String())
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode value: %w", err)
		}
		buff.Write(encoded)
	}
	return nil
}
