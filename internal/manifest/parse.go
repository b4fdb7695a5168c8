package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

var errNotObject = errors.New("value is not a JSON object")

// member is one key/value pair of a JSON object in document order.
type member struct {
	key   string
	value json.RawMessage
}

// Parse decodes a redistrib manifest. Comments and trailing commas are
// tolerated. Only a document that is not a JSON object is an error;
// malformed nodes inside it are recorded on the node and skipped later.
func Parse(data []byte) (*Manifest, error) {
	top, err := members(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	m := &Manifest{}
	for _, mb := range top {
		comp, ok := decodeComponent(mb.key, mb.value)
		if !ok {
			m.Meta = append(m.Meta, Meta{Key: mb.key, Value: scalarString(mb.value)})
			continue
		}
		m.Components = append(m.Components, comp)
	}
	return m, nil
}

// decodeComponent returns false if the value is not a component, i.e. not
// an object or an object without a name key.
func decodeComponent(id string, raw json.RawMessage) (Component, bool) {
	fields, err := members(raw)
	if err != nil {
		return Component{}, false
	}
	if _, ok := lookup(fields, "name"); !ok {
		return Component{}, false
	}

	comp := Component{ID: id}
	for _, f := range fields {
		switch f.key {
		case "name":
			comp.Name = scalarString(f.value)
		case "version":
			comp.Version = scalarString(f.value)
		}
		if IsVariantMetadata(f.key) {
			continue
		}
		comp.Entries = append(comp.Entries, decodeEntry(f.key, f.value))
	}
	return comp, true
}

func decodeEntry(key string, raw json.RawMessage) Entry {
	fields, err := members(raw)
	if err != nil {
		return Entry{Key: key, Kind: KindScalar}
	}

	if _, ok := lookup(fields, "relative_path"); ok {
		art, err := decodeArtifact(fields)
		return Entry{Key: key, Kind: KindArtifact, Artifact: art, Err: err}
	}

	entry := Entry{Key: key, Kind: KindVariants}
	for _, f := range fields {
		v := Variant{Key: f.key}
		vf, err := members(f.value)
		if err != nil {
			v.Err = fmt.Errorf("variant %q: %w", f.key, err)
		} else {
			v.Artifact, v.Err = decodeArtifact(vf)
		}
		entry.Variants = append(entry.Variants, v)
	}
	return entry
}

func decodeArtifact(fields []member) (*Artifact, error) {
	raw, ok := lookup(fields, "relative_path")
	if !ok {
		return nil, fmt.Errorf("missing relative_path")
	}
	var rel string
	if err := json.Unmarshal(raw, &rel); err != nil {
		return nil, fmt.Errorf("relative_path is not a string: %w", err)
	}
	if rel == "" {
		return nil, fmt.Errorf("relative_path is empty")
	}

	art := &Artifact{RelativePath: rel}
	if v, ok := lookup(fields, "sha256"); ok {
		art.SHA256 = scalarString(v)
	}
	if v, ok := lookup(fields, "md5"); ok {
		art.MD5 = scalarString(v)
	}
	if v, ok := lookup(fields, "size"); ok {
		art.Size = scalarString(v)
	}
	return art, nil
}

// members decodes a JSON object, keeping key order. A repeated key keeps
// its first position and its last value.
func members(raw []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}

	var out []member
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", key, err)
		}
		if i, dup := index[key]; dup {
			out[i].value = value
			continue
		}
		index[key] = len(out)
		out = append(out, member{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func lookup(fields []member, key string) (json.RawMessage, bool) {
	for _, f := range fields {
		if f.key == key {
			return f.value, true
		}
	}
	return nil, false
}

// scalarString returns a JSON string's contents, or the raw JSON text for
// any other value (numbers keep their decimal form).
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
