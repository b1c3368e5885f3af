package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the decoded, strongly typed body of a request. The concrete
// type is fixed by the request's key (see Catalog).
type Payload interface {
	Kind() PayloadKind
}

// DeletePayload drives cascade-gated deletes.
type DeletePayload struct {
	Cascade bool `json:"cascade"`
}

func (DeletePayload) Kind() PayloadKind { return KindDelete }

// FieldEditPayload carries a field→value map. Handlers filter it against a
// per-object allow-list before applying anything.
type FieldEditPayload struct {
	Fields map[string]any `json:"fields"`
}

func (FieldEditPayload) Kind() PayloadKind { return KindFieldEdit }

// StructurePayload edits the (years, terms_per_year) spec of one scope.
type StructurePayload struct {
	Years        int    `json:"years"`
	TermsPerYear int    `json:"terms_per_year"`
	LabelMode    string `json:"label_mode,omitempty"`
	AutoRebuild  bool   `json:"auto_rebuild"`
}

func (StructurePayload) Kind() PayloadKind { return KindStructure }

// BindingPayload changes which hierarchy level owns the structure spec.
type BindingPayload struct {
	Binding     string `json:"binding"`
	AutoRebuild bool   `json:"auto_rebuild"`
}

func (BindingPayload) Kind() PayloadKind { return KindBinding }

// DecodePayload decodes raw into the variant registered for key. Unknown
// fields are rejected. An empty body decodes as "{}".
func DecodePayload(key ActionKey, raw json.RawMessage) (Payload, error) {
	kind, ok := Catalog[key]
	if !ok {
		return nil, &ValidationError{Field: "action", Message: fmt.Sprintf("%s is not a governed action", key)}
	}

	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindDelete:
		var v DeletePayload
		err = decodeStrict(raw, &v)
		p = v
	case KindFieldEdit:
		var v FieldEditPayload
		err = decodeStrict(raw, &v)
		p = v
	case KindStructure:
		var v StructurePayload
		err = decodeStrict(raw, &v)
		p = v
	case KindBinding:
		var v BindingPayload
		err = decodeStrict(raw, &v)
		p = v
	default:
		return nil, &ValidationError{Field: "payload", Message: "unknown payload kind " + string(kind)}
	}
	if err != nil {
		return nil, &ValidationError{Field: "payload", Message: fmt.Sprintf("%s: %v", key, err)}
	}
	return p, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	return dec.Decode(v)
}
