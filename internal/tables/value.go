package tables

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/withObsrvr/airtable-backup/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindAttachments
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindAttachments:
		return "attachments"
	default:
		return "scalar"
	}
}

// Attachment is a downloadable file referenced by a record field.
type Attachment struct {
	ID       string
	URL      string
	Filename string
	Size     int64
	Type     string

	// raw keeps every key the API sent (thumbnails, dimensions) so structured
	// formats can reproduce the original object.
	raw map[string]any
}

// Value is a single field value. It is exactly one of: a scalar (string,
// float64, bool, nil, or an arbitrary decoded JSON object), an ordered list of
// scalars, or an ordered list of attachments.
type Value struct {
	kind        Kind
	scalar      any
	list        []any
	attachments []Attachment
}

// Scalar wraps a single scalar value.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: v}
}

// List wraps an ordered list of scalar items.
func List(items ...any) Value {
	if items == nil {
		items = []any{}
	}
	return Value{kind: KindList, list: items}
}

// Attachments wraps an ordered list of attachments.
func Attachments(items ...Attachment) Value {
	if items == nil {
		items = []Attachment{}
	}
	return Value{kind: KindAttachments, attachments: items}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Scalar() any { return v.scalar }

func (v Value) List() []any { return v.list }

func (v Value) AttachmentList() []Attachment { return v.attachments }

// Interface returns the value in its original nested shape.
func (v Value) Interface() any {
	switch v.kind {
	case KindList:
		return v.list
	case KindAttachments:
		out := make([]any, 0, len(v.attachments))
		for _, a := range v.attachments {
			out = append(out, a.object())
		}
		return out
	default:
		return v.scalar
	}
}

// Text renders the value as a single cell for flat formats. List items are
// joined with sep, attachment lists render their URLs, objects render as
// compact JSON and nil renders as the empty string.
func (v Value) Text(sep string) string {
	switch v.kind {
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, item := range v.list {
			parts = append(parts, scalarText(item))
		}
		return strings.Join(parts, sep)
	case KindAttachments:
		parts := make([]string, 0, len(v.attachments))
		for _, a := range v.attachments {
			parts = append(parts, a.URL)
		}
		return strings.Join(parts, sep)
	default:
		return scalarText(v.scalar)
	}
}

// IsNull reports whether the value is a nil scalar.
func (v Value) IsNull() bool {
	return v.kind == KindScalar && v.scalar == nil
}

func scalarText(v any) string {
	if s, ok := util.FormatScalar(v); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// MarshalJSON encodes the original nested shape.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON value and classifies it.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ValueOf(raw)
	return nil
}

// MarshalYAML encodes the original nested shape.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// ValueOf classifies a decoded JSON value. A non-empty list whose elements
// are all objects carrying a string "url" is an attachment list; a list of
// scalars is a list; everything else is kept as a scalar.
func ValueOf(raw any) Value {
	items, ok := raw.([]any)
	if !ok {
		return Scalar(raw)
	}
	if atts, ok := attachmentsOf(items); ok {
		return Attachments(atts...)
	}
	for _, item := range items {
		if _, ok := util.FormatScalar(item); !ok {
			return Scalar(raw)
		}
	}
	return List(items...)
}

func attachmentsOf(items []any) ([]Attachment, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]Attachment, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		url, ok := obj["url"].(string)
		if !ok {
			return nil, false
		}
		a := Attachment{URL: url, raw: obj}
		a.ID, _ = obj["id"].(string)
		a.Filename, _ = obj["filename"].(string)
		a.Type, _ = obj["type"].(string)
		if size, ok := obj["size"].(float64); ok {
			a.Size = int64(size)
		}
		out = append(out, a)
	}
	return out, true
}

func (a Attachment) object() map[string]any {
	if a.raw != nil {
		return a.raw
	}
	obj := map[string]any{"url": a.URL}
	if a.ID != "" {
		obj["id"] = a.ID
	}
	if a.Filename != "" {
		obj["filename"] = a.Filename
	}
	if a.Size != 0 {
		obj["size"] = a.Size
	}
	if a.Type != "" {
		obj["type"] = a.Type
	}
	return obj
}
