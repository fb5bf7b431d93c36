package transport

import (
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/paybench/internal/fault"
)

const excerptLen = 200

var responseJSON = jsoniter.Config{
	EscapeHTML: false,
	UseNumber:  true,
}.Froze()

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Excerpt returns the start of the body for error messages.
func (r *Response) Excerpt() string {
	return excerpt(r.Body)
}

// DecodeJSON checks the status and decodes the body into v.
// Numbers decode as json.Number when v is an interface or map.
func DecodeJSON(resp *Response, v any) error {
	const op = "transport.DecodeJSON"

	if !resp.OK() {
		return fault.HTTPStatus(op, resp.Status, resp.Excerpt())
	}
	if err := responseJSON.Unmarshal(resp.Body, v); err != nil {
		return fault.Wrapf(fault.KindParse, op, err, "status %d body %q is not JSON", resp.Status, resp.Excerpt())
	}
	return nil
}

// DecodeObject is DecodeJSON into a generic JSON object.
func DecodeObject(resp *Response) (map[string]any, error) {
	var obj map[string]any
	if err := DecodeJSON(resp, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fault.New(fault.KindParse, "transport.DecodeJSON", "status %d body is not a JSON object", resp.Status)
	}
	return obj, nil
}

func excerpt(b []byte) string {
	if len(b) <= excerptLen {
		return string(b)
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "..."
}
