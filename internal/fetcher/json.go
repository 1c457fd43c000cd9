package fetcher

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONObject decodes a single JSON object from a reader. Numbers are
// kept as json.Number so attribute values round-trip without float loss.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// DecodeJSONBytes is DecodeJSONObject over an in-memory body.
func DecodeJSONBytes[T any](body []byte) (*T, error) {
	return DecodeJSONObject[T](bytes.NewReader(body))
}
