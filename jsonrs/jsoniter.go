package jsonrs

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

// jsoniterAPI is configured for drop-in compatibility with encoding/json, so
// switching backends never changes the wire format.
var jsoniterAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// jsoniterJSON is the default backend, built on github.com/json-iterator/go.
type jsoniterJSON struct{}

func (*jsoniterJSON) Marshal(v any) ([]byte, error) {
	return jsoniterAPI.Marshal(v)
}

func (*jsoniterJSON) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return jsoniterAPI.MarshalIndent(v, prefix, indent)
}

func (*jsoniterJSON) Unmarshal(data []byte, v any) error {
	return jsoniterAPI.Unmarshal(data, v)
}

func (*jsoniterJSON) MarshalToString(v any) (string, error) {
	return jsoniterAPI.MarshalToString(v)
}

func (*jsoniterJSON) NewDecoder(r io.Reader) Decoder {
	return jsoniterAPI.NewDecoder(r)
}

func (*jsoniterJSON) NewEncoder(w io.Writer) Encoder {
	return jsoniterAPI.NewEncoder(w)
}
