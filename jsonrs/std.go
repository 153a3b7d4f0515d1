package jsonrs

import (
	"encoding/json"
	"io"
)

// stdJSON is the JSON implementation of the standard library.
type stdJSON struct{}

func (j *stdJSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (j *stdJSON) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

func (j *stdJSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (j *stdJSON) MarshalToString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (j *stdJSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

func (j *stdJSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}
