// Package jsonrs provides a JSON marshalling/unmarshalling facade so that the
// underlying implementation can be switched through configuration.
package jsonrs

import (
	"io"

	"github.com/rudderlabs/rudder-go-kit/config"
)

const (
	// StdLib denotes the standard library implementation.
	StdLib = "std"
	// JsoniterLib denotes the github.com/json-iterator/go implementation.
	JsoniterLib = "jsoniter"
)

// Default is the JSON implementation used by the package level functions.
var Default = New(config.Default)

// JSON is the interface that wraps the basic JSON operations.
type JSON interface {
	Marshal(v any) ([]byte, error)
	MarshalIndent(v any, prefix, indent string) ([]byte, error)
	Unmarshal(data []byte, v any) error
	MarshalToString(v any) (string, error)
	NewDecoder(r io.Reader) Decoder
	NewEncoder(w io.Writer) Encoder
}

// Decoder reads and decodes JSON values from an input stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder writes JSON values to an output stream.
type Encoder interface {
	Encode(v any) error
}

// New returns a new JSON implementation based on the configuration.
func New(conf *config.Config) JSON {
	switch conf.GetStringVar(JsoniterLib, "Json.Library") {
	case StdLib:
		return &stdJSON{}
	default:
		return &jsoniterJSON{}
	}
}

func Marshal(v any) ([]byte, error) {
	return Default.Marshal(v)
}

func MarshalToString(v any) (string, error) {
	return Default.MarshalToString(v)
}

func Unmarshal(data []byte, v any) error {
	return Default.Unmarshal(data, v)
}

func NewDecoder(r io.Reader) Decoder {
	return Default.NewDecoder(r)
}

func NewEncoder(w io.Writer) Encoder {
	return Default.NewEncoder(w)
}
