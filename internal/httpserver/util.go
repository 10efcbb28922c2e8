package httpserver

import (
	"encoding/json"
	"io"
)

// decodeJSON decodes a JSON request body into dest and closes the reader.
// Unknown fields are rejected so typos in client payloads surface as 400s
// instead of silently dropping options.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
