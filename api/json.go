package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// DefaultBodyLimit matches the 100kb default of common Node body parsers.
const DefaultBodyLimit int64 = 100 * 1024

// JSONStage decodes application/json and +json bodies. Only objects and
// arrays are accepted at the top level; an empty body decodes to {}.
type JSONStage struct {
	limit int64
}

func NewJSONStage(limit int64) *JSONStage {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return &JSONStage{limit: limit}
}

func (s *JSONStage) Name() string { return StageJSON }

func (s *JSONStage) Transform(r *http.Request) (*http.Request, error) {
	if bodyParsed(r.Context()) || !hasBody(r) {
		return r, nil
	}
	mediaType, params, ok := contentType(r)
	if !ok || !isJSONType(mediaType) {
		return r, nil
	}

	data, err := readBody(r, StageJSON, mediaType, params, s.limit)
	if err != nil {
		return r, err
	}

	value, err := decodeJSON(data)
	if err != nil {
		return r, malformed(StageJSON, mediaType, http.StatusBadRequest, err)
	}
	return r.WithContext(WithPayload(r.Context(), &Payload{ParsedBy: StageJSON, Value: value})), nil
}

func isJSONType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func decodeJSON(data []byte) (interface{}, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]interface{}{}, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, ErrStrictJSON
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON: unexpected data after top-level value")
	}
	return value, nil
}

// hasBody reports whether the request may carry a body. ContentLength is -1
// when the length is unknown, as with HTTP/2 requests without the header.
func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0 || len(r.TransferEncoding) > 0
}

func contentType(r *http.Request) (string, map[string]string, bool) {
	header := r.Header.Get("Content-Type")
	if header == "" {
		return "", nil, false
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", nil, false
	}
	return mediaType, params, true
}

// readBody consumes the body of a request a stage has claimed, enforcing the
// size limit, charset and content encoding shared by the body stages.
func readBody(r *http.Request, stage, mediaType string, params map[string]string, limit int64) ([]byte, error) {
	if charset := strings.ToLower(params["charset"]); charset != "" && charset != "utf-8" && charset != "utf8" {
		return nil, malformed(stage, mediaType, http.StatusUnsupportedMediaType,
			fmt.Errorf("%w %q", ErrUnsupportedCharset, charset))
	}
	if enc := strings.ToLower(r.Header.Get("Content-Encoding")); enc != "" && enc != "identity" {
		return nil, malformed(stage, mediaType, http.StatusUnsupportedMediaType,
			fmt.Errorf("%w %q", ErrUnsupportedEncoding, enc))
	}
	if r.ContentLength > limit {
		return nil, malformed(stage, mediaType, http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, malformed(stage, mediaType, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, malformed(stage, mediaType, http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
	}
	r.Body = http.NoBody
	return data, nil
}
