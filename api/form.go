package api

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultParameterLimit = 1000
	DefaultFormDepth      = 5

	// Bracket indexes above this become object keys instead of list slots.
	formArrayLimit = 20
)

// FormStage decodes application/x-www-form-urlencoded bodies using the
// extended bracket syntax: a[b][c]=v builds nested objects, list[]=x and
// list[0]=x build lists. Brackets beyond the depth limit are kept as a
// literal key.
type FormStage struct {
	limit          int64
	parameterLimit int
	depth          int
}

func NewFormStage(limit int64, parameterLimit, depth int) *FormStage {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	if parameterLimit <= 0 {
		parameterLimit = DefaultParameterLimit
	}
	if depth < 0 {
		depth = DefaultFormDepth
	}
	return &FormStage{limit: limit, parameterLimit: parameterLimit, depth: depth}
}

func (s *FormStage) Name() string { return StageURLEncoded }

func (s *FormStage) Transform(r *http.Request) (*http.Request, error) {
	if bodyParsed(r.Context()) || !hasBody(r) {
		return r, nil
	}
	mediaType, params, ok := contentType(r)
	if !ok || mediaType != "application/x-www-form-urlencoded" {
		return r, nil
	}

	data, err := readBody(r, StageURLEncoded, mediaType, params, s.limit)
	if err != nil {
		return r, err
	}

	value, err := s.parse(string(data))
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrTooManyParameters {
			status = http.StatusRequestEntityTooLarge
		}
		return r, malformed(StageURLEncoded, mediaType, status, err)
	}
	return r.WithContext(WithPayload(r.Context(), &Payload{ParsedBy: StageURLEncoded, Value: value})), nil
}

// formList collects indexed and appended values before they are compacted
// into a slice.
type formList struct {
	items map[int]interface{}
	next  int
}

func (l *formList) put(i int, v interface{}) {
	l.items[i] = v
	if i >= l.next {
		l.next = i + 1
	}
}

func (s *FormStage) parse(body string) (map[string]interface{}, error) {
	root := make(map[string]interface{})
	if body == "" {
		return root, nil
	}

	pairs := strings.Split(body, "&")
	if len(pairs) > s.parameterLimit {
		return nil, ErrTooManyParameters
	}

	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key := formUnescape(rawKey)
		if key == "" {
			continue
		}

		segments := splitFormKey(key, s.depth)
		updated, err := formSet(root, segments, formUnescape(rawValue))
		if err != nil {
			return nil, fmt.Errorf("%w at %q", err, key)
		}
		root = updated.(map[string]interface{})
	}
	return compactForm(root).(map[string]interface{}), nil
}

// formUnescape decodes query escapes and keeps the raw text when an escape
// is invalid.
func formUnescape(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return strings.ReplaceAll(s, "+", " ")
	}
	return decoded
}

// splitFormKey turns "a[b][]" into ["a", "b", ""]. An empty segment means
// append.
func splitFormKey(key string, depth int) []string {
	open := strings.IndexByte(key, '[')
	if open <= 0 || !strings.Contains(key[open:], "]") {
		return []string{key}
	}

	segments := []string{key[:open]}
	rest := key[open:]
	for i := 0; i < depth && strings.HasPrefix(rest, "["); i++ {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		segments = append(segments, rest[1:end])
		rest = rest[end+1:]
	}
	if rest != "" {
		segments = append(segments, rest)
	}
	return segments
}

func formIndex(segment string) (int, bool) {
	if segment == "" || (len(segment) > 1 && segment[0] == '0') {
		return 0, false
	}
	i, err := strconv.Atoi(segment)
	if err != nil || i < 0 || i > formArrayLimit {
		return 0, false
	}
	return i, true
}

// formSet stores value under segments inside node and returns the node,
// which may have been replaced by a different container type.
func formSet(node interface{}, segments []string, value string) (interface{}, error) {
	if len(segments) == 0 {
		switch existing := node.(type) {
		case nil:
			return value, nil
		case string:
			l := &formList{items: map[int]interface{}{0: existing}, next: 1}
			l.put(l.next, value)
			return l, nil
		case *formList:
			existing.put(existing.next, value)
			return existing, nil
		default:
			return nil, ErrFormConflict
		}
	}

	segment, rest := segments[0], segments[1:]
	if segment == "" {
		switch existing := node.(type) {
		case nil:
			child, err := formSet(nil, rest, value)
			if err != nil {
				return nil, err
			}
			return &formList{items: map[int]interface{}{0: child}, next: 1}, nil
		case *formList:
			child, err := formSet(nil, rest, value)
			if err != nil {
				return nil, err
			}
			existing.put(existing.next, child)
			return existing, nil
		case map[string]interface{}:
			segment = strconv.Itoa(len(existing))
		default:
			return nil, ErrFormConflict
		}
	}

	if i, ok := formIndex(segment); ok {
		switch existing := node.(type) {
		case nil:
			child, err := formSet(nil, rest, value)
			if err != nil {
				return nil, err
			}
			l := &formList{items: map[int]interface{}{}}
			l.put(i, child)
			return l, nil
		case *formList:
			child, err := formSet(existing.items[i], rest, value)
			if err != nil {
				return nil, err
			}
			existing.put(i, child)
			return existing, nil
		}
	}

	var obj map[string]interface{}
	switch existing := node.(type) {
	case nil:
		obj = make(map[string]interface{})
	case map[string]interface{}:
		obj = existing
	case *formList:
		obj = make(map[string]interface{}, len(existing.items))
		for i, v := range existing.items {
			obj[strconv.Itoa(i)] = v
		}
	default:
		return nil, ErrFormConflict
	}

	child, err := formSet(obj[segment], rest, value)
	if err != nil {
		return nil, err
	}
	obj[segment] = child
	return obj, nil
}

// compactForm replaces every formList with a slice ordered by index.
func compactForm(node interface{}) interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		for k, v := range n {
			n[k] = compactForm(v)
		}
		return n
	case *formList:
		indexes := make([]int, 0, len(n.items))
		for i := range n.items {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		out := make([]interface{}, 0, len(indexes))
		for _, i := range indexes {
			out = append(out, compactForm(n.items[i]))
		}
		return out
	default:
		return n
	}
}
