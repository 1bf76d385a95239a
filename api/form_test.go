package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormStage_Parse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]interface{}
	}{
		{"flat", "pickup=Main+St&destination=Airport%20T2",
			map[string]interface{}{"pickup": "Main St", "destination": "Airport T2"}},
		{"repeated key", "stop=a&stop=b",
			map[string]interface{}{"stop": []interface{}{"a", "b"}}},
		{"nested object", "rider[name]=Ann&rider[phone][mobile]=555",
			map[string]interface{}{"rider": map[string]interface{}{
				"name":  "Ann",
				"phone": map[string]interface{}{"mobile": "555"},
			}}},
		{"append", "stops[]=a&stops[]=b",
			map[string]interface{}{"stops": []interface{}{"a", "b"}}},
		{"indexed out of order", "stops[1]=b&stops[0]=a",
			map[string]interface{}{"stops": []interface{}{"a", "b"}}},
		{"sparse index compacts", "stops[3]=x",
			map[string]interface{}{"stops": []interface{}{"x"}}},
		{"index above limit is a key", "stops[21]=x",
			map[string]interface{}{"stops": map[string]interface{}{"21": "x"}}},
		{"list of objects", "legs[0][from]=A&legs[0][to]=B",
			map[string]interface{}{"legs": []interface{}{map[string]interface{}{"from": "A", "to": "B"}}}},
		{"key without value", "flag&empty=",
			map[string]interface{}{"flag": "", "empty": ""}},
		{"invalid escape kept raw", "note=100%",
			map[string]interface{}{"note": "100%"}},
		{"unclosed bracket is literal", "a[b=1",
			map[string]interface{}{"a[b": "1"}},
		{"empty pairs ignored", "&&a=1&",
			map[string]interface{}{"a": "1"}},
		{"empty", "", map[string]interface{}{}},
	}

	stage := NewFormStage(0, 0, DefaultFormDepth)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stage.parse(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormStage_DepthLimit(t *testing.T) {
	stage := NewFormStage(0, 0, 1)
	got, err := stage.parse("a[b][c][d]=v")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"[c][d]": "v"}},
	}, got)
}

func TestFormStage_ParameterLimit(t *testing.T) {
	stage := NewFormStage(0, 3, DefaultFormDepth)

	_, err := stage.parse("a=1&b=2&c=3")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=1&b=2&c=3&d=4"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = stage.Transform(req)

	var mbe *MalformedBodyError
	require.ErrorAs(t, err, &mbe)
	assert.Equal(t, http.StatusRequestEntityTooLarge, mbe.Status)
	assert.ErrorIs(t, err, ErrTooManyParameters)
}

func TestFormStage_Conflicts(t *testing.T) {
	stage := NewFormStage(0, 0, DefaultFormDepth)
	for _, body := range []string{"a=1&a[b]=2", "a[b]=1&a=2", "a[]=1&a[0][x]=2"} {
		_, err := stage.parse(body)
		assert.ErrorIs(t, err, ErrFormConflict, body)
	}
}

func TestFormStage_SkipsOtherRequests(t *testing.T) {
	stage := NewFormStage(0, 0, DefaultFormDepth)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	out, err := stage.Transform(req)
	require.NoError(t, err)
	assert.False(t, bodyParsed(out.Context()))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(WithPayload(req.Context(), &Payload{ParsedBy: StageJSON, Value: map[string]interface{}{}}))
	out, err = stage.Transform(req)
	require.NoError(t, err)
	assert.Equal(t, StageJSON, BodyFromContext(out.Context()).ParsedBy)
}
