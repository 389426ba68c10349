package ca

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticationData_Marshal(t *testing.T) {
	d := AuthenticationData{Data: "ZGF0YQ==", Key: "a2V5"}
	raw, err := json.Marshal(d)
	require.NoError(t, err)

	// The envelope travels as a JSON-encoded string.
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.JSONEq(t, `{"data":"ZGF0YQ==","key":"a2V5"}`, s)

	var back AuthenticationData
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back)

	raw, err = json.Marshal(AuthenticationData{})
	require.NoError(t, err)
	assert.Equal(t, `""`, string(raw))
}

func TestAuthenticationData_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    AuthenticationData
		wantErr bool
	}{
		{name: "object", in: `{"data":"d","key":"k"}`, want: AuthenticationData{Data: "d", Key: "k"}},
		{name: "string", in: `"{\"data\":\"d\",\"key\":\"k\"}"`, want: AuthenticationData{Data: "d", Key: "k"}},
		{name: "null", in: `null`},
		{name: "empty string", in: `""`},
		{name: "placeholder", in: `"a blob"`},
		{name: "empty object", in: `{}`},
		{name: "garbage string", in: `"not json"`, wantErr: true},
		{name: "number", in: `42`, wantErr: true},
		{name: "missing key", in: `{"data":"d"}`, wantErr: true},
		{name: "missing data", in: `"{\"key\":\"k\"}"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got AuthenticationData
			err := json.Unmarshal([]byte(tt.in), &got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchState_String(t *testing.T) {
	assert.Equal(t, "data", StateData.String())
	assert.Equal(t, "unchanged", StateUnchanged.String())
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "FetchState(9)", FetchState(9).String())
}
