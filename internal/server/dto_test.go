package server

import (
	"errors"
	"testing"

	"powerline/internal/engine"
)

func TestDurationFromBody(t *testing.T) {
	cases := []struct {
		body    string
		want    int
		unset   bool
		wantErr bool
	}{
		{body: `{"reason":"fault"}`, unset: true},
		{body: `{"duration_hours":4}`, want: 4},
		{body: `{"duration_hours":"6"}`, want: 6},
		{body: `{"duration_hours":" 6 "}`, want: 6},
		{body: `{"duration_hours":0}`, want: 0},
		{body: `{"duration_hours":-2}`, want: -2},
		{body: `{"duration_hours":null}`, wantErr: true},
		{body: `{"duration_hours":""}`, wantErr: true},
		{body: `{"duration_hours":"   "}`, wantErr: true},
		{body: `{"duration_hours":1.5}`, wantErr: true},
		{body: `{"duration_hours":"two"}`, wantErr: true},
		{body: `{"duration_hours":true}`, wantErr: true},
		{body: `{"duration_hours":[3]}`, wantErr: true},
		{body: `{"duration_hours":99999999999999999999}`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := durationFromBody([]byte(tc.body))
		if tc.wantErr {
			var ie engine.InputError
			if !errors.As(err, &ie) || ie.Field != "duration_hours" {
				t.Fatalf("%s: expected duration_hours input error, got %v", tc.body, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.body, err)
		}
		if tc.unset {
			if got != nil {
				t.Fatalf("%s: expected unset, got %d", tc.body, *got)
			}
			continue
		}
		if got == nil || *got != tc.want {
			t.Fatalf("%s: expected %d, got %v", tc.body, tc.want, got)
		}
	}
}
