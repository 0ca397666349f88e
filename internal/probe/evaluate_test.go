package probe

import (
	"errors"
	"testing"

	"github.com/NTM-Digital/ntmServices/internal/domain"
)

func TestEvaluate(t *testing.T) {
	ok := domain.Expectation{Status: "ok"}
	none := domain.Expectation{}
	const jsonCT = "application/json"

	cases := []struct {
		name   string
		expect domain.Expectation
		out    Outcome
		want   Classification
	}{
		{
			name: "transport error",
			out:  Outcome{Err: errors.New("dial tcp: connection refused")},
			want: Failed("Check failed: dial tcp: connection refused"),
		},
		{
			name: "non 200",
			out:  Outcome{StatusCode: 503},
			want: Failed("Status code 503"),
		},
		{
			name: "201 is still a failure",
			out:  Outcome{StatusCode: 201},
			want: Failed("Status code 201"),
		},
		{
			name: "plain 200",
			out:  Outcome{StatusCode: 200, ContentType: "text/html", Body: []byte("<html>")},
			want: Healthy(),
		},
		{
			name:   "degraded body",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":"degraded"}`)},
			want:   Failed(`Expected status "ok" but got "degraded"`),
		},
		{
			name:   "ok body",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: "application/json; charset=utf-8", Body: []byte(`{"status":"ok"}`)},
			want:   Healthy(),
		},
		{
			name:   "malformed json is treated as absent",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":`)},
			want:   Healthy(),
		},
		{
			name:   "missing status field",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"uptime":12}`)},
			want:   Healthy(),
		},
		{
			name:   "non json content type is not parsed",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: "text/plain", Body: []byte(`{"status":"down"}`)},
			want:   Healthy(),
		},
		{
			name:   "no expectation ignores body",
			expect: none,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":"down"}`)},
			want:   Healthy(),
		},
		{
			name:   "numeric status renders as json",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":0}`)},
			want:   Failed(`Expected status "ok" but got "0"`),
		},
		{
			name:   "null status renders as null",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":null}`)},
			want:   Failed(`Expected status "ok" but got "null"`),
		},
		{
			name:   "only an ok expectation is enforced",
			expect: domain.Expectation{Status: "up"},
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":"ok"}`)},
			want:   Healthy(),
		},
		{
			name:   "body read error is treated as absent",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`{"status":"down"}`), BodyErr: errors.New("unexpected EOF")},
			want:   Healthy(),
		},
		{
			name:   "array body",
			expect: ok,
			out:    Outcome{StatusCode: 200, ContentType: jsonCT, Body: []byte(`[1,2]`)},
			want:   Healthy(),
		},
	}
	for _, c := range cases {
		got := Evaluate(c.expect, c.out)
		if got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}
