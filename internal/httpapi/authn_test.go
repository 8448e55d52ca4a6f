package httpapi

import (
	"net/http"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc.def", want: "abc.def"},
		{header: "bearer abc.def", want: "abc.def"},
		{header: "  Bearer   abc.def  ", want: "abc.def"},
		{header: "", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Basic dXNlcjpwYXNz", wantErr: true},
		{header: "abc.def", wantErr: true},
	}
	for _, tt := range tests {
		got, err := extractBearerToken(tt.header)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error", tt.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("header %q: %v", tt.header, err)
		}
		if got != tt.want {
			t.Fatalf("header %q: got %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	ts := newTestServer(t)

	// No token on a public path passes straight through.
	rr := ts.do(t, http.MethodGet, "/healthz", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("public path rejected without token: %d", rr.Code)
	}

	// A garbage token on a public path is ignored rather than rejected.
	rr = ts.do(t, http.MethodGet, "/healthz", nil, "not-a-jwt")
	if rr.Code != http.StatusOK {
		t.Fatalf("public path rejected invalid token: %d", rr.Code)
	}

	// The same garbage token on a protected path is a hard 401.
	rr = ts.do(t, http.MethodGet, "/v1/me", nil, "not-a-jwt")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("protected path accepted invalid token: %d", rr.Code)
	}
}

func TestValidTokenAttachedOnPublicPath(t *testing.T) {
	ts := newTestServer(t)
	token := ts.mintToken(t, "u1", []string{"editor"}, nil)

	// The authz gate is public, but a presented principal still counts.
	rr := ts.do(t, http.MethodPost, "/v1/authz/check", map[string]any{
		"roles": []string{"editor"},
	}, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp authzCheckResponse
	decodeBody(t, rr, &resp)
	if !resp.Allowed {
		t.Fatalf("principal on public path ignored: %+v", resp)
	}
}
