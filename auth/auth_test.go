package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetTokenAndSetAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"token123","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	client := NewClientCred(Conf{ClientID: "id", ClientSecret: "secret", AuthURL: server.URL})

	token, err := client.GetToken()
	if err != nil {
		t.Fatalf("GetToken returned error: %v", err)
	}
	if token != "token123" {
		t.Fatalf("unexpected token %s", token)
	}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	if err := client.SetAuthHeader(req); err != nil {
		t.Fatalf("SetAuthHeader returned error: %v", err)
	}
	if got := req.Header.Get("Authorization"); got == "" {
		t.Fatalf("Authorization header not set")
	}
}

func TestGetTokenReusesValidToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	client := NewClientCred(Conf{ClientID: "id", ClientSecret: "secret", AuthURL: server.URL})
	if _, err := client.GetToken(); err != nil {
		t.Fatalf("first token: %v", err)
	}
	if _, err := client.GetToken(); err != nil {
		t.Fatalf("second token: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single token request, got %d", calls)
	}

	if _, err := client.ForceRefresh(); err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh to hit the endpoint, got %d calls", calls)
	}
}

func TestConfEnabled(t *testing.T) {
	if (Conf{}).Enabled() {
		t.Fatal("empty conf must not be enabled")
	}
	if !(Conf{ClientID: "id", AuthURL: "http://auth"}).Enabled() {
		t.Fatal("conf with id and url must be enabled")
	}
}
