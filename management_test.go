package readings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestManagementClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewManagementClient(srv.URL, "readings-svc", []byte("shared-secret"), nil)
	if err := client.ReportAssetTrack(context.Background(), "readings-svc", "plugin", "T1", "Ingest"); err != nil {
		t.Fatalf("ReportAssetTrack: %v", err)
	}

	if gotAuth == "" || gotAuth == "Bearer " {
		t.Fatalf("Authorization header = %q, want a non-empty bearer token", gotAuth)
	}
	if gotBody["asset"] != "T1" || gotBody["event"] != "Ingest" {
		t.Fatalf("request body = %+v, want asset=T1 event=Ingest", gotBody)
	}
}

func TestManagementClientCachesTokenWithinEpoch(t *testing.T) {
	client := NewManagementClient("http://unused.invalid", "svc", []byte("seed"), nil)
	tok1, err := client.currentToken()
	if err != nil {
		t.Fatalf("currentToken: %v", err)
	}
	tok2, err := client.currentToken()
	if err != nil {
		t.Fatalf("currentToken: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("token changed within the same cache window: %q vs %q", tok1, tok2)
	}
}

func TestManagementClientErrorsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewManagementClient(srv.URL, "svc", []byte("seed"), nil)
	if err := client.Audit(context.Background(), "CODE", "INFORMATION", nil); err == nil {
		t.Fatal("expected an error on a 500 response")
	}
}
