package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMakeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/repos":
			if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Errorf("Expected bearer token header, got %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]repoView{{FullName: "octo/widgets", ChannelID: "42"}})
		case "/admin/events/missing":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown delivery_id"})
		case "/admin/repos/subscribe":
			var req subscribeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("Failed to decode subscribe body: %v", err)
			}
			if req.Repo != "octo/widgets" || req.ChannelID != "42" {
				t.Errorf("Unexpected subscribe body: %+v", req)
			}
			json.NewEncoder(w).Encode(repoView{FullName: req.Repo, ChannelID: req.ChannelID})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	}))
	defer srv.Close()

	origServer, origToken := serverAddr, jwtToken
	serverAddr, jwtToken = srv.URL, "test-token"
	defer func() { serverAddr, jwtToken = origServer, origToken }()

	t.Run("GET decodes response", func(t *testing.T) {
		var repos []repoView
		status, err := makeRequest("GET", "/admin/repos", nil, &repos)
		if err != nil {
			t.Fatalf("makeRequest() error = %v", err)
		}
		if status != http.StatusOK {
			t.Errorf("makeRequest() status = %d, want 200", status)
		}
		if len(repos) != 1 || repos[0].FullName != "octo/widgets" {
			t.Errorf("makeRequest() decoded %+v", repos)
		}
	})

	t.Run("POST sends JSON body", func(t *testing.T) {
		var repo repoView
		req := subscribeRequest{Repo: "octo/widgets", ChannelID: "42"}
		if _, err := makeRequest("POST", "/admin/repos/subscribe", req, &repo); err != nil {
			t.Fatalf("makeRequest() error = %v", err)
		}
		if repo.ChannelID != "42" {
			t.Errorf("makeRequest() decoded %+v", repo)
		}
	})

	t.Run("API error surfaces message and status", func(t *testing.T) {
		status, err := makeRequest("GET", "/admin/events/missing", nil, nil)
		if err == nil {
			t.Fatal("makeRequest() expected error, got nil")
		}
		if status != http.StatusNotFound {
			t.Errorf("makeRequest() status = %d, want 404", status)
		}
	})

	t.Run("non-JSON error body still errors", func(t *testing.T) {
		status, err := makeRequest("GET", "/admin/other", nil, nil)
		if err == nil {
			t.Fatal("makeRequest() expected error, got nil")
		}
		if status != http.StatusInternalServerError {
			t.Errorf("makeRequest() status = %d, want 500", status)
		}
	})
}

func TestPrintOutput(t *testing.T) {
	tests := []struct {
		name       string
		v          any
		outputJSON bool
	}{
		{
			name:       "simple string - human readable",
			v:          "hello world",
			outputJSON: false,
		},
		{
			name:       "simple map - json format",
			v:          map[string]any{"key": "value", "number": 42},
			outputJSON: true,
		},
		{
			name:       "struct - json format",
			v:          repoView{FullName: "octo/widgets", ChannelID: "42"},
			outputJSON: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origOutputJSON := outputJSON
			outputJSON = tt.outputJSON
			defer func() { outputJSON = origOutputJSON }()

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("printOutput() panicked unexpectedly: %v", r)
				}
			}()

			printOutput(tt.v)
		})
	}
}
