package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
)

var (
	failFirstN = 0
	reqCount   = 0
	mu         sync.Mutex
	botToken   = ""
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	// Optional token check
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		botToken = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /users/@me/channels", handleOpenDM)
	mux.HandleFunc("POST /channels/{channel_id}/messages", handleMessage)

	addr := ":8090"
	log.Printf("fake-sink listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleOpenDM(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, `{"message":"401: Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" {
		http.Error(w, `{"message":"400: Bad Request"}`, http.StatusBadRequest)
		return
	}

	// DM channel id is derived from the recipient so repeated opens are stable
	log.Printf("fake-sink opened DM channel for recipient %s", req.RecipientID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": "dm-" + req.RecipientID})
}

func handleMessage(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, `{"message":"401: Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	channelID := r.PathValue("channel_id")
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if channelID == "missing" {
		http.Error(w, `{"message":"404: Unknown Channel"}`, http.StatusNotFound)
		return
	}

	// Simulate flakiness: first N requests -> 500
	mu.Lock()
	reqCount++
	n := reqCount
	mu.Unlock()
	if n <= failFirstN {
		log.Printf("FAILING (%d/%d) channel=%s body=%s", n, failFirstN, channelID, truncate(string(b), 160))
		http.Error(w, `{"message":"500: Internal Server Error"}`, http.StatusInternalServerError)
		return
	}

	log.Printf("fake-sink OK channel=%s body=%q", channelID, truncate(string(b), 160))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("msg-%d", n)})
}

func authorized(r *http.Request) bool {
	if botToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bot "+botToken
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
