package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"ssohub.org/internal/ssoclient"
)

// End-to-end smoke against a running ssohub-api: register, log in, validate
// the token the way a tenant would, then close the session and check it is
// really gone.
func main() {
	baseURL := os.Getenv("SSOHUB_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	tenant := os.Getenv("SSOHUB_SMOKE_TENANT")
	if tenant == "" {
		tenant = "ssohub"
	}
	secret := os.Getenv("SSOHUB_SMOKE_SECRET")
	if secret == "" {
		log.Fatal("SSOHUB_SMOKE_SECRET is required (the tenant's shared signing secret)")
	}

	client, err := ssoclient.New(baseURL, tenant, secret)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	email := fmt.Sprintf("smoke-%d@example.com", rand.Int63())
	password := fmt.Sprintf("smoke-pass-%d", rand.Int63())

	if err := postJSON(ctx, baseURL+"/auth/register", map[string]any{
		"name":                  "Smoke Test",
		"email":                 email,
		"password":              password,
		"password_confirmation": password,
	}, http.StatusOK, nil); err != nil {
		log.Fatalf("register: %v", err)
	}

	var login struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	if err := postJSON(ctx, baseURL+"/auth/login", map[string]any{
		"email":    email,
		"password": password,
		"tenant":   tenant,
	}, http.StatusOK, &login); err != nil {
		log.Fatalf("login: %v", err)
	}
	if login.Token == "" || login.SessionID == "" {
		log.Fatalf("login response missing token or session id")
	}

	v, err := client.ValidateToken(ctx, login.Token)
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	if !v.Valid || v.Tenant != tenant {
		log.Fatalf("unexpected validation result: %+v", v)
	}

	active, err := client.SessionActive(ctx, login.SessionID)
	if err != nil {
		log.Fatalf("session check: %v", err)
	}
	if !active {
		log.Fatalf("expected session %s to be active", login.SessionID)
	}

	if err := client.ReportLogout(ctx, login.SessionID); err != nil {
		log.Fatalf("report logout: %v", err)
	}
	active, err = client.SessionActive(ctx, login.SessionID)
	if err != nil {
		log.Fatalf("session recheck: %v", err)
	}
	if active {
		log.Fatalf("session %s still active after logout", login.SessionID)
	}

	fmt.Printf("✅ ssohub smoke test passed: tenant=%s session=%s\n", tenant, login.SessionID)
}

func postJSON(ctx context.Context, url string, body any, wantStatus int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
