package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/project"
)

const testSecret = "test-secret-at-least-32-chars-long-here"

func setupTestServer(t *testing.T) (*Server, *deployment.Lock) {
	t.Helper()
	return setupTestServerWithCommand(t, []string{"/bin/sh", "-c", "exit 0"})
}

func setupTestServerWithCommand(t *testing.T, command []string) (*Server, *deployment.Lock) {
	t.Helper()

	testProject := &project.Project{
		Name:     "svc",
		Repos:    []string{"repoA"},
		Path:     "sites/svc",
		Branches: []string{"main"},
	}

	registry := project.NewRegistry(map[string]*project.Project{
		"repoA": testProject,
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	lock := deployment.NewLock(filepath.Join(t.TempDir(), "deploy.lock"))
	supervisor := deployment.NewSupervisor(t.TempDir(), command, lock, nil, logger)
	coordinator := deployment.NewCoordinator(registry, lock, supervisor, nil, logger)

	srv := NewServer(registry, coordinator, lock, nil, logger, testSecret, t.TempDir(), true)

	return srv, lock
}

func signedRequest(method, path string, payload []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, MakeTestSignature(payload, testSecret))
	return req
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", response["status"])
	}
	if response["timestamp"] == "" {
		t.Error("Expected a timestamp")
	}
}

func TestHandleProjects_RequiresSignature(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/projects", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	var response map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &response)
	if response["error"] != "no signature" {
		t.Errorf("Expected 'no signature' error, got %v", response)
	}
}

func TestHandleProjects_Signed(t *testing.T) {
	srv, _ := setupTestServer(t)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("GET", "/projects", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response struct {
		Projects []struct {
			Name  string   `json:"name"`
			Repos []string `json:"repos"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if len(response.Projects) != 1 || response.Projects[0].Name != "svc" {
		t.Errorf("Unexpected projects listing: %+v", response.Projects)
	}
}

func TestHandleDeploy_InvalidSignature(t *testing.T) {
	srv, lock := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main","repository":{"name":"repoA"}}`)
	req := httptest.NewRequest("POST", "/deploy", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, MakeTestSignature(payload, "wrong-secret-32-chars-long-xxxxxxx"))

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	var response map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &response)
	if response["error"] != "invalid signature" {
		t.Errorf("Expected 'invalid signature' error, got %v", response)
	}

	if _, err := os.Stat(lock.Dir()); !os.IsNotExist(err) {
		t.Error("Lock must never be touched on an unauthenticated request")
	}
}

func TestHandleDeploy_UnknownRepo(t *testing.T) {
	srv, lock := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main","repository":{"name":"mystery"},"pusher":{"name":"alice"}}`)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/deploy", payload))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for unconfigured repo, got %d", rr.Code)
	}

	var response map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &response)
	if response["message"] != "repository mystery not configured" {
		t.Errorf("Unexpected message: %v", response)
	}

	if _, err := os.Stat(lock.Dir()); !os.IsNotExist(err) {
		t.Error("Lock must never be touched for an unconfigured repo")
	}
}

func TestHandleDeploy_BranchNotConfigured(t *testing.T) {
	srv, lock := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/dev","repository":{"name":"repoA"},"pusher":{"name":"alice"}}`)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/deploy", payload))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for non-deployment branch, got %d", rr.Code)
	}

	var response map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &response)
	if response["message"] != "branch dev not configured for deployment" {
		t.Errorf("Unexpected message: %v", response)
	}

	if _, err := os.Stat(lock.Dir()); !os.IsNotExist(err) {
		t.Error("Lock must never be touched for a non-deployment branch")
	}
}

func TestHandleDeploy_Accepted(t *testing.T) {
	srv, lock := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main","repository":{"name":"repoA"},"pusher":{"name":"alice"}}`)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/deploy", payload))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response["status"] != "accepted" {
		t.Errorf("Expected status 'accepted', got '%s'", response["status"])
	}
	if response["project"] != "svc" || response["repo"] != "repoA" ||
		response["branch"] != "main" || response["triggered_by"] != "alice" {
		t.Errorf("Unexpected acknowledgment: %v", response)
	}

	srv.WaitForDeployments()

	if lock.Check().Deploying {
		t.Error("Lock should be idle after the deployment completed")
	}
}

func TestHandleDeploy_Busy(t *testing.T) {
	srv, lock := setupTestServer(t)

	if err := lock.Acquire("other-svc", os.Getpid()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	payload := []byte(`{"ref":"refs/heads/main","repository":{"name":"repoA"},"pusher":{"name":"alice"}}`)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/deploy", payload))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rr.Code)
	}

	var response struct {
		Status  string `json:"status"`
		Details struct {
			Project string `json:"project"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response.Status != "busy" {
		t.Errorf("Expected status 'busy', got '%s'", response.Status)
	}
	if response.Details.Project != "other-svc" {
		t.Errorf("Expected holder 'other-svc', got '%s'", response.Details.Project)
	}

	// Original lock is untouched
	status := lock.Check()
	if !status.Deploying || status.Project != "other-svc" {
		t.Errorf("Original lock was disturbed: %+v", status)
	}
}

func TestHandleDeploy_PayloadTooLarge(t *testing.T) {
	srv, _ := setupTestServer(t)

	largePayload := make([]byte, MaxPayloadBytes+1)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/deploy", largePayload))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", rr.Code)
	}
}

func TestHandleStatus_Idle(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response["deploying"] != false {
		t.Errorf("Expected deploying=false, got %v", response["deploying"])
	}
	if _, hasNote := response["note"]; hasNote {
		t.Error("Idle status should carry no staleness note")
	}
}

func TestHandleStatus_Deploying(t *testing.T) {
	srv, lock := setupTestServer(t)

	if err := lock.Acquire("svc", os.Getpid()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response["deploying"] != true {
		t.Errorf("Expected deploying=true, got %v", response["deploying"])
	}
	if response["project"] != "svc" {
		t.Errorf("Expected project 'svc', got %v", response["project"])
	}
}

func TestHandleStatus_StaleLock(t *testing.T) {
	srv, lock := setupTestServer(t)

	if err := os.Mkdir(lock.Dir(), 0o755); err != nil {
		t.Fatalf("Failed to create lock directory: %v", err)
	}
	for name, value := range map[string]string{
		"pid":     "99999999",
		"project": "crashed-svc",
		"started": "2026-01-01T00:00:00Z",
	} {
		if err := os.WriteFile(filepath.Join(lock.Dir(), name), []byte(value), 0o644); err != nil {
			t.Fatalf("Failed to write lock field: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response["deploying"] != false {
		t.Errorf("Expected deploying=false for stale lock, got %v", response["deploying"])
	}
	if response["note"] != "stale lock detected" {
		t.Errorf("Expected staleness note, got %v", response["note"])
	}

	// Read path must not clear the record
	if _, err := os.Stat(lock.Dir()); err != nil {
		t.Error("Stale lock record must survive a status query")
	}
}

func TestHandleReloadConfig(t *testing.T) {
	srv, _ := setupTestServer(t)

	// Fresh config directory with a new project
	if err := os.WriteFile(filepath.Join(srv.ConfigDir, "newsvc.yml"),
		[]byte("name: newsvc\nrepos: [repoZ]\nbranch: main\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/reload-config", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response struct {
		Message  string   `json:"message"`
		Projects []string `json:"projects"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if response.Message != "configuration reloaded" {
		t.Errorf("Unexpected message: %s", response.Message)
	}
	if len(response.Projects) != 1 || response.Projects[0] != "newsvc" {
		t.Errorf("Unexpected projects after reload: %v", response.Projects)
	}

	// The swap is visible to subsequent lookups
	if _, err := srv.Registry.Lookup("repoZ"); err != nil {
		t.Error("repoZ should resolve after reload")
	}
	if _, err := srv.Registry.Lookup("repoA"); err == nil {
		t.Error("repoA should be gone after reload (full replacement, not merge)")
	}
}

func TestHandleReloadConfig_FailureKeepsOldSnapshot(t *testing.T) {
	srv, _ := setupTestServer(t)

	if err := os.WriteFile(filepath.Join(srv.ConfigDir, "bad.yml"),
		[]byte("name: [unterminated\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, signedRequest("POST", "/reload-config", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rr.Code)
	}

	// Old mapping stays in service
	if _, err := srv.Registry.Lookup("repoA"); err != nil {
		t.Error("Previous mapping should survive a failed reload")
	}
}
