package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"calbridge/internal/bridge"
	"calbridge/internal/config"
	"calbridge/internal/store/memstore"
)

const (
	startMs = 1741597200000
	endMs   = 1741600800000
)

func newTestServer(t *testing.T, cfg *config.Config, opts ...memstore.Option) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	srv := httptest.NewServer(NewServer(cfg, bridge.NewRouter(memstore.New(opts...))).Handler())
	t.Cleanup(srv.Close)
	return srv
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *bridge.Error   `json:"error"`
}

func call(t *testing.T, base, method, body string) (int, envelope) {
	t.Helper()
	resp, err := http.Post(base+"/api/channel/"+method, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", method, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s: %v", method, err)
	}
	return resp.StatusCode, env
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing generated request id")
	}
}

func TestChannel_StatusMapping(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantCode   bridge.Code
	}{
		{"missing args", "createEvent", `{"title":"x"}`, http.StatusBadRequest, bridge.CodeInvalidArguments},
		{"malformed body", "createEvent", `{"title":`, http.StatusBadRequest, bridge.CodeInvalidArguments},
		{"unknown event", "deleteEvent", `{"eventId":"nope"}`, http.StatusNotFound, bridge.CodeEventNotFound},
		{"unknown method", "frobnicate", ``, http.StatusNotImplemented, bridge.CodeMethodNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := call(t, srv.URL, tt.method, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want %s", env.Error, tt.wantCode)
			}
		})
	}
}

func TestChannel_PermissionRestricted(t *testing.T) {
	srv := newTestServer(t, nil, memstore.WithPermission(memstore.PermissionRestricted))
	status, env := call(t, srv.URL, "requestPermission", "")
	if status != http.StatusForbidden || env.Error == nil || env.Error.Code != bridge.CodePermissionError {
		t.Fatalf("got %d %+v", status, env.Error)
	}
}

func TestChannel_CreateQueryDelete(t *testing.T) {
	srv := newTestServer(t, nil)

	status, env := call(t, srv.URL, "createEvent",
		fmt.Sprintf(`{"title":"Review","notes":"bring slides","startMillis":%d,"endMillis":%d}`, startMs, endMs))
	if status != http.StatusOK || env.Error != nil {
		t.Fatalf("create = %d %+v", status, env.Error)
	}
	var id string
	if err := json.Unmarshal(env.Result, &id); err != nil || id == "" {
		t.Fatalf("create result = %s", env.Result)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/events?start=%d&end=%d", srv.URL, startMs, endMs))
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Result []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			StartMillis int64  `json:"startMillis"`
			EndMillis   int64  `json:"endMillis"`
		} `json:"result"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Result) != 1 {
		t.Fatalf("events = %+v", list.Result)
	}
	got := list.Result[0]
	if got.ID != id || got.Title != "Review" || got.Description != "bring slides" ||
		got.StartMillis != startMs || got.EndMillis != endMs {
		t.Fatalf("record = %+v", got)
	}

	status, env = call(t, srv.URL, "deleteEvent", fmt.Sprintf(`{"eventId":%q}`, id))
	if status != http.StatusOK || string(env.Result) != "true" {
		t.Fatalf("delete = %d %s %+v", status, env.Result, env.Error)
	}
}

func TestEvents_BadParameters(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/events?start=yesterday&end=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCalendarExport(t *testing.T) {
	srv := newTestServer(t, nil)
	call(t, srv.URL, "createEvent", fmt.Sprintf(`{"title":"Exported","startMillis":%d,"endMillis":%d}`, startMs, endMs))

	resp, err := http.Get(fmt.Sprintf("%s/calendar.ics?start=%d&end=%d", srv.URL, startMs, endMs))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/calendar") {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	text := string(body)
	if !strings.Contains(text, "BEGIN:VCALENDAR") || !strings.Contains(text, "SUMMARY:Exported") {
		t.Fatalf("body = %s", text)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health must stay open, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/channel/requestPermission", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/channel/requestPermission", nil)
	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	for code, want := range map[bridge.Code]int{
		bridge.CodeSaveError:   http.StatusInternalServerError,
		bridge.CodeDeleteError: http.StatusInternalServerError,
		bridge.CodeQueryError:  http.StatusInternalServerError,
	} {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
