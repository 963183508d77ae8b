package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/store"
	"github.com/seantiz/unidenoise/internal/tensor"
)

const validRunBody = `{"model":"synthetic-sd-1","prompt":"a quiet harbor","width":32,"height":32,"steps":4,"seed":7}`

func postRun(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	return resp
}

func createRun(t *testing.T, url, body string) model.Run {
	t.Helper()
	resp := postRun(t, url, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, b)
	}
	var r model.Run
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return r
}

func TestCreateRunValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postRun(t, ts.URL, validRunBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var r model.Run
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(r.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(r.ID))
	}
	if r.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", r.Status, model.StatusPending)
	}
	if r.ModelType != model.TypeSD1 {
		t.Errorf("ModelType = %q, want %q", r.ModelType, model.TypeSD1)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/runs/"+r.ID {
		t.Errorf("Location = %q, want /v1/runs/%s", loc, r.ID)
	}

	done := waitForStatus(t, srv.store, r.ID, model.StatusCompleted, 5*time.Second)
	if done.StepsCompleted != 4 {
		t.Errorf("steps_completed = %d, want 4", done.StepsCompleted)
	}
}

func TestCreateRunErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "not json", http.StatusBadRequest},
		{"unknown field", `{"model":"synthetic-sd-1","colour":"red"}`, http.StatusBadRequest},
		{"missing model", `{"prompt":"x"}`, http.StatusBadRequest},
		{"unknown model", `{"model":"nope","prompt":"x"}`, http.StatusBadRequest},
		{"unknown extension", `{"model":"synthetic-sd-1","prompt":"x","extensions":[{"name":"nope"}]}`, http.StatusBadRequest},
		{"bad kwargs", `{"model":"synthetic-sd-1","prompt":"x","extensions":[{"name":"lora"}]}`, http.StatusUnprocessableEntity},
		{"unused kwarg", `{"model":"synthetic-sd-1","prompt":"x","extensions":[{"name":"latent_clamp","kwargs":{"limt":2}}]}`, http.StatusUnprocessableEntity},
		{"swap conflict", `{"model":"synthetic-sd-1","prompt":"x","extensions":[{"name":"guidance_ramp"},{"name":"guidance_ramp"}]}`, http.StatusConflict},
	}

	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts.URL, tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var errResp map[string]string
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}

	// Rejected submissions are never persisted.
	runs, total, err := srv.store.ListRuns(t.Context(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 || len(runs) != 0 {
		t.Errorf("persisted %d runs, want 0", total)
	}
}

func TestCreateRunValidationFailsAsync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	r := createRun(t, ts.URL, `{"model":"synthetic-flux","prompt":"x","width":30,"height":32,"steps":4}`)
	failed := waitForStatus(t, srv.store, r.ID, model.StatusFailed, 5*time.Second)
	if failed.Error == "" {
		t.Error("failed run should carry an error message")
	}
	if failed.StepsCompleted != 0 {
		t.Errorf("steps_completed = %d, want 0", failed.StepsCompleted)
	}
}

func TestGetRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createRun(t, ts.URL, validRunBody)

	var got model.Run
	getJSON(t, ts.URL+"/v1/runs/"+created.ID, &got)
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var list listRunsResponse
	getJSON(t, ts.URL+"/v1/runs", &list)

	if list.Runs == nil {
		t.Error("runs should be an empty array, not null")
	}
	if list.Total != 0 {
		t.Errorf("total = %d, want 0", list.Total)
	}
	if list.Limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", list.Limit, defaultListLimit)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 5 {
		createRun(t, ts.URL, validRunBody)
	}

	tests := []struct {
		query     string
		wantLen   int
		wantLimit int
	}{
		{"?limit=2", 2, 2},
		{"?limit=2&offset=4", 1, 2},
		{"?limit=0", 5, defaultListLimit},
		{"?limit=1000", 5, defaultListLimit},
		{"?offset=-1", 5, defaultListLimit},
	}
	for _, tt := range tests {
		var list listRunsResponse
		getJSON(t, ts.URL+"/v1/runs"+tt.query, &list)
		if len(list.Runs) != tt.wantLen {
			t.Errorf("%s: len = %d, want %d", tt.query, len(list.Runs), tt.wantLen)
		}
		if list.Limit != tt.wantLimit {
			t.Errorf("%s: limit = %d, want %d", tt.query, list.Limit, tt.wantLimit)
		}
		if list.Total != 5 {
			t.Errorf("%s: total = %d, want 5", tt.query, list.Total)
		}
	}
}

func deleteRun(t *testing.T, url, id string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, url+"/v1/runs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/runs/%s: %v", id, err)
	}
	return resp
}

func TestCancelRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"model":"synthetic-sdxl","prompt":"x","width":32,"height":32,"steps":500,` +
		`"extensions":[{"name":"gated","kwargs":{"ms":5}},{"name":"lora","kwargs":{"deltas":{"proj.bias":1}}}]}`
	r := createRun(t, ts.URL, body)
	waitForStatus(t, srv.store, r.ID, model.StatusRunning, 5*time.Second)
	srv.open()

	resp := deleteRun(t, ts.URL, r.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	canceled := waitForStatus(t, srv.store, r.ID, model.StatusCanceled, 5*time.Second)
	if canceled.StepsCompleted >= 500 {
		t.Errorf("steps_completed = %d, want partial", canceled.StepsCompleted)
	}

	// The LoRA patch was rolled back.
	m, err := srv.engine.Catalog().Resolve("synthetic-sdxl")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	bias, err := m.Weights.Parameter("proj.bias")
	if err != nil {
		t.Fatalf("Parameter: %v", err)
	}
	if bias.Data[0] != 0 {
		t.Errorf("proj.bias = %v after cancel, want 0", bias.Data[0])
	}

	resp = deleteRun(t, ts.URL, r.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}

	resp = deleteRun(t, ts.URL, "nonexistent")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestGetLatents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	r := createRun(t, ts.URL, validRunBody)
	waitForStatus(t, srv.store, r.ID, model.StatusCompleted, 5*time.Second)

	var lat tensor.Tensor
	getJSON(t, ts.URL+"/v1/runs/"+r.ID+"/latents", &lat)
	if fmt.Sprint(lat.Shape) != "[1 4 4 4]" {
		t.Errorf("shape = %v, want [1 4 4 4]", lat.Shape)
	}

	resp, err := http.Get(ts.URL + "/v1/runs/" + r.ID + "/latents?format=msgpack")
	if err != nil {
		t.Fatalf("GET latents msgpack: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != contentMsgpack {
		t.Errorf("Content-Type = %q, want %q", ct, contentMsgpack)
	}
	b, _ := io.ReadAll(resp.Body)
	decoded, err := store.DecodeLatents(b)
	if err != nil {
		t.Fatalf("DecodeLatents: %v", err)
	}
	if !decoded.Equal(&lat) {
		t.Error("msgpack latents differ from JSON latents")
	}
}

func TestGetLatentsMissing(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Held at the gate, so no latents exist yet.
	r := createRun(t, ts.URL, `{"model":"synthetic-sd-1","prompt":"x","width":32,"height":32,"steps":2,"extensions":[{"name":"gated"}]}`)

	for _, id := range []string{r.ID, "nonexistent"} {
		resp, err := http.Get(ts.URL + "/v1/runs/" + id + "/latents")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", id, resp.StatusCode)
		}
	}
}
