package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/FocuswithJustin/marginalia/core/codec"
	"github.com/FocuswithJustin/marginalia/core/snapshot"
	"github.com/FocuswithJustin/marginalia/internal/workspace"
)

const page = `<html><body><p>hello world</p><p>second</p></body></html>`

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	ws, err := workspace.Open(context.Background(), workspace.Options{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	s, err := New(cfg, ws)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// call performs a request and decodes the envelope. data, when non-nil,
// receives the envelope's data field.
func call(t *testing.T, ts *httptest.Server, method, path string, body any, data any) (int, APIResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var env struct {
		APIResponse
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("%s %s: decode data: %v", method, path, err)
		}
	}
	return resp.StatusCode, env.APIResponse
}

func createDoc(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	var doc struct {
		ID string `json:"id"`
	}
	status, resp := call(t, ts, http.MethodPost, "/documents", CreateDocumentRequest{Name: "page", Source: page}, &doc)
	if status != http.StatusCreated || !resp.Success || doc.ID == "" {
		t.Fatalf("create = %d %+v", status, resp)
	}
	return doc.ID
}

func getRaw(t *testing.T, ts *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestRootAndHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{Version: "1.2.3"})

	var root map[string]any
	status, resp := call(t, ts, http.MethodGet, "/", nil, &root)
	if status != http.StatusOK || !resp.Success || root["name"] != "marginalia" || root["version"] != "1.2.3" {
		t.Errorf("root = %d %v", status, root)
	}

	var health HealthInfo
	status, _ = call(t, ts, http.MethodGet, "/health", nil, &health)
	if status != http.StatusOK || health.Status != "healthy" || health.Documents != 0 {
		t.Errorf("health = %d %+v", status, health)
	}

	status, resp = call(t, ts, http.MethodGet, "/nope", nil, nil)
	if status != http.StatusNotFound || resp.Success || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("unknown path = %d %+v", status, resp)
	}
}

func TestComponents(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	var comps []ComponentInfo
	if status, _ := call(t, ts, http.MethodGet, "/components", nil, &comps); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(comps) != 5 || comps[0].Name != "highlight" {
		t.Errorf("components = %+v", comps)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	id := createDoc(t, ts)

	var list []map[string]any
	status, resp := call(t, ts, http.MethodGet, "/documents", nil, &list)
	if status != http.StatusOK || len(list) != 1 || resp.Meta.Total != 1 {
		t.Errorf("list = %d %v", status, list)
	}

	var info DocumentInfo
	if status, _ := call(t, ts, http.MethodGet, "/documents/"+id, nil, &info); status != http.StatusOK || info.Name != "page" {
		t.Errorf("get = %d %+v", status, info)
	}

	if status, _ := call(t, ts, http.MethodDelete, "/documents/"+id, nil, nil); status != http.StatusOK {
		t.Errorf("delete = %d", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/documents/"+id, nil, nil); status != http.StatusNotFound {
		t.Errorf("get after delete = %d", status)
	}
}

func TestCreateDocumentErrors(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxBodyBytes: 256})

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed xhtml", CreateDocumentRequest{Name: "x", Source: "<p>open"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"no name", CreateDocumentRequest{Source: page}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown field", map[string]string{"title": "x"}, http.StatusBadRequest, "INVALID_JSON"},
		{"too large", CreateDocumentRequest{Name: "x", Source: strings.Repeat("a", 512)}, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := call(t, ts, http.MethodPost, "/documents", tt.body, nil)
			if status != tt.status || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("= %d %+v, want %d %s", status, resp.Error, tt.status, tt.code)
			}
		})
	}
}

func TestAnnotateRenderAndList(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	id := createDoc(t, ts)
	base := "/documents/" + id

	var res struct {
		Added bool `json:"added"`
	}
	status, _ := call(t, ts, http.MethodPost, base+"/annotations", ApplyRequest{Component: "highlight", Address: "0:0-0:5"}, &res)
	if status != http.StatusOK || !res.Added {
		t.Fatalf("apply = %d %+v", status, res)
	}

	resp, body := getRaw(t, ts, base+"/render")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/xhtml+xml") {
		t.Errorf("render = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), `<span class="editor-styling highlight">hello</span>`) {
		t.Errorf("render body = %s", body)
	}

	var ann Annotations
	if status, _ := call(t, ts, http.MethodGet, base+"/annotations", nil, &ann); status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	if len(ann.Runs) != 1 || ann.Runs[0].Text != "hello" || ann.Runs[0].Kinds[0] != "highlight" {
		t.Errorf("runs = %+v", ann.Runs)
	}

	status, _ = call(t, ts, http.MethodDelete, base+"/annotations", UnannotateRequest{Address: "0", Kinds: []string{"highlight"}}, nil)
	if status != http.StatusOK {
		t.Errorf("unannotate = %d", status)
	}
	call(t, ts, http.MethodGet, base+"/annotations", nil, &ann)
	if len(ann.Runs) != 0 {
		t.Errorf("runs after unannotate = %+v", ann.Runs)
	}

	var revs []map[string]any
	if status, _ := call(t, ts, http.MethodGet, base+"/revisions", nil, &revs); status != http.StatusOK || len(revs) != 2 {
		t.Errorf("revisions = %d %v", status, revs)
	}
}

func TestAnnotateErrors(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	id := createDoc(t, ts)
	base := "/documents/" + id

	if status, _ := call(t, ts, http.MethodPost, base+"/annotations", ApplyRequest{Component: "note", Address: "0:0-0:5", Payload: "n"}, nil); status != http.StatusOK {
		t.Fatalf("note = %d", status)
	}

	tests := []struct {
		name   string
		path   string
		req    ApplyRequest
		status int
		code   string
	}{
		{"policy", base, ApplyRequest{Component: "underline", Address: "0:0-0:5"}, http.StatusConflict, "POLICY_VIOLATION"},
		{"bad address", base, ApplyRequest{Component: "underline", Address: "x"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown component", base, ApplyRequest{Component: "strike", Address: "0"}, http.StatusNotFound, "NOT_FOUND"},
		{"unknown document", "/documents/missing", ApplyRequest{Component: "underline", Address: "0"}, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := call(t, ts, http.MethodPost, tt.path+"/annotations", tt.req, nil)
			if status != tt.status || resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("= %d %+v, want %d %s", status, resp.Error, tt.status, tt.code)
			}
		})
	}
}

func TestPayloadEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	id := createDoc(t, ts)
	base := "/documents/" + id

	var res struct {
		Payload *int `json:"payload"`
	}
	call(t, ts, http.MethodPost, base+"/annotations", ApplyRequest{Component: "note", Address: "1", Payload: "first"}, &res)
	if res.Payload == nil || *res.Payload != 0 {
		t.Fatalf("payload = %v", res.Payload)
	}

	if status, _ := call(t, ts, http.MethodPut, base+"/payloads/0", PayloadRequest{Payload: "second"}, nil); status != http.StatusOK {
		t.Errorf("update = %d", status)
	}
	var ann Annotations
	call(t, ts, http.MethodGet, base+"/annotations", nil, &ann)
	if len(ann.Payloads) != 1 || ann.Payloads[0].Payload != "second" {
		t.Errorf("payloads = %+v", ann.Payloads)
	}

	if status, _ := call(t, ts, http.MethodPut, base+"/payloads/x", PayloadRequest{Payload: "y"}, nil); status != http.StatusBadRequest {
		t.Errorf("bad pid = %d", status)
	}
	if status, _ := call(t, ts, http.MethodDelete, base+"/payloads/0", nil, nil); status != http.StatusOK {
		t.Errorf("remove = %d", status)
	}
	if status, _ := call(t, ts, http.MethodDelete, base+"/payloads/0", nil, nil); status != http.StatusNotFound {
		t.Errorf("second remove = %d", status)
	}
}

func TestStateEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	id := createDoc(t, ts)
	base := "/documents/" + id

	call(t, ts, http.MethodPost, base+"/annotations", ApplyRequest{Component: "underline", Address: "0:6-0:11"}, nil)

	resp, raw := getRaw(t, ts, base+"/state")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("state = %d", resp.StatusCode)
	}
	state, err := codec.Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(state.Nodes) != 1 || state.Nodes[0].BlockIndex != 0 {
		t.Errorf("state = %+v", state)
	}

	_, snap := getRaw(t, ts, base+"/state?format=snapshot")
	if _, err := snapshot.Inspect(snap); err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if resp, _ := getRaw(t, ts, base+"/state?format=yaml"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format = %d", resp.StatusCode)
	}

	call(t, ts, http.MethodDelete, base+"/annotations", UnannotateRequest{Address: "0", Kinds: []string{"underline"}}, nil)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+base+"/state", bytes.NewReader(snap))
	put, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	put.Body.Close()
	if put.StatusCode != http.StatusOK {
		t.Fatalf("import = %d", put.StatusCode)
	}
	var ann Annotations
	call(t, ts, http.MethodGet, base+"/annotations", nil, &ann)
	if len(ann.Runs) != 1 || ann.Runs[0].Text != "world" {
		t.Errorf("runs after import = %+v", ann.Runs)
	}

	req, _ = http.NewRequest(http.MethodPut, ts.URL+base+"/state", strings.NewReader("junk"))
	bad, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("junk import = %d", bad.StatusCode)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, _ := getRaw(t, ts, "/health")
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("headers = %v", resp.Header)
	}
}

func TestRespondErrHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	respondErr(rec, httptest.NewRequest(http.MethodGet, "/", nil), io.ErrUnexpectedEOF)
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "EOF") {
		t.Errorf("= %d %s", rec.Code, rec.Body.String())
	}
}
