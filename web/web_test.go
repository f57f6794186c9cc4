package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rajesnal/supvisors/address"
	"github.com/rajesnal/supvisors/cluster"
	"github.com/rajesnal/supvisors/procman"
)

type fakeManager struct {
	started []string
}

func (f *fakeManager) ListProcesses() ([]procman.Snapshot, error) {
	return []procman.Snapshot{{Group: "g", Name: "p", State: "RUNNING"}}, nil
}
func (f *fakeManager) StartProcess(namespec, extraArgs string) error {
	f.started = append(f.started, namespec)
	return nil
}
func (f *fakeManager) StopProcess(namespec string) error { return nil }
func (f *fakeManager) Restart() error                    { return nil }
func (f *fakeManager) Shutdown() error                   { return nil }

func newTestServer(t *testing.T) (*Server, *fakeManager) {
	t.Helper()
	mapper, err := address.New("self", []address.Address{"self", "peer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr := &fakeManager{}
	return NewServer(nil, mapper, mgr, "", ""), mgr
}

func TestHandleAuthorizeAcceptsKnownMember(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(authorizeRequest{From: "peer"})
	resp, err := http.Post(srv.URL+"/api/authorize", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var out authorizeResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.Authorized {
		t.Fatal("expected known peer to be authorized")
	}
}

func TestHandleAuthorizeRejectsUnknownMember(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(authorizeRequest{From: "stranger"})
	resp, err := http.Post(srv.URL+"/api/authorize", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var out authorizeResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Authorized {
		t.Fatal("expected unknown caller to be rejected")
	}
}

func TestHandleStartProcessInvokesLocalManager(t *testing.T) {
	s, mgr := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(startProcessRequest{Namespec: "g:p"})
	resp, err := http.Post(srv.URL+"/api/processes/start", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(mgr.started) != 1 || mgr.started[0] != "g:p" {
		t.Fatalf("expected local manager to receive start, got %+v", mgr.started)
	}
}

func TestHandleStatusReturnsLastPublished(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.PublishSupvisorsStatus("OPERATION", "peer", false)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		State         string `json:"state"`
		MasterAddress string `json:"master_address"`
		IsMaster      bool   `json:"is_master"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.State != "OPERATION" || out.MasterAddress != "peer" {
		t.Fatalf("unexpected status: %+v", out)
	}
}

func TestHandleConflictsFiltersNonConflicting(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.PublishProcessStatus(cluster.ProcessView{Namespec: "g:a", Conflicting: false})
	s.PublishProcessStatus(cluster.ProcessView{Namespec: "g:b", Conflicting: true})

	resp, err := http.Get(srv.URL + "/api/conflicts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var out []cluster.ProcessView
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out) != 1 || out[0].Namespec != "g:b" {
		t.Fatalf("expected only the conflicting process, got %+v", out)
	}
}

func TestAdminSurfaceEchoesRequestID(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/processes", nil)
	req.Header.Set("X-Request-Id", "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "01ARZ3NDEKTSV4RRFFQ69G5FAV" {
		t.Fatalf("expected request id to be echoed back, got %q", got)
	}
}

func TestAdminSurfaceRequiresBasicAuthWhenConfigured(t *testing.T) {
	mapper, _ := address.New("self", []address.Address{"self"})
	s := NewServer(nil, mapper, &fakeManager{}, "user", "pass")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/processes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/processes", nil)
	req.SetBasicAuth("user", "pass")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid credentials, got %d", resp2.StatusCode)
	}
}
