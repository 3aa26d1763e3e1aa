package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func adminReq(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Authorization", "Bearer "+testAdminToken)
	return r
}

func TestAdminRequiresToken(t *testing.T) {
	g := newTestGateway(t, 60)

	tests := []struct {
		name string
		auth string
	}{
		{"no header", ""},
		{"wrong token", "Bearer nope"},
		{"bare token without scheme prefix mismatch", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin/threat-level", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			if w := g.do(r); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestThreatLevelReadAndWrite(t *testing.T) {
	g := newTestGateway(t, 60)

	w := g.do(adminReq(http.MethodGet, "/admin/threat-level", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	var resp struct {
		Level             int    `json:"level"`
		RequiresChallenge bool   `json:"requires_challenge"`
		ChallengeCount    int    `json:"challenge_count"`
		Difficulty        string `json:"difficulty"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Level != 5 || !resp.RequiresChallenge || resp.ChallengeCount != 2 || resp.Difficulty != "medium" {
		t.Errorf("default dial view = %+v", resp)
	}

	w = g.do(adminReq(http.MethodPost, "/admin/threat-level", `{"level":9}`))
	if w.Code != http.StatusOK {
		t.Fatalf("POST = %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Level != 9 || resp.Difficulty != "hard" || resp.ChallengeCount != 3 {
		t.Errorf("dial view after set = %+v", resp)
	}

	// Persisted for the cluster.
	if v, _ := g.mr.Get("cerberus:threat_level"); v != "9" {
		t.Errorf("store value = %q, want 9", v)
	}
}

func TestThreatLevelClampsAboveMax(t *testing.T) {
	g := newTestGateway(t, 60)

	w := g.do(adminReq(http.MethodPost, "/admin/threat-level", `{"level":42}`))
	if w.Code != http.StatusOK {
		t.Fatalf("POST = %d", w.Code)
	}
	var resp struct {
		Level int `json:"level"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Level != 10 {
		t.Errorf("level = %d, want clamped 10", resp.Level)
	}
}

func TestThreatLevelZeroDisablesChallenges(t *testing.T) {
	g := newTestGateway(t, 60)

	g.do(adminReq(http.MethodPost, "/admin/threat-level", `{"level":0}`))

	w := g.do(adminReq(http.MethodGet, "/admin/threat-level", ""))
	var resp struct {
		RequiresChallenge bool `json:"requires_challenge"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RequiresChallenge {
		t.Error("requires_challenge = true at level 0")
	}
}

func TestAdminBanCircuit(t *testing.T) {
	g := newTestGateway(t, 60)
	token := g.solve(t, "c2")

	w := g.do(adminReq(http.MethodDelete, "/admin/circuits/c2", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE = %d: %s", w.Code, w.Body.String())
	}

	// The ban outranks the still-live passport.
	v := g.do(httptest.NewRequest(http.MethodGet, "/validate?token="+url.QueryEscape(token)+"&circuit_id=c2", nil))
	if v.Code != http.StatusForbidden {
		t.Errorf("validate after ban = %d, want 403", v.Code)
	}

	info := g.do(adminReq(http.MethodGet, "/admin/circuits/c2", ""))
	if !strings.Contains(info.Body.String(), `"banned"`) {
		t.Errorf("circuit record = %s, want banned", info.Body.String())
	}
}

func TestAdminStats(t *testing.T) {
	g := newTestGateway(t, 60)

	w := g.do(adminReq(http.MethodGet, "/admin/stats", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /admin/stats = %d", w.Code)
	}
	var stats map[string]any
	json.Unmarshal(w.Body.Bytes(), &stats)
	for _, key := range []string{"node_id", "threat_level", "ammo", "isolated"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}

func TestAdminCluster(t *testing.T) {
	g := newTestGateway(t, 60)

	w := g.do(adminReq(http.MethodGet, "/admin/cluster", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /admin/cluster = %d", w.Code)
	}
	var resp struct {
		NodeID    string `json:"node_id"`
		PublicKey string `json:"public_key"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.NodeID != "test-node" || resp.PublicKey == "" {
		t.Errorf("cluster view = %+v", resp)
	}
}

func TestAdminPeerKeyRegistrationAndHandoff(t *testing.T) {
	g := newTestGateway(t, 60)

	// A second node registers its key with us, then mints a passport
	// targeting us.
	issuer := newTestGateway(t, 60)

	body, _ := json.Marshal(map[string]string{
		"node_id":    "test-node-issuer",
		"public_key": issuer.crossNode.PublicKeyB64(),
	})
	w := g.do(adminReq(http.MethodPost, "/admin/peers", string(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /admin/peers = %d: %s", w.Code, w.Body.String())
	}

	// Issuer mints via its own admin surface.
	mint := issuer.do(adminReq(http.MethodPost, "/admin/passport", `{"target":"test-node"}`))
	if mint.Code != http.StatusOK {
		t.Fatalf("POST /admin/passport = %d: %s", mint.Code, mint.Body.String())
	}
	var minted struct {
		Token string `json:"token"`
	}
	json.Unmarshal(mint.Body.Bytes(), &minted)

	// Both services call themselves "test-node"; re-register the issuer's
	// key under the name it stamps into tokens.
	if err := g.crossNode.AddPeerKey("test-node", issuer.crossNode.PublicKeyB64()); err != nil {
		t.Fatal(err)
	}
	tok, err := g.crossNode.Validate(minted.Token)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if tok.Target != "test-node" {
		t.Errorf("target = %q", tok.Target)
	}
}

func TestAdminPeerKeyRejectsGarbage(t *testing.T) {
	g := newTestGateway(t, 60)

	tests := []string{
		`{}`,
		`{"node_id":"n"}`,
		`{"node_id":"n","public_key":"!!!"}`,
		`not json`,
	}
	for _, body := range tests {
		w := g.do(adminReq(http.MethodPost, "/admin/peers", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("POST /admin/peers %q = %d, want 400", body, w.Code)
		}
	}
}
