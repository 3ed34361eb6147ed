package browser

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/ratelimit"
)

// evalFunc answers Runtime.evaluate for a target. A non-empty exception
// is reported as a thrown error.
type evalFunc func(targetID, expr string) (value interface{}, exception string)

// fakeBrowser is a DevTools endpoint with scripted pages. It answers the
// attach handshake of the client and acknowledges any other command.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	targets  []TargetInfo
	sessions map[string]string // session id -> target id
	methods  []string
	evals    []string
	eval     evalFunc
	created  int
	failing  map[string]int // method -> protocol error code
}

func newFakeBrowser(t *testing.T, pages ...TargetInfo) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		t:        t,
		targets:  append([]TargetInfo(nil), pages...),
		sessions: make(map[string]string),
		failing:  make(map[string]int),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fb.serve(conn)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) endpoint() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
}

func (fb *fakeBrowser) setEval(fn evalFunc) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.eval = fn
}

func (fb *fakeBrowser) addTarget(info TargetInfo) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.targets = append(fb.targets, info)
}

func (fb *fakeBrowser) removeTarget(id string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.removeLocked(id)
}

func (fb *fakeBrowser) removeLocked(id string) {
	kept := fb.targets[:0]
	for _, t := range fb.targets {
		if t.TargetID != id {
			kept = append(kept, t)
		}
	}
	fb.targets = kept
}

func (fb *fakeBrowser) targetIDs() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	ids := make([]string, 0, len(fb.targets))
	for _, t := range fb.targets {
		ids = append(ids, t.TargetID)
	}
	return ids
}

func (fb *fakeBrowser) calls(method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, m := range fb.methods {
		if m == method {
			n++
		}
	}
	return n
}

// evaluated returns expressions sent to Runtime.evaluate that contain sub.
func (fb *fakeBrowser) evaluated(sub string) []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []string
	for _, e := range fb.evals {
		if strings.Contains(e, sub) {
			out = append(out, e)
		}
	}
	return out
}

type fakeRequest struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

func (fb *fakeBrowser) serve(conn *websocket.Conn) {
	for {
		var req fakeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		result, code := fb.handle(req)
		resp := map[string]interface{}{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if code != 0 {
			resp["error"] = map[string]interface{}{"code": code, "message": "scripted failure"}
		} else {
			resp["result"] = result
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func remoteValue(value interface{}) map[string]interface{} {
	return map[string]interface{}{"result": map[string]interface{}{"type": "object", "value": value}}
}

func (fb *fakeBrowser) handle(req fakeRequest) (interface{}, int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.methods = append(fb.methods, req.Method)
	if code := fb.failing[req.Method]; code != 0 {
		return nil, code
	}

	var params map[string]interface{}
	_ = json.Unmarshal(req.Params, &params)
	target := fb.sessions[req.SessionID]

	switch req.Method {
	case "Target.getTargets":
		infos := make([]TargetInfo, len(fb.targets))
		copy(infos, fb.targets)
		infos = append(infos, TargetInfo{TargetID: "sw", Type: "service_worker", URL: "chrome-extension://wallet/sw.js"})
		return map[string]interface{}{"targetInfos": infos}, 0
	case "Target.attachToTarget":
		id, _ := params["targetId"].(string)
		sid := "session-" + id
		fb.sessions[sid] = id
		return map[string]string{"sessionId": sid}, 0
	case "Target.createTarget":
		fb.created++
		id := "created-" + string(rune('0'+fb.created))
		url, _ := params["url"].(string)
		fb.targets = append(fb.targets, TargetInfo{TargetID: id, Type: "page", URL: url})
		return map[string]string{"targetId": id}, 0
	case "Target.closeTarget":
		id, _ := params["targetId"].(string)
		fb.removeLocked(id)
		return map[string]bool{"success": true}, 0
	case "Page.getFrameTree":
		return map[string]interface{}{"frameTree": map[string]interface{}{"frame": map[string]string{
			"id": "frame-" + target, "loaderId": "loader", "url": "about:blank",
			"securityOrigin": "null", "mimeType": "text/html",
		}}}, 0
	case "DOM.getDocument":
		return map[string]interface{}{"root": map[string]interface{}{
			"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document", "localName": "", "nodeValue": "",
		}}, 0
	case "Page.navigate":
		url, _ := params["url"].(string)
		for i := range fb.targets {
			if fb.targets[i].TargetID == target {
				fb.targets[i].URL = url
			}
		}
		return map[string]string{"frameId": "frame-" + target, "loaderId": "loader"}, 0
	case "Runtime.evaluate":
		expr, _ := params["expression"].(string)
		// Window check sent right after attaching.
		if expr == "self" {
			return map[string]interface{}{"result": map[string]interface{}{"type": "object", "className": "Window"}}, 0
		}
		fb.evals = append(fb.evals, expr)
		if expr == "document.readyState" {
			return remoteValue("complete"), 0
		}
		if fb.eval == nil {
			return map[string]interface{}{"result": map[string]interface{}{"type": "undefined"}}, 0
		}
		// The scripted answer may change browser state, so release the lock.
		fb.mu.Unlock()
		value, exc := fb.eval(target, expr)
		fb.mu.Lock()
		if exc != "" {
			return map[string]interface{}{
				"result": map[string]interface{}{"type": "object"},
				"exceptionDetails": map[string]interface{}{
					"exceptionId": 1, "text": "Uncaught", "lineNumber": 0, "columnNumber": 0,
					"exception": map[string]string{"type": "object", "description": exc},
				},
			}, 0
		}
		return remoteValue(value), 0
	}
	return map[string]interface{}{}, 0
}

// adsStub is an AdsPower local API with a single profile.
type adsStub struct {
	mu       sync.Mutex
	active   bool
	endpoint string
	userID   string
	failures map[string]int // path -> remaining failures
	hits     map[string]int
	updates  []map[string]interface{}
}

func newAdsStub(t *testing.T, endpoint string) (*adsStub, *Ads) {
	t.Helper()
	stub := &adsStub{
		endpoint: endpoint,
		userID:   "kx1",
		failures: make(map[string]int),
		hits:     make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(stub.serveHTTP))
	t.Cleanup(srv.Close)
	ads := NewAds(AdsConfig{
		BaseURL: srv.URL + "/api/v1",
		Pacer:   ratelimit.New(jitter.Range{}, jitter.Seeded(1)),
	})
	return stub, ads
}

func (s *adsStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *adsStub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	s.hits[path]++

	reply := func(data interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "success", "data": data})
	}
	if s.failures[path] > 0 {
		s.failures[path]--
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": -1, "msg": "profile busy"})
		return
	}
	if r.URL.Query().Get("serial_number") == "" && path != "user/update" {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": -1, "msg": "serial_number required"})
		return
	}

	ws := map[string]string{"puppeteer": s.endpoint}
	switch path {
	case "browser/active":
		status := "Inactive"
		if s.active {
			status = "Active"
		}
		reply(map[string]interface{}{"status": status, "ws": ws})
	case "browser/start":
		s.active = true
		reply(map[string]interface{}{"ws": ws})
	case "browser/stop":
		s.active = false
		reply(nil)
	case "user/list":
		if s.userID == "" {
			reply(map[string]interface{}{"list": []interface{}{}})
			return
		}
		reply(map[string]interface{}{"list": []map[string]string{{"user_id": s.userID, "serial_number": r.URL.Query().Get("serial_number")}}})
	case "user/update":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.updates = append(s.updates, body)
		reply(nil)
	default:
		http.NotFound(w, r)
	}
}
