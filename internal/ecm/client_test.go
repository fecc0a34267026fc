package ecm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(zerolog.New(io.Discard), Credentials{
		CPAPIID:   "cp-id",
		CPAPIKey:  "cp-key",
		ECMAPIID:  "ecm-id",
		ECMAPIKey: "ecm-key",
	}, Options{
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
		InitialBackoff: time.Millisecond,
	}, nil)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestListRouterIDs_FollowsPagination(t *testing.T) {
	var gotHeaders http.Header
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.URL.Path != "/routers/" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		switch r.URL.Query().Get("page") {
		case "":
			next := srv.URL + "/routers/?group=42&fields=id&limit=500&page=2"
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{{"id": "100001"}, {"id": "100002"}},
				"meta": map[string]any{"next": next},
			})
		case "2":
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{{"id": "100003"}},
				"meta": map[string]any{"next": nil},
			})
		default:
			t.Fatalf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	ids, err := testClient(t, srv).ListRouterIDs(context.Background(), "42")
	if err != nil {
		t.Fatalf("list routers: %v", err)
	}
	if want := []string{"100001", "100002", "100003"}; len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	} else {
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, ids)
			}
		}
	}

	for header, want := range map[string]string{
		"X-Cp-Api-Id":   "cp-id",
		"X-Cp-Api-Key":  "cp-key",
		"X-Ecm-Api-Id":  "ecm-id",
		"X-Ecm-Api-Key": "ecm-key",
		"Content-Type":  "application/json",
	} {
		if got := gotHeaders.Get(header); got != want {
			t.Fatalf("expected header %s=%q, got %q", header, want, got)
		}
	}
}

func TestGetJSON_RetriesThrottlingStatuses(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, map[string]any{
			"data": []map[string]any{{"id": "100001"}},
			"meta": map[string]any{"next": nil},
		})
	}))
	defer srv.Close()

	ids, err := testClient(t, srv).ListRouterIDs(context.Background(), "42")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(ids) != 1 || ids[0] != "100001" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestGetJSON_AuthFailureIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).ListRouterIDs(context.Background(), "42")
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for 401, got %d", attempts)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Status != http.StatusUnauthorized {
		t.Fatalf("expected StatusError with 401, got %v", err)
	}
}

func TestRouterConfigs_ChunksAndSkipsEmpty(t *testing.T) {
	var chunks []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/configuration_managers/" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		in := r.URL.Query().Get("router__in")
		chunks = append(chunks, in)

		data := make([]map[string]any, 0)
		for _, id := range strings.Split(in, ",") {
			switch id {
			case "3": // no stored configuration
				data = append(data, map[string]any{
					"configuration": []any{map[string]any{}, []any{}},
					"router":        map[string]any{"id": id},
				})
			default:
				data = append(data, map[string]any{
					"configuration": []any{
						map[string]any{"system": map[string]any{"desc": "router " + id}},
						[]any{},
					},
					"router": map[string]any{"id": id},
				})
			}
		}
		writeJSON(t, w, map[string]any{"data": data, "meta": map[string]any{"next": nil}})
	}))
	defer srv.Close()

	c := New(zerolog.New(io.Discard), Credentials{}, Options{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		ChunkSize:  2,
	}, nil)

	configs, err := c.RouterConfigs(context.Background(), []string{"1", "2", "3", "4", "5"})
	if err != nil {
		t.Fatalf("router configs: %v", err)
	}

	if want := []string{"1,2", "3,4", "5"}; len(chunks) != len(want) {
		t.Fatalf("expected chunks %v, got %v", want, chunks)
	} else {
		for i := range want {
			if chunks[i] != want[i] {
				t.Fatalf("expected chunks %v, got %v", want, chunks)
			}
		}
	}

	if _, ok := configs["3"]; ok {
		t.Fatal("router with empty configuration should be absent")
	}
	if len(configs) != 4 {
		t.Fatalf("expected 4 router configs, got %d", len(configs))
	}
	system, ok := configs["1"]["system"].(map[string]any)
	if !ok || system["desc"] != "router 1" {
		t.Fatalf("unexpected config for router 1: %v", configs["1"])
	}
}

func TestGroupConfig_UnwrapsAdditionsPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/groups/42/" || r.URL.Query().Get("fields") != "configuration" {
			t.Fatalf("unexpected request %q", r.URL.String())
		}
		writeJSON(t, w, map[string]any{
			"configuration": []any{
				map[string]any{"wifi": map[string]any{"ssid": "GroupNet"}},
				[]any{"removed.key"},
			},
		})
	}))
	defer srv.Close()

	cfg, err := testClient(t, srv).GroupConfig(context.Background(), "42")
	if err != nil {
		t.Fatalf("group config: %v", err)
	}
	wifi, ok := cfg["wifi"].(map[string]any)
	if !ok || wifi["ssid"] != "GroupNet" {
		t.Fatalf("unexpected group config %v", cfg)
	}
}

func TestDefaultConfig_FollowsTargetFirmware(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/groups/42/":
			writeJSON(t, w, map[string]any{"target_firmware": srv.URL + "/firmwares/7/"})
		case "/firmwares/7/default_configuration/":
			writeJSON(t, w, map[string]any{"lan": map[string]any{"ip": "192.168.0.1"}})
		default:
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	cfg, err := testClient(t, srv).DefaultConfig(context.Background(), "42")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	lan, ok := cfg["lan"].(map[string]any)
	if !ok || lan["ip"] != "192.168.0.1" {
		t.Fatalf("unexpected default config %v", cfg)
	}
}

func TestFetchGroup_LayerOrderAndSources(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/routers/":
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{{"id": "100001"}, {"id": "100002"}},
				"meta": map[string]any{"next": nil},
			})
		case r.URL.Path == "/configuration_managers/":
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{
					{
						"configuration": []any{map[string]any{"wifi": map[string]any{"ssid": "Net2"}}, []any{}},
						"router":        map[string]any{"id": "100002"},
					},
					{
						"configuration": []any{map[string]any{"wifi": map[string]any{"ssid": "Net1"}}, []any{}},
						"router":        map[string]any{"id": "100001"},
					},
				},
				"meta": map[string]any{"next": nil},
			})
		case r.URL.Path == "/groups/42/" && r.URL.Query().Get("fields") == "configuration":
			writeJSON(t, w, map[string]any{
				"configuration": []any{map[string]any{"ntp": map[string]any{"server": "pool.ntp.org"}}, []any{}},
			})
		case r.URL.Path == "/groups/42/" && r.URL.Query().Get("fields") == "target_firmware":
			writeJSON(t, w, map[string]any{"target_firmware": srv.URL + "/firmwares/7/"})
		case r.URL.Path == "/firmwares/7/default_configuration/":
			writeJSON(t, w, map[string]any{"lan": map[string]any{"ip": "192.168.0.1"}})
		default:
			t.Fatalf("unexpected request %q", r.URL.String())
		}
	}))
	defer srv.Close()

	snap, err := testClient(t, srv).FetchGroup(context.Background(), "42", true, true)
	if err != nil {
		t.Fatalf("fetch group: %v", err)
	}

	// Device layers in listing order, then group, then default.
	want := []string{"100001", "100002", SourceGroup, SourceDefault}
	if len(snap.Layers) != len(want) {
		t.Fatalf("expected %d layers, got %d", len(want), len(snap.Layers))
	}
	for i, source := range want {
		if snap.Layers[i].Source != source {
			t.Fatalf("layer %d: got source %q, want %q", i, snap.Layers[i].Source, source)
		}
	}

	extra := snap.LayerSources()
	if len(extra) != 2 || extra[0] != SourceGroup || extra[1] != SourceDefault {
		t.Fatalf("unexpected non-device layer sources %v", extra)
	}
}

func TestFetchGroup_WithoutOptionalLayers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/routers/":
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{{"id": "100001"}},
				"meta": map[string]any{"next": nil},
			})
		case "/configuration_managers/":
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{
					{
						"configuration": []any{map[string]any{"wifi": map[string]any{"ssid": "Net1"}}, []any{}},
						"router":        map[string]any{"id": "100001"},
					},
				},
				"meta": map[string]any{"next": nil},
			})
		default:
			t.Fatalf("unexpected request to %q with optional layers disabled", r.URL.String())
		}
	}))
	defer srv.Close()

	snap, err := testClient(t, srv).FetchGroup(context.Background(), "42", false, false)
	if err != nil {
		t.Fatalf("fetch group: %v", err)
	}
	if len(snap.Layers) != 1 || snap.Layers[0].Source != "100001" {
		t.Fatalf("expected a single device layer, got %+v", snap.Layers)
	}
	if extra := snap.LayerSources(); len(extra) != 0 {
		t.Fatalf("expected no non-device layers, got %v", extra)
	}
}

func TestFetchGroup_ListFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).FetchGroup(context.Background(), "42", true, false)
	if err == nil {
		t.Fatal("expected fetch to abort on auth failure")
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Status != http.StatusForbidden {
		t.Fatalf("expected StatusError 403 in chain, got %v", err)
	}
}

func TestDecodeLayer(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int // top-level key count
	}{
		{"pair", `[{"a":1},["removed"]]`, 1},
		{"bare map", `{"a":1,"b":2}`, 2},
		{"null", `null`, 0},
		{"empty pair", `[]`, 0},
		{"null additions", `[null,[]]`, 0},
		{"empty", ``, 0},
	}
	for _, c := range cases {
		layer, err := decodeLayer(json.RawMessage(c.raw))
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if len(layer) != c.want {
			t.Fatalf("%s: expected %d keys, got %v", c.name, c.want, layer)
		}
	}

	if _, err := decodeLayer(json.RawMessage(`"not a map"`)); err == nil {
		t.Fatal("expected error for scalar configuration payload")
	}
}

func TestListRouterIDs_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(t, srv).ListRouterIDs(ctx, "42")
	if err == nil {
		t.Fatal("expected cancelled context to abort listing")
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(zerolog.New(io.Discard), Credentials{}, Options{}, nil)
	if c.baseURL != DefaultBaseURL {
		t.Fatalf("expected default base URL, got %q", c.baseURL)
	}
	if c.maxAttempts != 10 || c.initialBackoff != time.Second {
		t.Fatalf("unexpected retry defaults: attempts=%d backoff=%v", c.maxAttempts, c.initialBackoff)
	}
	if c.pageLimit != 500 || c.chunkSize != 100 {
		t.Fatalf("unexpected paging defaults: limit=%d chunk=%d", c.pageLimit, c.chunkSize)
	}
}

// Guard against accidentally double-escaping the router__in CSV.
func TestRouterConfigs_QueryIsParseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("router__in"); got != "1,2" {
			t.Fatalf("expected router__in=1,2 after unescaping, got %q", got)
		}
		if got := r.URL.Query().Get("expand"); got != "router" {
			t.Fatalf("expected expand=router, got %q", got)
		}
		writeJSON(t, w, map[string]any{"data": []any{}, "meta": map[string]any{"next": nil}})
	}))
	defer srv.Close()

	if _, err := testClient(t, srv).RouterConfigs(context.Background(), []string{"1", "2"}); err != nil {
		t.Fatalf("router configs: %v", err)
	}
}
