package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janelia-flyem/hzvol/dataset"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
	"github.com/janelia-flyem/hzvol/storage/remote"
	"github.com/janelia-flyem/hzvol/storage/storagetest"
)

// testDescriptor matches storagetest.Info so remote accesses agree with the served dataset.
func testDescriptor() dataset.Descriptor {
	return dataset.Descriptor{
		Bitmask: "V01010101",
		Fields: []hzvol.Field{
			hzvol.NewField("data", hzvol.Uint8),
			hzvol.NewField("rgb", hzvol.Uint16.WithComponents(3)),
		},
		Timesteps:     []float64{0, 1},
		BitsPerBlock:  4,
		BlocksPerFile: 4,
		Access:        []storage.Config{{Type: "ram", Token: "hidden"}},
	}
}

func testCatalog(t *testing.T) (*dataset.Catalog, *dataset.Dataset, storage.Access) {
	ds, err := dataset.New(testDescriptor(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Couldn't create dataset: %v\n", err)
	}
	access, err := ds.DefaultAccess()
	if err != nil {
		t.Fatalf("Couldn't create access: %v\n", err)
	}
	catalog := dataset.NewCatalog()
	if err := catalog.Add("test", ds, access); err != nil {
		t.Fatalf("Couldn't add dataset: %v\n", err)
	}
	return catalog, ds, access
}

func testServer(t *testing.T, configText string) (*Server, *httptest.Server) {
	cfg, err := ParseConfig(configText, t.TempDir())
	if err != nil {
		t.Fatalf("Couldn't parse config: %v\n", err)
	}
	catalog, _, _ := testCatalog(t)
	s, err := NewWithCatalog(cfg, catalog)
	if err != nil {
		t.Fatalf("Couldn't create server: %v\n", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.catalog.Close()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, v interface{}) int {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v\n", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Bad JSON from %s: %v\n", url, err)
		}
	}
	return resp.StatusCode
}

func TestRemoteRoundTrip(t *testing.T) {
	_, ts := testServer(t, "")
	info := storagetest.Info()
	a, err := remote.New(info, storage.Config{Type: "remote", URL: ts.URL, Dataset: "test"}, nil)
	if err != nil {
		t.Fatalf("Couldn't create remote access: %v\n", err)
	}
	defer a.Close()
	storagetest.RoundTrip(t, a, info)
}

func TestRemoteUnknownDataset(t *testing.T) {
	_, ts := testServer(t, "")
	info := storagetest.Info()
	a, err := remote.New(info, storage.Config{Type: "remote", URL: ts.URL, Dataset: "none"}, nil)
	if err != nil {
		t.Fatalf("Couldn't create remote access: %v\n", err)
	}
	defer a.Close()
	q := storagetest.ReadBlock(t, a, info, info.Fields[0], 0, 0)
	if q.Ok() {
		t.Fatalf("Expected read of unknown dataset to fail\n")
	}
}

func TestServiceEndpoints(t *testing.T) {
	_, ts := testServer(t, "")

	var ping map[string]interface{}
	if status := getJSON(t, ts.URL+"/api/ping", &ping); status != http.StatusOK || ping["alive"] != true {
		t.Fatalf("Bad ping: %d %v\n", status, ping)
	}
	var load map[string]interface{}
	if status := getJSON(t, ts.URL+"/api/load", &load); status != http.StatusOK || load["read"] == nil {
		t.Fatalf("Bad load: %d %v\n", status, load)
	}
	var engines []map[string]string
	if status := getJSON(t, ts.URL+"/api/engines", &engines); status != http.StatusOK || len(engines) != 8 {
		t.Fatalf("Expected 8 engines, got %d %v\n", status, engines)
	}
	var datasets map[string][]string
	if status := getJSON(t, ts.URL+"/api/datasets", &datasets); status != http.StatusOK ||
		len(datasets["datasets"]) != 1 || datasets["datasets"][0] != "test" {
		t.Fatalf("Bad dataset list: %d %v\n", status, datasets)
	}
	var desc dataset.Descriptor
	if status := getJSON(t, ts.URL+"/api/dataset/test", &desc); status != http.StatusOK {
		t.Fatalf("Couldn't get descriptor: %d\n", status)
	}
	if desc.Bitmask != "V01010101" || len(desc.Fields) != 2 || len(desc.Access) != 1 || desc.Access[0].Token != "" {
		t.Fatalf("Bad or unredacted descriptor: %+v\n", desc)
	}
	if status := getJSON(t, ts.URL+"/api/dataset/none", nil); status != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown dataset, got %d\n", status)
	}
	if status := getJSON(t, ts.URL+"/api/nothing/here", nil); status != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown path, got %d\n", status)
	}
	bad := []string{
		"/api/dataset/test/blocks",
		"/api/dataset/test/blocks?block=x",
		"/api/dataset/test/blocks?block=1&time=abc",
		"/api/dataset/test/blocks?block=1&time=5",
		"/api/dataset/test/blocks?block=1&field=missing",
		"/api/dataset/test/box?box=1",
		"/api/dataset/test/box?toh=z",
		"/api/dataset/test/box?compression=bogus",
	}
	for _, path := range bad {
		if status := getJSON(t, ts.URL+path, nil); status != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d\n", path, status)
		}
	}
}

func postBlock(t *testing.T, url, token string, data []byte) int {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v\n", url, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}

func TestWriteAuthorization(t *testing.T) {
	dir := t.TempDir()
	authFile := filepath.Join(dir, "users.json")
	if err := os.WriteFile(authFile, []byte(`{"alice": "readwrite", "bob": "read", "*": "write"}`), 0644); err != nil {
		t.Fatal(err)
	}
	config := fmt.Sprintf("[auth]\nsecret_key = \"sshh\"\nauth_file = %q\n", authFile)
	s, ts := testServer(t, config)
	if s.auth == nil || s.service.Authorize == nil {
		t.Fatalf("Expected authorization to be configured\n")
	}

	url := ts.URL + "/api/dataset/test/block/2?field=data"
	data := make([]byte, 16)
	if status := postBlock(t, url, "", data); status != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d\n", status)
	}
	if status := postBlock(t, url, "not.a.token", data); status != http.StatusUnauthorized {
		t.Fatalf("Expected 401 with bad token, got %d\n", status)
	}
	for user, want := range map[string]int{"alice": http.StatusOK, "bob": http.StatusUnauthorized, "carol": http.StatusOK} {
		token, err := s.auth.generateJWT(user)
		if err != nil {
			t.Fatalf("Couldn't generate token: %v\n", err)
		}
		if status := postBlock(t, url, token, data); status != want {
			t.Errorf("Expected %d for user %q, got %d\n", want, user, status)
		}
	}
	token, _ := s.auth.generateJWT("alice")
	if status := postBlock(t, url, token, data[:5]); status == http.StatusOK {
		t.Fatalf("Expected short block to be rejected\n")
	}
	if status := postBlock(t, ts.URL+"/api/dataset/test/block/999", token, data); status != http.StatusBadRequest {
		t.Fatalf("Expected 400 for block outside dataset, got %d\n", status)
	}

	other := &authorizer{secret: []byte("other")}
	forged, _ := other.generateJWT("alice")
	if err := s.auth.authorizeWrite(forged); err == nil {
		t.Fatalf("Expected token signed with another key to be rejected\n")
	}
}

func TestAuthorizerRules(t *testing.T) {
	a, err := newAuthorizer(authConfig{})
	if err != nil || a != nil {
		t.Fatalf("Expected no authorizer without a secret, got %v %v\n", a, err)
	}
	a = &authorizer{secret: []byte("k")}
	if !a.isAuthorized("anyone", false) {
		t.Fatalf("Expected any user to pass without a user table\n")
	}
	a.users = map[string]string{"r": "read", "w": "write", "x": "bogus"}
	tests := []struct {
		user    string
		readReq bool
		want    bool
	}{
		{"r", true, true},
		{"r", false, false},
		{"w", false, true},
		{"w", true, false},
		{"x", true, false},
		{"nobody", true, false},
	}
	for _, tc := range tests {
		if got := a.isAuthorized(tc.user, tc.readReq); got != tc.want {
			t.Errorf("isAuthorized(%q, %t) = %t\n", tc.user, tc.readReq, got)
		}
	}
	if tok := bearerToken("Bearer abc.def"); tok != "abc.def" {
		t.Fatalf("Bad bearer token %q\n", tok)
	}
	if tok := bearerToken("Basic xyz"); tok != "" {
		t.Fatalf("Expected no bearer token, got %q\n", tok)
	}
}

func TestBoxEndpoint(t *testing.T) {
	s, ts := testServer(t, "")
	ds, access, err := s.Catalog().Get("test")
	if err != nil {
		t.Fatal(err)
	}
	field := ds.DefaultField()
	box := ds.LogicBox()
	size := box.Size()
	buf, err := hzvol.NewArray(size, field.DType)
	if err != nil {
		t.Fatal(err)
	}
	for i := range buf.Data {
		buf.Data[i] = byte(i)
	}
	if err := ds.WriteBox(context.Background(), access, field, 0, box, buf); err != nil {
		t.Fatalf("Couldn't write box: %v\n", err)
	}

	resp, err := http.Get(ts.URL + "/api/dataset/test/box?field=data&box=2,10,4,8")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Box read failed: %d %s\n", resp.StatusCode, body)
	}
	h := resp.Header
	if h.Get(HeaderDims) != "(8,4)" || h.Get(HeaderDType) != "uint8" || h.Get(HeaderBox) != "2 10 4 8" ||
		h.Get(HeaderCompression) != "raw" {
		t.Fatalf("Bad box headers: %v\n", h)
	}
	if len(body) != 32 {
		t.Fatalf("Expected 32 samples, got %d\n", len(body))
	}
	for y := int64(0); y < 4; y++ {
		for x := int64(0); x < 8; x++ {
			want := byte((x + 2) + (y+4)*size[0])
			if got := body[x+y*8]; got != want {
				t.Fatalf("Sample (%d,%d) is %d, expected %d\n", x, y, got, want)
			}
		}
	}

	resp, err = http.Get(ts.URL + "/api/dataset/test/box?compression=zstd&toh=4")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderCompression) != "zstd" {
		t.Fatalf("Compressed box read failed: %d %v\n", resp.StatusCode, resp.Header)
	}
	raw, err := hzvol.Decompress(body, hzvol.Zstd)
	if err != nil {
		t.Fatalf("Couldn't decompress box: %v\n", err)
	}
	if len(raw) != 16 || resp.Header.Get(HeaderDims) != "(4,4)" {
		t.Fatalf("Expected 4x4 samples at level 4, got %d bytes dims %s\n", len(raw), resp.Header.Get(HeaderDims))
	}
}

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	text := `
[server]
rpcAddress = "localhost:9999"
pidFile = "hzvol.pid"

[logging]
logfile = "logs/hzvol.log"

[datasets.brain]
path = "brain/dataset.json"

[[datasets.brain.access]]
type = "disk"
path = "cache"

[datasets.other]
path = "/data/other.json"
`
	cfg, err := ParseConfig(text, dir)
	if err != nil {
		t.Fatalf("Couldn't parse config: %v\n", err)
	}
	absDir, _ := filepath.Abs(dir)
	if cfg.Server.HTTPAddress != DefaultWebAddress || cfg.Server.RPCAddress != "localhost:9999" ||
		cfg.Server.ShutdownDelay != DefaultShutdownDelay {
		t.Fatalf("Bad server defaults: %+v\n", cfg.Server)
	}
	if cfg.Server.PidFile != filepath.Join(absDir, "hzvol.pid") || cfg.Logging.Logfile != filepath.Join(absDir, "logs/hzvol.log") {
		t.Fatalf("Paths not made absolute: %+v %+v\n", cfg.Server, cfg.Logging)
	}
	names := cfg.DatasetNames()
	if len(names) != 2 || names[0] != "brain" || names[1] != "other" {
		t.Fatalf("Bad dataset names %v\n", names)
	}
	brain := cfg.Datasets["brain"]
	if brain.Path != filepath.Join(absDir, "brain/dataset.json") || cfg.Datasets["other"].Path != "/data/other.json" {
		t.Fatalf("Bad dataset paths: %+v\n", cfg.Datasets)
	}
	if len(brain.Access) != 1 || !strings.HasPrefix(brain.Access[0].Path, absDir) {
		t.Fatalf("Bad access path: %+v\n", brain.Access)
	}

	if _, err := ParseConfig("[datasets.nopath]\n", dir); err == nil {
		t.Fatalf("Expected error for dataset without path\n")
	}
	if _, err := ParseConfig("[server\n", dir); err == nil {
		t.Fatalf("Expected error for bad TOML\n")
	}
	if _, err := LoadConfig(""); err == nil {
		t.Fatalf("Expected error for missing config file name\n")
	}
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := dataset.Create(filepath.Join(dir, "brain", dataset.DefaultFilename), testDescriptor(), nil); err != nil {
		t.Fatalf("Couldn't create dataset: %v\n", err)
	}
	text := `
[datasets.brain]
path = "brain/dataset.json"

[[datasets.brain.access]]
type = "ram"

[[datasets.brain.access]]
type = "disk"
`
	filename := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(filename, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(filename)
	if err != nil {
		t.Fatalf("Couldn't load config: %v\n", err)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Couldn't create server: %v\n", err)
	}
	defer s.catalog.Close()
	names := s.Catalog().Names()
	if len(names) != 1 || names[0] != "brain" {
		t.Fatalf("Bad served datasets %v\n", names)
	}
	_, access, err := s.Catalog().Get("brain")
	if err != nil {
		t.Fatal(err)
	}
	if access.Name() != "served" {
		t.Fatalf("Expected multiplexed access, got %q\n", access.Name())
	}

	cfg.Datasets["missing"] = DatasetConfig{Path: filepath.Join(dir, "missing.json")}
	if _, err := New(cfg); err == nil {
		t.Fatalf("Expected error for missing dataset file\n")
	}
}
