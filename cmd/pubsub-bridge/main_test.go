// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

func newFakeService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/time/0":
			w.Write([]byte(`[17000000000000000]`))
		case strings.HasPrefix(r.URL.Path, "/publish/"):
			w.Write([]byte(`[1,"Sent","17000000000000001"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, origin string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `pubsub:
  subscribe_key: sub-c-test
  publish_key: pub-c-test
  origin: ` + origin + `
log:
  level: error
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "subscribe", "publish", "time"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("missing command %s", name)
		}
	}
}

func TestTimeCommand(t *testing.T) {
	srv := newFakeService(t)
	path := writeConfig(t, strings.TrimPrefix(srv.URL, "http://"))

	out, err := execute(t, "--config", path, "time")
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	if strings.TrimSpace(out) != "17000000000000000" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPublishCommand(t *testing.T) {
	srv := newFakeService(t)
	path := writeConfig(t, strings.TrimPrefix(srv.URL, "http://"))

	out, err := execute(t, "--config", path, "publish", "orders", `{"id":1}`)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if strings.TrimSpace(out) != "17000000000000001" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMissingConfig(t *testing.T) {
	if _, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "time"); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf)

	p.Message(core.Message{Channel: "orders", Publisher: "alice", Timetoken: 42, Payload: json.RawMessage(`"hi"`)})
	p.Presence(core.PresenceEvent{Channel: "orders", Action: "join", UUID: "bob", Occupancy: 2})

	out := buf.String()
	for _, want := range []string{"orders", "42 alice \"hi\"", "join bob occupancy=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q does not contain %q", out, want)
		}
	}
}
