package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/shopdesk/deskchat/internal/client"
)

const threadsFixture = `[
  {
    "contactId": 7,
    "contactName": "Grace Hopper",
    "avatarInitials": "GH",
    "messages": [
      {"id": "m1", "senderId": 7, "receiverId": 1, "content": "Where is my order?", "timestamp": "2025-06-15T11:00:00Z", "isRead": false}
    ]
  },
  {
    "contactId": 8,
    "contactName": "Alan Turing",
    "messages": [
      {"id": "m2", "senderId": 1, "receiverId": 8, "content": "Shipped today", "timestamp": "2025-06-15T09:00:00Z", "isRead": true}
    ]
  }
]`

// setupAPI points the CLI at a fake back office and runs it in an empty
// directory so no local .deskchat is picked up.
func setupAPI(t *testing.T) *int {
	t.Helper()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != client.ThreadsPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(threadsFixture))
	}))
	t.Cleanup(srv.Close)

	chdirForTest(t, t.TempDir())
	t.Setenv("DESKCHAT_BASE_URL", srv.URL)
	t.Setenv("DESKCHAT_API_KEY", "test-key")
	t.Setenv("DESKCHAT_OPERATOR_ID", "1")
	t.Setenv("DESKCHAT_LOG_LEVEL", "error")
	return &calls
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		chatJSON, inboxUnread, historyLimit, historyMarkRead = false, false, 0, false
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInboxCommand(t *testing.T) {
	calls := setupAPI(t)

	out, err := runCLI(t, "inbox")
	if err != nil {
		t.Fatalf("inbox failed: %v", err)
	}
	if *calls != 1 {
		t.Errorf("Expected one history request, got %d", *calls)
	}
	for _, want := range []string{"Conversations (2, 1 unread)", "Grace Hopper (#7)", "Alan Turing (#8)", "Where is my order?"} {
		if !strings.Contains(out, want) {
			t.Errorf("inbox output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Grace") > strings.Index(out, "Alan") {
		t.Errorf("Expected most recent conversation first:\n%s", out)
	}
}

func TestHistoryCommand(t *testing.T) {
	setupAPI(t)

	out, err := runCLI(t, "history", "grace")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "Conversation with Grace Hopper (#7)") || !strings.Contains(out, "Grace Hopper: Where is my order? •") {
		t.Errorf("unexpected history output:\n%s", out)
	}

	if _, err := runCLI(t, "history", "nobody"); err == nil {
		t.Error("Expected an error for an unknown contact")
	}
}

func TestCommandsRequireConfig(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("DESKCHAT_BASE_URL", "")
	t.Setenv("DESKCHAT_API_KEY", "")
	t.Setenv("DESKCHAT_OPERATOR_ID", "")

	_, err := runCLI(t, "inbox")
	if err == nil || !strings.Contains(err.Error(), "invalid .deskchat config") {
		t.Errorf("Expected a config error, got %v", err)
	}
}

// chdirForTest changes the working directory for the duration of the test
// and restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
