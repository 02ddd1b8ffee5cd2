package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestCounters(t *testing.T) {
	m := New()

	m.ChatMessageSent()
	m.ChatMessageSent()
	m.BackupFailed()
	m.WSConnected()
	m.WSConnected()
	m.WSDisconnected()
	m.SetOnlineUsers(7)

	body := scrape(t, m)
	for _, want := range []string{
		"studysync_chat_messages_total 2",
		"studysync_chat_backup_failures_total 1",
		"studysync_ws_connections 1",
		"studysync_online_users 7",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}

func TestCommandLabels(t *testing.T) {
	m := New()
	m.WSCommand("send_chat", true)
	m.WSCommand("send_chat", false)

	body := scrape(t, m)
	if !strings.Contains(body, `studysync_ws_commands_total{outcome="error",type="send_chat"} 1`) {
		t.Fatalf("missing error outcome in:\n%s", body)
	}
	if !strings.Contains(body, `studysync_ws_commands_total{outcome="ok",type="send_chat"} 1`) {
		t.Fatalf("missing ok outcome")
	}
}
