package commands

import (
	"strings"
	"testing"

	"github.com/shopdesk/deskchat/internal/chat"
)

func contacts(names map[chat.UserID]string) []chat.Thread {
	var out []chat.Thread
	for _, id := range []chat.UserID{7, 8, 9, 10, 11} {
		if name, ok := names[id]; ok {
			out = append(out, chat.Thread{ContactID: id, ContactName: name})
		}
	}
	return out
}

func TestResolveContact(t *testing.T) {
	threads := contacts(map[chat.UserID]string{
		7:  "Grace Hopper",
		8:  "Alan Turing",
		9:  "Sam Smith",
		10: "Sara Connor",
	})

	tests := []struct {
		name    string
		input   string
		want    chat.UserID
		wantErr string
	}{
		{"numeric id", "8", 8, ""},
		{"hash id", "#7", 7, ""},
		{"unknown numeric id", "42", 42, ""},
		{"self", "1", 0, "cannot chat with yourself"},
		{"empty", "  ", 0, "contact is empty"},
		{"exact name", "alan turing", 8, ""},
		{"unique prefix", "grace", 7, ""},
		{"ambiguous prefix", "sa", 0, "matches several conversations"},
		{"fuzzy", "ghopper", 7, ""},
		{"no match", "zzz", 0, "no conversation matches"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveContact(threads, tt.input, 1)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("resolveContact(%q) error = %v, want %q", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveContact(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("resolveContact(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveContactExactBeatsPrefix(t *testing.T) {
	threads := contacts(map[chat.UserID]string{7: "Sam", 8: "Samantha"})
	got, err := resolveContact(threads, "Sam", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want exact match 7", got)
	}
}

func TestResolveContactDuplicateNames(t *testing.T) {
	threads := contacts(map[chat.UserID]string{7: "Sam", 8: "Sam"})
	_, err := resolveContact(threads, "sam", 1)
	if err == nil {
		t.Fatal("Expected ambiguity error")
	}
	for _, want := range []string{"Sam (#7)", "Sam (#8)", "use the contact id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestFindThreadRequiresConversation(t *testing.T) {
	threads := contacts(map[chat.UserID]string{7: "Grace Hopper"})
	v := sessionView(threads)
	if _, err := findThread(v, "42", 1); err == nil || !strings.Contains(err.Error(), "User #42") {
		t.Errorf("Expected no-conversation error for unknown id, got %v", err)
	}
	got, err := findThread(v, "grace", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ContactID != 7 {
		t.Errorf("got contact %d, want 7", got.ContactID)
	}
}
