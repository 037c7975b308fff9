package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNotifyPostsForm(t *testing.T) {
	var gotPath, gotUser, gotTitle, gotPriority string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotPath = r.URL.Path
		gotUser = r.PostFormValue("user")
		gotTitle = r.PostFormValue("title")
		gotPriority = r.PostFormValue("priority")
		w.Write([]byte(`{"status":1,"request":"req-1"}`))
	}))
	defer srv.Close()

	n := New(srv.URL, "app-token")
	err := n.Notify(context.Background(), Notification{
		ParticipantID: "p-b",
		Title:         "Paired run invite",
		Body:          "Alice invited you to run together",
		Priority:      PriorityHigh,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotPath != "/messages" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotUser != "p-b" || gotTitle != "Paired run invite" || gotPriority != "1" {
		t.Fatalf("form = user %q title %q priority %q", gotUser, gotTitle, gotPriority)
	}
}

func TestNotifyTruncatesLongFields(t *testing.T) {
	var titleLen, bodyLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		titleLen = len(r.PostFormValue("title"))
		bodyLen = len(r.PostFormValue("message"))
		w.Write([]byte(`{"status":1}`))
	}))
	defer srv.Close()

	n := New(srv.URL, "app-token")
	err := n.Notify(context.Background(), Notification{
		ParticipantID: "p-a",
		Title:         strings.Repeat("t", MaxTitleLen+100),
		Body:          strings.Repeat("b", MaxBodyLen+100),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if titleLen != MaxTitleLen || bodyLen != MaxBodyLen {
		t.Fatalf("got title %d body %d", titleLen, bodyLen)
	}
}

func TestNotifySurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"errors":["user identifier is invalid"]}`))
	}))
	defer srv.Close()

	n := New(srv.URL, "app-token")
	err := n.Notify(context.Background(), Notification{ParticipantID: "nobody"})
	if err == nil || !strings.Contains(err.Error(), "user identifier is invalid") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestUnconfiguredIsNoop(t *testing.T) {
	n := New("", "")
	if _, ok := n.(Noop); !ok {
		t.Fatalf("expected Noop, got %T", n)
	}
	if err := n.Notify(context.Background(), Notification{ParticipantID: "p-a"}); err != nil {
		t.Fatalf("noop notify: %v", err)
	}
}
