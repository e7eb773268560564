package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestListChapters_SkipsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/p1/chapters" {
			t.Errorf("path = %q", r.URL.Path)
		}
		// Second row is malformed, third has no id; both must be skipped.
		w.Write([]byte(`[
			{"id":"c1","project_id":"p1","title":"One","updated_at":"2026-03-01T10:00:00Z"},
			{"id":"c2","sort_order":"not-a-number"},
			{"title":"no id"}
		]`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	rows, err := h.ListChapters(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListChapters() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].ID != "c1" || rows[0].Title != "One" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestUpsertChapter_SendsAuthAndBody(t *testing.T) {
	var gotAuth string
	var gotRow Row
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPut {
			t.Errorf("method = %q", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRow); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{BaseURL: srv.URL, Token: "secret"})
	row := Row{ID: "c1", ProjectID: "p1", Title: "One", UpdatedAt: time.Now().UTC()}
	if err := h.UpsertChapter(context.Background(), row); err != nil {
		t.Fatalf("UpsertChapter() failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotRow.ID != "c1" {
		t.Errorf("row = %+v", gotRow)
	}
}

func TestDeleteChapter_Tolerates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	if err := h.DeleteChapter(context.Background(), "p1", "gone"); err != nil {
		t.Errorf("DeleteChapter() on 404 = %v, want nil", err)
	}
}

func TestDo_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	_, err := h.ListChapters(context.Background(), "p1")
	if err == nil {
		t.Fatal("ListChapters() succeeded, want error")
	}
}

func TestSubscribe_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/p1/chapters/watch" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ev := Event{Type: EventUpdate, New: &Row{ID: "c1", ProjectID: "p1", Title: "Edited"}}
		data, _ := json.Marshal(ev)
		_ = conn.Write(r.Context(), websocket.MessageText, data)

		// Hold the channel open until the client disconnects.
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{BaseURL: srv.URL})

	received := make(chan Event, 1)
	stop, err := h.Subscribe(context.Background(), "p1", func(ev Event) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer stop()

	select {
	case ev := <-received:
		if ev.Type != EventUpdate || ev.New == nil || ev.New.ID != "c1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for live event")
	}
}
