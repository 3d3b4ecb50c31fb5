package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(server.URL, zerolog.Nop())
}

func TestLoginInstallsToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if body["email"] != "a@example.com" || body["password"] != "pw" {
			t.Errorf("credentials not forwarded: %v", body)
		}

		json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "user_id": 42})
	})

	token, userID, err := client.Login(context.Background(), "a@example.com", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token != "tok-1" || userID != 42 {
		t.Fatalf("unexpected login result token=%q user=%d", token, userID)
	}
	if client.Token() != "tok-1" {
		t.Fatalf("token not installed on client")
	}
}

func TestLoginRejectsMissingToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"user_id": 42})
	})

	if _, _, err := client.Login(context.Background(), "a@example.com", "pw"); err == nil {
		t.Fatalf("expected error for tokenless response")
	}
}

func TestRegisterUploadsPublicKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode register body: %v", err)
		}
		if body["public_key"] != "pub-material" {
			t.Errorf("public key not uploaded: %v", body)
		}

		json.NewEncoder(w).Encode(map[string]any{"user_id": 7})
	})

	userID, err := client.Register(context.Background(), "alice", "a@example.com", "pw", "pub-material")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if userID != 7 {
		t.Fatalf("expected user id 7, got %d", userID)
	}
}

func TestAuthenticatedRequestsCarryBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-9" {
			t.Errorf("missing bearer header, got %q", got)
		}
		w.Write([]byte(`[]`))
	})
	client.SetToken("tok-9")

	if _, err := client.FetchConversations(context.Background()); err != nil {
		t.Fatalf("FetchConversations failed: %v", err)
	}
}

func TestUnauthorizedSurfacesSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.FetchConversations(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFetchMessagesPassesLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/12" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "50" {
			t.Errorf("limit not passed, query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":1,"conversation_id":12,"sender_id":3}]`))
	})

	messages, err := client.FetchMessages(context.Background(), 12, 50)
	if err != nil {
		t.Fatalf("FetchMessages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].ConversationID != 12 {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestLookupPublicKeys(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/public-keys" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var body map[string][]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body["emails"]) != 2 {
			t.Errorf("emails not forwarded: %v", body)
		}

		w.Write([]byte(`[{"user_id":1,"email":"a@example.com","public_key":"pk-a"}]`))
	})

	records, err := client.LookupPublicKeys(context.Background(), []string{"a@example.com", "b@example.com"})
	if err != nil {
		t.Fatalf("LookupPublicKeys failed: %v", err)
	}
	if len(records) != 1 || records[0].UserID != 1 || records[0].PublicKey != "pk-a" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestSearchChannelsEscapesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("query") != "go meetup" {
			t.Errorf("query not escaped round trip: %q", r.URL.Query().Get("query"))
		}
		w.Write([]byte(`[]`))
	})

	if _, err := client.SearchChannels(context.Background(), "go meetup"); err != nil {
		t.Fatalf("SearchChannels failed: %v", err)
	}
}

func TestRemoveParticipant(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/conversations/4/participants/9" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.RemoveParticipant(context.Background(), 4, 9); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
}

func TestErrorStatusIncludesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("conversation already exists"))
	})

	err := client.JoinChannel(context.Background(), 3)
	if err == nil {
		t.Fatalf("expected error for conflict status")
	}
}
