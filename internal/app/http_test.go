package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stallboard/api/internal/auth"
	"stallboard/api/internal/store"
)

func newTestHandler(t *testing.T, fs *fakeStore) http.Handler {
	t.Helper()
	return NewHTTPServer(newTestService(t, fs), "*").Handler()
}

func ownedBoardStore(ownerID string) *fakeStore {
	return &fakeStore{
		getBoardFn: func(_ context.Context, id string) (store.Board, error) {
			return store.Board{ID: id, AccountID: &ownerID, TimeMode: store.TimeModeAuto}, nil
		},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func sessionTokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testConfig().JWTSecret), auth.Claims{
		Sub: userID, Name: "Pat", JTI: "jti_test", Exp: time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func TestHealth(t *testing.T) {
	handler := newTestHandler(t, &fakeStore{})
	recorder := doJSON(t, handler, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("health returned %d", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestAnonymousCanViewBoard(t *testing.T) {
	handler := newTestHandler(t, ownedBoardStore("usr_owner"))
	recorder := doJSON(t, handler, http.MethodGet, "/api/boards/brd_1", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("anonymous snapshot returned %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAnonymousCannotEdit(t *testing.T) {
	handler := newTestHandler(t, ownedBoardStore("usr_owner"))
	recorder := doJSON(t, handler, http.MethodPut, "/api/boards/brd_1/time-mode", "", `{"mode":"PM"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("anonymous edit returned %d, want 403", recorder.Code)
	}
}

func TestOwnerSessionCanAdminister(t *testing.T) {
	handler := newTestHandler(t, ownedBoardStore("usr_owner"))
	token := sessionTokenFor(t, "usr_owner")

	recorder := doJSON(t, handler, http.MethodPatch, "/api/boards/brd_1", token, `{"name":"Barn A"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("owner rename returned %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestNonOwnerSessionCannotAdminister(t *testing.T) {
	handler := newTestHandler(t, ownedBoardStore("usr_owner"))
	token := sessionTokenFor(t, "usr_other")

	recorder := doJSON(t, handler, http.MethodPatch, "/api/boards/brd_1", token, `{"name":"Barn A"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("non-owner rename returned %d, want 403", recorder.Code)
	}
}

func TestControllerTokenIsBoardScoped(t *testing.T) {
	raw := auth.NewControllerTokenValue()
	ownerID := "usr_owner"
	fs := &fakeStore{
		getBoardFn: func(_ context.Context, id string) (store.Board, error) {
			return store.Board{ID: id, AccountID: &ownerID, TimeMode: store.TimeModeAuto}, nil
		},
		getControllerTokenByHashFn: func(_ context.Context, hash string) (store.ControllerToken, error) {
			return store.ControllerToken{ID: "tok_1", BoardID: "brd_1", Permission: "edit"}, nil
		},
	}
	handler := newTestHandler(t, fs)

	recorder := doJSON(t, handler, http.MethodPut, "/api/boards/brd_1/time-mode", raw, `{"mode":"PM"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("in-scope token edit returned %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodPut, "/api/boards/brd_other/time-mode", raw, `{"mode":"PM"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("cross-board token edit returned %d, want 403", recorder.Code)
	}
}

func TestUnknownControllerTokenIsDeniedEverywhere(t *testing.T) {
	// Even reads that anonymous callers may perform are refused when a
	// controller-style bearer fails validation.
	handler := newTestHandler(t, ownedBoardStore("usr_owner"))
	recorder := doJSON(t, handler, http.MethodGet, "/api/boards/brd_1", auth.ControllerTokenPrefix+"bogus", "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unknown controller token read returned %d, want 403", recorder.Code)
	}
}

func TestViewTokenCannotIssueTokens(t *testing.T) {
	raw := auth.NewControllerTokenValue()
	fs := &fakeStore{
		getControllerTokenByHashFn: func(_ context.Context, hash string) (store.ControllerToken, error) {
			return store.ControllerToken{ID: "tok_1", BoardID: "brd_1", Permission: "view"}, nil
		},
	}
	handler := newTestHandler(t, fs)

	recorder := doJSON(t, handler, http.MethodPost, "/api/boards/brd_1/tokens", raw, `{"permission":"edit"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("view token issuing tokens returned %d, want 403", recorder.Code)
	}
}

func TestRedeemInviteEndpoint(t *testing.T) {
	fs := &fakeStore{
		getInviteFn: func(_ context.Context, code string) (store.Invite, error) {
			return store.Invite{Code: code, BoardID: "brd_5", Permission: "edit", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	handler := newTestHandler(t, fs)

	recorder := doJSON(t, handler, http.MethodPost, "/api/invites/redeem", "", `{"code":"abc234"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("redeem returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Token   string `json:"token"`
		BoardID string `json:"boardId"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Token, auth.ControllerTokenPrefix) {
		t.Fatalf("redeemed token %q missing prefix", body.Token)
	}
	if body.BoardID != "brd_5" {
		t.Fatalf("redeemed token bound to %q", body.BoardID)
	}
}

func TestEventsStreamSendsSnapshotFirst(t *testing.T) {
	handler := newTestHandler(t, ownedBoardStore("usr_owner"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/boards/brd_1/events", nil).WithContext(ctx)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type %q", got)
	}
	body := recorder.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("first frame is not an SSE data frame: %q", body)
	}
	var first struct {
		Type string `json:"type"`
	}
	payload := strings.TrimPrefix(strings.SplitN(body, "\n", 2)[0], "data: ")
	if err := json.Unmarshal([]byte(payload), &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if first.Type != "snapshot" {
		t.Fatalf("first frame type %q, want snapshot", first.Type)
	}
}
