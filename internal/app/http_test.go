package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dissolve/api/internal/auth"
	"dissolve/api/internal/identity"
	"dissolve/api/internal/store"
)

func newTestServer(env *testEnv) http.Handler {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return NewHTTPServer(env.service, "https://app.example.test", 1<<20, logger).Handler()
}

// tokenFor registers an enabled account in env and signs a token for it.
func tokenFor(t *testing.T, env *testEnv, userID string, groups ...string) string {
	t.Helper()
	username := userID + "@example.test"
	env.identity.users[username] = store.User{ID: userID, Username: username, Enabled: true, Groups: groups}
	token, err := auth.IssueToken([]byte("test-secret"), userID, username, groups, time.Hour, "jti-"+userID)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func doRequest(handler http.Handler, method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	rr := doRequest(newTestServer(newTestEnv()), http.MethodGet, "/api/health", "", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	env := newTestEnv()
	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }

	rr := doRequest(newTestServer(env), http.MethodGet, "/api/ready", "", nil, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", response["status"])
	}
}

func TestPreflightReturnsEmptyOK(t *testing.T) {
	handler := newTestServer(newTestEnv())
	for _, path := range []string{"/api/admin/user-groups", "/api/admin/welcome-email", "/api/uploads/consents"} {
		rr := doRequest(handler, http.MethodOptions, path, "", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rr.Code)
		}
		if rr.Body.Len() != 0 {
			t.Fatalf("%s: expected empty body, got %q", path, rr.Body.String())
		}
	}
}

func TestAdminRoutesAllowAnyOrigin(t *testing.T) {
	handler := newTestServer(newTestEnv())

	rr := doRequest(handler, http.MethodOptions, "/api/admin/user-groups", "", nil, "")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("admin origin = %q, want *", got)
	}
	rr = doRequest(handler, http.MethodGet, "/api/health", "", nil, "")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.test" {
		t.Fatalf("default origin = %q", got)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	rr := doRequest(newTestServer(newTestEnv()), http.MethodPost, "/api/admin/user-groups", "", []byte(`{}`), "application/json")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	rr = doRequest(newTestServer(newTestEnv()), http.MethodPost, "/api/admin/user-groups", "garbage", []byte(`{}`), "application/json")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad token, got %d", rr.Code)
	}
}

func TestUserGroupsForbiddenForOrganizer(t *testing.T) {
	env := newTestEnv()
	rr := doRequest(newTestServer(env), http.MethodPost, "/api/admin/user-groups", tokenFor(t, env, "org", "organizer"),
		[]byte(`{"action":"listUsers"}`), "application/json")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestUserGroupsActions(t *testing.T) {
	env := newTestEnv()
	env.identity.users["pat@example.test"] = store.User{Username: "pat@example.test", Groups: []string{"member"}}
	handler := newTestServer(env)
	admin := tokenFor(t, env, "root", "admin")

	rr := doRequest(handler, http.MethodPost, "/api/admin/user-groups", admin,
		[]byte(`{"action":"add-to-group","username":"pat@example.test","group":"canvasser"}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("add: expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decodeResponse(t, rr)["action"]; got != "addUserToGroup" {
		t.Fatalf("action = %v", got)
	}

	rr = doRequest(handler, http.MethodPost, "/api/admin/user-groups", admin,
		[]byte(`{"action":"disableUser","username":"ghost@example.test"}`), "application/json")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("disable unknown: expected status 404, got %d", rr.Code)
	}

	rr = doRequest(handler, http.MethodPost, "/api/admin/user-groups", admin,
		[]byte(`{"action":"promote","username":"pat@example.test"}`), "application/json")
	if rr.Code != http.StatusBadRequest || decodeResponse(t, rr)["code"] != "INVALID_ACTION" {
		t.Fatalf("unknown action: got %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(handler, http.MethodPost, "/api/admin/user-groups", admin, []byte(`{"action":"listUsers"}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected status 200, got %d", rr.Code)
	}
	users, _ := decodeResponse(t, rr)["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("expected pat and root, got %v", users)
	}
	if strings.Join(env.identity.calls, ",") != "add:pat@example.test:canvasser" {
		t.Fatalf("unexpected calls %v", env.identity.calls)
	}
}

func TestUserGroupsChecksPoolID(t *testing.T) {
	env := newTestEnv()
	env.service.cfg.UserPoolID = "pool-1"
	handler := newTestServer(env)

	rr := doRequest(handler, http.MethodPost, "/api/admin/user-groups", tokenFor(t, env, "root", "admin"),
		[]byte(`{"action":"listUsers","userPoolId":"pool-2"}`), "application/json")
	if rr.Code != http.StatusBadRequest || decodeResponse(t, rr)["code"] != "INVALID_USER_POOL" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestWelcomeEmail(t *testing.T) {
	env := newTestEnv()
	handler := newTestServer(env)
	admin := tokenFor(t, env, "root", "admin")
	body := []byte(`{"email":"new@example.test","firstName":"Nia","lastName":"Park","tempPassword":"Abc#12345678"}`)

	rr := doRequest(handler, http.MethodPost, "/api/admin/welcome-email", admin, body, "application/json")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: expected 503, got %d", rr.Code)
	}

	env.mailer.configured = true
	rr = doRequest(handler, http.MethodPost, "/api/admin/welcome-email", admin, []byte(`{"email":"new@example.test"}`), "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: expected 400, got %d", rr.Code)
	}

	rr = doRequest(handler, http.MethodPost, "/api/admin/welcome-email", admin, body, "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.mailer.sent) != 1 || env.mailer.sent[0].CampaignName != "Dissolve Oak Hills" {
		t.Fatalf("unexpected sent mail %+v", env.mailer.sent)
	}
}

func seedResident(env *testEnv, id, personID, first, last, street string) {
	addressID := "adr_" + id
	env.store.addresses[addressID] = store.Address{ID: addressID, Street: street, City: "Oak Hills"}
	env.store.residents[id] = store.Resident{ID: id, PersonID: personID, FirstName: first, LastName: last, AddressID: addressID}
}

func TestConsentUploadRawCSV(t *testing.T) {
	env := newTestEnv()
	seedResident(env, "res_1", "1001", "Ada", "Lovelace", "12 Oak Street")
	handler := newTestServer(env)

	csvBody := []byte("person_id,email\n1001,ada@example.test\n9999,\n1001,dup@example.test\n")
	rr := doRequest(handler, http.MethodPost, "/api/uploads/consents?format=simple", tokenFor(t, env, "org", "organizer"), csvBody, "text/csv")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["newRecords"] != float64(1) || response["notFound"] != float64(1) || response["duplicateInCsv"] != float64(1) {
		t.Fatalf("unexpected counters %v", response)
	}
	if response["archiveKey"] != "uploads/consents/test.csv" {
		t.Fatalf("archiveKey = %v", response["archiveKey"])
	}
	if !env.store.residents["res_1"].HasSigned {
		t.Fatal("expected resident to be marked signed")
	}
	if len(env.store.consents) != 1 {
		t.Fatalf("expected one consent, got %d", len(env.store.consents))
	}
}

func TestConsentUploadMultipartFullFormat(t *testing.T) {
	env := newTestEnv()
	seedResident(env, "res_1", "1001", "Ada", "Lovelace", "12 Oak Street")
	handler := newTestServer(env)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "consents.csv")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("resident_first_name,resident_last_name,resident_street\nada,LOVELACE,12 Oak St.\n"))
	_ = mw.Close()

	rr := doRequest(handler, http.MethodPost, "/api/uploads/consents", tokenFor(t, env, "org", "organizer"), buf.Bytes(), mw.FormDataContentType())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["format"] != "full" || response["newRecords"] != float64(1) {
		t.Fatalf("unexpected response %v", response)
	}
}

func TestConsentUploadRejectsMissingColumns(t *testing.T) {
	env := newTestEnv()
	rr := doRequest(newTestServer(env), http.MethodPost, "/api/uploads/consents?format=full", tokenFor(t, env, "org", "organizer"),
		[]byte("person_id\n1001\n"), "text/csv")
	if rr.Code != http.StatusBadRequest || decodeResponse(t, rr)["code"] != "INVALID_CSV" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestConcurrentUploadIsRejected(t *testing.T) {
	env := newTestEnv()
	release, err := env.busy.Acquire(context.Background(), opConsentUpload)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	rr := doRequest(newTestServer(env), http.MethodPost, "/api/uploads/consents", tokenFor(t, env, "org", "organizer"),
		[]byte("person_id\n1001\n"), "text/csv")
	if rr.Code != http.StatusConflict || decodeResponse(t, rr)["code"] != "OPERATION_IN_PROGRESS" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestUploadsForbiddenForCanvasser(t *testing.T) {
	env := newTestEnv()
	rr := doRequest(newTestServer(env), http.MethodPost, "/api/uploads/residents", tokenFor(t, env, "can", "canvasser"),
		[]byte("person_id,Street\n1,1 Elm\n"), "text/csv")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestResidentUploadThenExport(t *testing.T) {
	env := newTestEnv()
	handler := newTestServer(env)
	org := tokenFor(t, env, "org", "organizer")

	roster := "person_id,Occupant First Name,Occupant Last Name,Street,City\n" +
		"20,Bo,Chen,4 Elm Avenue,Oak Hills\n" +
		"3,Cy,Diaz,4 elm ave,oak hills\n"
	rr := doRequest(handler, http.MethodPost, "/api/uploads/residents", org, []byte(roster), "text/csv")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["residentsCreated"] != float64(2) || response["addressesCreated"] != float64(1) {
		t.Fatalf("unexpected counters %v", response)
	}

	rr = doRequest(handler, http.MethodGet, "/api/exports/residents.csv", org, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "3,") || !strings.HasPrefix(lines[2], "20,") {
		t.Fatalf("unexpected export:\n%s", rr.Body.String())
	}
}

func TestDedupeDryRunDeletesNothing(t *testing.T) {
	env := newTestEnv()
	seedResident(env, "res_1", "1001", "Ada", "Lovelace", "12 Oak Street")
	env.store.consents["con_a"] = store.Consent{ID: "con_a", ResidentID: "res_1", Email: "ada@example.test", CreatedAt: time.Unix(100, 0)}
	env.store.consents["con_b"] = store.Consent{ID: "con_b", ResidentID: "res_1", CreatedAt: time.Unix(200, 0)}
	handler := newTestServer(env)

	rr := doRequest(handler, http.MethodPost, "/api/maintenance/dedupe-consents?dryRun=true", tokenFor(t, env, "root", "admin"), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.store.consents) != 2 {
		t.Fatalf("dry run deleted consents: %v", env.store.consents)
	}

	rr = doRequest(handler, http.MethodPost, "/api/maintenance/dedupe-consents", tokenFor(t, env, "root", "admin"), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := env.store.consents["con_a"]; !ok || len(env.store.consents) != 1 {
		t.Fatalf("expected only con_a to remain, got %v", env.store.consents)
	}
}

func TestSessionLogin(t *testing.T) {
	env := newTestEnv()
	env.identity.signInFn = func(username, password string) (store.User, error) {
		if password != "right" {
			return store.User{}, identity.ErrInvalidCredentials
		}
		return env.identity.users[username], nil
	}
	env.identity.users["kim@example.test"] = store.User{ID: "usr_1", Username: "kim@example.test", Enabled: true, Groups: []string{"canvasser", "bogus"}}
	handler := newTestServer(env)

	rr := doRequest(handler, http.MethodPost, "/api/session/login", "", []byte(`{"username":"kim@example.test","password":"right"}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeResponse(t, rr)["token"].(string)

	rr = doRequest(handler, http.MethodGet, "/api/session", token, nil, "")
	response := decodeResponse(t, rr)
	if response["authenticated"] != true || response["role"] != "canvasser" {
		t.Fatalf("unexpected session %v", response)
	}
	groups, _ := response["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("unknown groups should be dropped, got %v", groups)
	}
}

func TestSessionLoginInvalidCredentials(t *testing.T) {
	rr := doRequest(newTestServer(newTestEnv()), http.MethodPost, "/api/session/login", "",
		[]byte(`{"username":"kim@example.test","password":"nope"}`), "application/json")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSearchWithoutIndexReturnsEmpty(t *testing.T) {
	env := newTestEnv()
	rr := doRequest(newTestServer(env), http.MethodGet, "/api/search?q=oak", tokenFor(t, env, "can", "canvasser"), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["source"] != "none" || response["query"] != "oak" {
		t.Fatalf("unexpected response %v", response)
	}
}

func TestTokenOfDisabledUserIsRejected(t *testing.T) {
	env := newTestEnv()
	handler := newTestServer(env)
	admin := tokenFor(t, env, "root", "admin")
	org := tokenFor(t, env, "org", "organizer")

	rr := doRequest(handler, http.MethodPost, "/api/admin/user-groups", admin,
		[]byte(`{"action":"disableUser","username":"org@example.test"}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("disable: expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(handler, http.MethodGet, "/api/exports/residents.csv", org, nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for disabled user, got %d", rr.Code)
	}
	rr = doRequest(handler, http.MethodGet, "/api/session", org, nil, "")
	if decodeResponse(t, rr)["authenticated"] != false {
		t.Fatalf("disabled user still authenticated: %s", rr.Body.String())
	}
}

func TestTokenFollowsGroupRemoval(t *testing.T) {
	env := newTestEnv()
	handler := newTestServer(env)
	admin := tokenFor(t, env, "root", "admin")
	org := tokenFor(t, env, "org", "organizer")

	rr := doRequest(handler, http.MethodGet, "/api/exports/residents.csv", org, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 before removal, got %d", rr.Code)
	}
	rr = doRequest(handler, http.MethodPost, "/api/admin/user-groups", admin,
		[]byte(`{"action":"removeUserFromGroup","username":"org@example.test","group":"organizer"}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("remove: expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(handler, http.MethodGet, "/api/exports/residents.csv", org, nil, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after group removal, got %d", rr.Code)
	}
}

func TestTokenOfDeletedUserIsRejected(t *testing.T) {
	env := newTestEnv()
	org := tokenFor(t, env, "org", "organizer")
	delete(env.identity.users, "org@example.test")

	rr := doRequest(newTestServer(env), http.MethodGet, "/api/exports/residents.csv", org, nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for deleted user, got %d", rr.Code)
	}
}
