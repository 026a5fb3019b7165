package main

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Path       []any          `json:"path"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

func (s *testServer) graphql(t *testing.T, tok, query string, vars map[string]any) gqlResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/query", tok, gin.H{"query": query, "variables": vars})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[gqlResponse](t, w)
}

func TestGraphQLRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	resp := s.graphql(t, "", `{ activeSession(propertyId: "PROP-001") { id } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "Unauthorized", resp.Errors[0].Extensions["kind"])
	assert.Equal(t, []any{"activeSession"}, resp.Errors[0].Path)
	assert.JSONEq(t, `{"activeSession":null}`, string(resp.Data))

	resp = s.graphql(t, s.admin, `{ __schema { queryType { name } } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "introspection disabled", resp.Errors[0].Message)
}

func TestGraphQLSessionAndReviewFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.graphql(t, s.admin, `mutation($prop: String) {
		started: startSession(input: {frequencyMonths: 3, propertyId: $prop}) { __typename id isActive propertyId }
	}`, map[string]any{"prop": "PROP-001"})
	require.Empty(t, resp.Errors)
	var started struct {
		Started map[string]any `json:"started"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &started))
	assert.Len(t, started.Started, 4)
	assert.Equal(t, "AuditSession", started.Started["__typename"])
	assert.Equal(t, true, started.Started["isActive"])
	assert.Equal(t, "PROP-001", started.Started["propertyId"])
	sessionId, _ := started.Started["id"].(string)
	require.NotEmpty(t, sessionId)
	vars := map[string]any{"id": sessionId}

	// a second session in the same scope is rejected with its error kind
	resp = s.graphql(t, s.admin, `mutation { startSession(input: {frequencyMonths: 6, propertyId: "PROP-001"}) { id } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "AlreadyActive", resp.Errors[0].Extensions["kind"])
	assert.JSONEq(t, `null`, string(resp.Data))

	resp = s.graphql(t, s.alice, `mutation($id: ID!) { ensureAssignment(sessionId: $id, department: "IT") { department status } }`, vars)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"ensureAssignment":{"department":"IT","status":"pending"}}`, string(resp.Data))

	resp = s.graphql(t, s.alice, `mutation($id: ID!) {
		upsertReviews(sessionId: $id, department: "IT", rows: [
			{assetId: "IT-1", status: verified},
			{assetId: "IT-2", status: missing, comment: "not at desk"}
		]) { saved degraded }
	}`, vars)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"upsertReviews":{"saved":2,"degraded":false}}`, string(resp.Data))

	resp = s.graphql(t, s.alice, `query($id: ID!) {
		summary(sessionId: $id) { department verified missing total }
		progress(sessionId: $id, departments: ["IT", "HR"]) { total submitted }
		departmentReviews(sessionId: $id, department: "IT") { assetId status comment }
	}`, vars)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{
		"summary":[{"department":"IT","verified":1,"missing":1,"total":2}],
		"progress":{"total":2,"submitted":0},
		"departmentReviews":[
			{"assetId":"IT-1","status":"verified","comment":null},
			{"assetId":"IT-2","status":"missing","comment":"not at desk"}
		]
	}`, string(resp.Data))

	resp = s.graphql(t, s.alice, `mutation($id: ID!) { generateReport(sessionId: $id) { limitReached } }`, vars)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "Unauthorized", resp.Errors[0].Extensions["kind"])

	resp = s.graphql(t, s.admin, `mutation($id: ID!) { generateReport(sessionId: $id) { limitReached report { sequence payload { totals { verified missing } } } } }`, vars)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"generateReport":{"limitReached":false,"report":{"sequence":1,"payload":{"totals":{"verified":1,"missing":1}}}}}`, string(resp.Data))
}

func TestGraphQLAdminOnlyMutations(t *testing.T) {
	s := newTestServer(t)

	resp := s.graphql(t, s.alice, `mutation { setIncharge(propertyId: "PROP-001", input: {userId: "u-alice"}) { degraded } }`, nil)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "Unauthorized", resp.Errors[0].Extensions["kind"])
	assert.Equal(t, []any{"setIncharge"}, resp.Errors[0].Path)

	resp = s.graphql(t, s.admin, `mutation { setIncharge(propertyId: "PROP-001", input: {userId: "u-alice", userName: "Alice"}) { incharge { propertyId userId userName } } }`, nil)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"setIncharge":{"incharge":{"propertyId":"PROP-001","userId":"u-alice","userName":"Alice"}}}`, string(resp.Data))

	resp = s.graphql(t, s.bob, `{ incharge(propertyId: "PROP-001") { userId } }`, nil)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"incharge":{"userId":"u-alice"}}`, string(resp.Data))
}

func TestGraphQLRejectsUnknownEnumValues(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/query", s.alice, gin.H{
		"query": `mutation { upsertReviews(sessionId: "S", department: "IT", rows: [{assetId: "IT-1", status: lost}]) { saved } }`,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
