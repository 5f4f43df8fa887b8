package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/loom/internal/logging"
)

func newTestServer(t *testing.T, handler func(query string, variables map[string]any) any) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := handler(req.Query, req.Variables)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, "test-key", logging.New()), srv
}

func TestFetchTicket(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, variables map[string]any) any {
		assert.Equal(t, "ENG-123", variables["id"])
		return map[string]any{
			"data": map[string]any{
				"issue": map[string]any{
					"id":          "uuid-1",
					"identifier":  "ENG-123",
					"title":       "Add token auth",
					"description": "Support API keys",
					"url":         "https://linear.app/x/issue/ENG-123",
					"project":     map[string]any{"id": "proj-1"},
					"children": map[string]any{
						"nodes": []any{
							map[string]any{
								"id":         "uuid-2",
								"identifier": "ENG-124",
								"title":      "Wire middleware",
								"state":      map[string]any{"name": "Todo"},
								"inverseRelations": map[string]any{
									"nodes": []any{
										map[string]any{
											"type":  "blocks",
											"issue": map[string]any{"identifier": "ENG-125"},
										},
										map[string]any{
											"type":  "related",
											"issue": map[string]any{"identifier": "ENG-999"},
										},
									},
								},
							},
						},
					},
				},
			},
		}
	})

	ticket, err := c.FetchTicket(context.Background(), "ENG-123")
	require.NoError(t, err)

	assert.Equal(t, "ENG-123", ticket.ID)
	assert.Equal(t, "uuid-1", ticket.UUID)
	assert.Equal(t, "Add token auth", ticket.Title)
	assert.Equal(t, "proj-1", ticket.ProjectID)

	require.Len(t, ticket.Subtasks, 1)
	st := ticket.Subtasks[0]
	assert.Equal(t, "ENG-124", st.ID)
	assert.Equal(t, "Todo", st.State)
	assert.Equal(t, []string{"ENG-125"}, st.BlockedBy, "only blocks relations count")
}

func TestFetchTicket_NotFound(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, _ map[string]any) any {
		return map[string]any{"data": map[string]any{"issue": nil}}
	})

	_, err := c.FetchTicket(context.Background(), "ENG-404")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, err.Error(), "ENG-404 not found")
}

func TestDo_GraphQLErrors(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, _ map[string]any) any {
		return map[string]any{
			"errors": []any{map[string]any{"message": "authentication required"}},
		}
	})

	_, err := c.FetchTeams(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")
}

func TestDo_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "test-key", logging.New())
	_, err := c.FetchTeams(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestListComments(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, variables map[string]any) any {
		assert.Equal(t, "uuid-1", variables["id"])
		return map[string]any{
			"data": map[string]any{
				"issue": map[string]any{
					"comments": map[string]any{
						"nodes": []any{
							map[string]any{"id": "c1", "body": "first"},
							map[string]any{"id": "c2", "body": "second"},
						},
					},
				},
			},
		}
	})

	comments, err := c.ListComments(context.Background(), "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, []Comment{{ID: "c1", Body: "first"}, {ID: "c2", Body: "second"}}, comments)
}

func TestCreateComment(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, variables map[string]any) any {
		assert.Equal(t, "uuid-1", variables["issueId"])
		assert.Equal(t, "state body", variables["body"])
		return map[string]any{
			"data": map[string]any{
				"commentCreate": map[string]any{
					"success": true,
					"comment": map[string]any{"id": "c9"},
				},
			},
		}
	})

	id, err := c.CreateComment(context.Background(), "uuid-1", "state body")
	require.NoError(t, err)
	assert.Equal(t, "c9", id)
}

func TestCreateComment_Rejected(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, _ map[string]any) any {
		return map[string]any{
			"data": map[string]any{
				"commentCreate": map[string]any{"success": false},
			},
		}
	})

	_, err := c.CreateComment(context.Background(), "uuid-1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestUpdateComment(t *testing.T) {
	t.Parallel()

	c, _ := newTestServer(t, func(_ string, variables map[string]any) any {
		assert.Equal(t, "c9", variables["id"])
		return map[string]any{
			"data": map[string]any{
				"commentUpdate": map[string]any{"success": true},
			},
		}
	})

	require.NoError(t, c.UpdateComment(context.Background(), "c9", "new body"))
}

func TestAuthHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiKey  string
		token   string
		want    string
		wantErr error
	}{
		{name: "api key as-is", apiKey: "lin_api_abc", want: "lin_api_abc"},
		{name: "api key wins over token", apiKey: "lin_api_abc", token: "tok", want: "lin_api_abc"},
		{name: "stored token gets bearer", token: "tok123", want: "Bearer tok123"},
		{name: "nothing", wantErr: ErrNotAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := AuthHeader(tt.apiKey, tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config", "loom", "token")

	// Nothing stored yet.
	token, err := LoadToken(path)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, SaveToken(path, "  tok123\n"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err = LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "tok123", token)

	require.NoError(t, DeleteToken(path))
	require.NoError(t, DeleteToken(path), "deleting a missing token is fine")

	token, err = LoadToken(path)
	require.NoError(t, err)
	assert.Empty(t, token)
}
