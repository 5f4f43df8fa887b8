// Package linear is a minimal GraphQL client for the Linear API, covering
// the ticket reads and comment writes loom needs.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/thruflo/loom/internal/logging"
)

// DefaultEndpoint is the production Linear GraphQL endpoint.
const DefaultEndpoint = "https://api.linear.app/graphql"

// Ticket is an issue with its subtask children.
type Ticket struct {
	ID          string // identifier, e.g. ENG-123
	UUID        string
	Title       string
	Description string
	URL         string
	ProjectID   string
	Subtasks    []Subtask
}

// Subtask is a child issue. BlockedBy lists the identifiers of sibling
// subtasks that must complete first.
type Subtask struct {
	ID          string
	UUID        string
	Title       string
	Description string
	State       string
	BlockedBy   []string
}

// Comment is an issue comment.
type Comment struct {
	ID   string
	Body string
}

// Team identifies a Linear team.
type Team struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// APIError is a failed GraphQL call: transport, HTTP status, or
// GraphQL-level errors.
type APIError struct {
	Status int
	Errors []string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case len(e.Errors) > 0:
		return fmt.Sprintf("linear: graphql error: %s", e.Errors[0])
	case e.Status != 0:
		return fmt.Sprintf("linear: HTTP %d", e.Status)
	default:
		return fmt.Sprintf("linear: %v", e.Err)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// Client calls the Linear GraphQL API.
type Client struct {
	endpoint   string
	authHeader string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient returns a Client. authHeader is sent verbatim in the
// Authorization header: API keys as-is, OAuth tokens with a Bearer prefix.
func NewClient(endpoint, authHeader string, log *logging.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   endpoint,
		authHeader: authHeader,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return &APIError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &APIError{Err: err}
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode}
	}

	var gql gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return &APIError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(gql.Errors) > 0 {
		msgs := make([]string, len(gql.Errors))
		for i, e := range gql.Errors {
			msgs[i] = e.Message
		}
		return &APIError{Errors: msgs}
	}
	return json.Unmarshal(gql.Data, out)
}

const ticketQuery = `
query($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    description
    url
    project { id }
    children {
      nodes {
        id
        identifier
        title
        state { name }
        inverseRelations {
          nodes {
            type
            issue { identifier }
          }
        }
      }
    }
  }
}`

// FetchTicket fetches a ticket and its subtask children.
func (c *Client) FetchTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	var data struct {
		Issue *struct {
			ID          string `json:"id"`
			Identifier  string `json:"identifier"`
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			Project     *struct {
				ID string `json:"id"`
			} `json:"project"`
			Children struct {
				Nodes []struct {
					ID         string `json:"id"`
					Identifier string `json:"identifier"`
					Title      string `json:"title"`
					State      *struct {
						Name string `json:"name"`
					} `json:"state"`
					InverseRelations struct {
						Nodes []struct {
							Type  string `json:"type"`
							Issue struct {
								Identifier string `json:"identifier"`
							} `json:"issue"`
						} `json:"nodes"`
					} `json:"inverseRelations"`
				} `json:"nodes"`
			} `json:"children"`
		} `json:"issue"`
	}

	if err := c.do(ctx, ticketQuery, map[string]any{"id": ticketID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, &APIError{Errors: []string{fmt.Sprintf("ticket %s not found", ticketID)}}
	}

	ticket := &Ticket{
		ID:          data.Issue.Identifier,
		UUID:        data.Issue.ID,
		Title:       data.Issue.Title,
		Description: data.Issue.Description,
		URL:         data.Issue.URL,
	}
	if data.Issue.Project != nil {
		ticket.ProjectID = data.Issue.Project.ID
	}
	for _, child := range data.Issue.Children.Nodes {
		st := Subtask{
			ID:    child.Identifier,
			UUID:  child.ID,
			Title: child.Title,
			State: "Unknown",
		}
		if child.State != nil {
			st.State = child.State.Name
		}
		for _, rel := range child.InverseRelations.Nodes {
			if rel.Type == "blocks" {
				st.BlockedBy = append(st.BlockedBy, rel.Issue.Identifier)
			}
		}
		ticket.Subtasks = append(ticket.Subtasks, st)
	}
	return ticket, nil
}

const subtaskQuery = `
query($id: String!) {
  issue(id: $id) {
    identifier
    title
    description
  }
}`

// FetchSubtask fetches a subtask's title and description.
func (c *Client) FetchSubtask(ctx context.Context, subtaskID string) (*Subtask, error) {
	var data struct {
		Issue *struct {
			Identifier  string `json:"identifier"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"issue"`
	}
	if err := c.do(ctx, subtaskQuery, map[string]any{"id": subtaskID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, &APIError{Errors: []string{fmt.Sprintf("subtask %s not found", subtaskID)}}
	}
	return &Subtask{
		ID:          data.Issue.Identifier,
		Title:       data.Issue.Title,
		Description: data.Issue.Description,
	}, nil
}

const teamsQuery = `query { teams { nodes { key name } } }`

// FetchTeams lists all teams visible to the authenticated user.
func (c *Client) FetchTeams(ctx context.Context) ([]Team, error) {
	var data struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.do(ctx, teamsQuery, nil, &data); err != nil {
		return nil, err
	}
	return data.Teams.Nodes, nil
}

const commentsQuery = `
query($id: String!) {
  issue(id: $id) {
    comments {
      nodes {
        id
        body
      }
    }
  }
}`

// ListComments lists comments on an issue, oldest first.
func (c *Client) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	var data struct {
		Issue *struct {
			Comments struct {
				Nodes []struct {
					ID   string `json:"id"`
					Body string `json:"body"`
				} `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	if err := c.do(ctx, commentsQuery, map[string]any{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, nil
	}
	comments := make([]Comment, 0, len(data.Issue.Comments.Nodes))
	for _, n := range data.Issue.Comments.Nodes {
		comments = append(comments, Comment{ID: n.ID, Body: n.Body})
	}
	return comments, nil
}

const createCommentMutation = `
mutation($issueId: String!, $body: String!) {
  commentCreate(input: { issueId: $issueId, body: $body }) {
    success
    comment { id }
  }
}`

// CreateComment creates a comment and returns its ID.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) (string, error) {
	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	if err := c.do(ctx, createCommentMutation, map[string]any{"issueId": issueID, "body": body}, &data); err != nil {
		return "", err
	}
	if !data.CommentCreate.Success {
		return "", &APIError{Errors: []string{"comment creation rejected"}}
	}
	return data.CommentCreate.Comment.ID, nil
}

const updateCommentMutation = `
mutation($id: String!, $body: String!) {
  commentUpdate(id: $id, input: { body: $body }) {
    success
  }
}`

// UpdateComment replaces a comment's body.
func (c *Client) UpdateComment(ctx context.Context, commentID, body string) error {
	var data struct {
		CommentUpdate struct {
			Success bool `json:"success"`
		} `json:"commentUpdate"`
	}
	if err := c.do(ctx, updateCommentMutation, map[string]any{"id": commentID, "body": body}, &data); err != nil {
		return err
	}
	if !data.CommentUpdate.Success {
		return &APIError{Errors: []string{"comment update rejected"}}
	}
	return nil
}
