// Package templates is the client for the template store: CRUD over NATS
// request/reply, plus the pure search-filter and pagination helpers the
// listing surface is built from.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Yowj/astvault/pkg/otelhelper"
	"github.com/Yowj/astvault/pkg/session"
)

const (
	listSubject      = "templates.list"
	getSubjectPrefix = "templates.get."
	createSubject    = "templates.create"
	updateSubject    = "templates.update"
	deleteSubject    = "templates.delete"
)

// Template is one reusable text snippet.
type Template struct {
	ID          string    `json:"id"`
	CreatorID   string    `json:"creator_id"`
	CreatorName string    `json:"creator_name,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Draft carries the user-editable fields of a template.
type Draft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// mutationRequest is the body for create/update/delete requests. The store
// enforces that only the creator can update or delete.
type mutationRequest struct {
	CreatorID   string `json:"creatorId"`
	CreatorName string `json:"creatorName,omitempty"`
	ID          string `json:"id,omitempty"`
	Draft
}

// mutationReply mirrors the store's response envelope.
type mutationReply struct {
	Error    string    `json:"error,omitempty"`
	Message  string    `json:"message,omitempty"`
	Template *Template `json:"template,omitempty"`
}

// Client performs template operations against the store service.
type Client struct {
	nc *nats.Conn
}

func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// List fetches all templates, newest first.
func (c *Client) List(ctx context.Context) ([]Template, error) {
	reply, err := otelhelper.TracedRequest(ctx, c.nc, listSubject, nil)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var out []Template
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return nil, fmt.Errorf("decode template list: %w", err)
	}
	return out, nil
}

// Get fetches a single template by id.
func (c *Client) Get(ctx context.Context, id string) (*Template, error) {
	reply, err := otelhelper.TracedRequest(ctx, c.nc, getSubjectPrefix+id, nil)
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return decodeMutationReply(reply.Data)
}

// Create stores a new template owned by creator.
func (c *Client) Create(ctx context.Context, creator session.User, d Draft) (*Template, error) {
	body, _ := json.Marshal(mutationRequest{
		CreatorID:   creator.ID,
		CreatorName: creator.DisplayName(),
		Draft:       d,
	})
	reply, err := otelhelper.TracedRequest(ctx, c.nc, createSubject, body)
	if err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return decodeMutationReply(reply.Data)
}

// Update replaces the editable fields of a template the user owns.
func (c *Client) Update(ctx context.Context, creatorID, id string, d Draft) (*Template, error) {
	body, _ := json.Marshal(mutationRequest{CreatorID: creatorID, ID: id, Draft: d})
	reply, err := otelhelper.TracedRequest(ctx, c.nc, updateSubject, body)
	if err != nil {
		return nil, fmt.Errorf("update template %s: %w", id, err)
	}
	return decodeMutationReply(reply.Data)
}

// Delete removes a template the user owns.
func (c *Client) Delete(ctx context.Context, creatorID, id string) error {
	body, _ := json.Marshal(mutationRequest{CreatorID: creatorID, ID: id})
	reply, err := otelhelper.TracedRequest(ctx, c.nc, deleteSubject, body)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	_, err = decodeMutationReply(reply.Data)
	return err
}

func decodeMutationReply(data []byte) (*Template, error) {
	var mr mutationReply
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, fmt.Errorf("decode store reply: %w", err)
	}
	if mr.Error != "" {
		return nil, fmt.Errorf("store: %s", mr.Error)
	}
	return mr.Template, nil
}
