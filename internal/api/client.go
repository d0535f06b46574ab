// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/multiplayar/worldsync/pkg/core"
	"github.com/multiplayar/worldsync/pkg/wire"
	"golang.org/x/net/http2"
)

// maxBodySize bounds how much of a response is read.
const maxBodySize = 4 << 20

// ErrStatus is returned for non-2xx responses.
var ErrStatus = errors.New("unexpected status")

// Config holds client settings.
type Config struct {
	BaseURL string
	UserID  string
	Timeout time.Duration
	HTTP2   bool
}

// AnchorRequest is the one-shot anchor establishment push.
// Offset is the device camera's offset from the anchor.
type AnchorRequest struct {
	Screen core.Position2D
	Offset core.Position3D
	UserID string
}

// ObjectRequest creates (empty ObjectID) or updates an object.
// Offset is relative to the shared anchor.
type ObjectRequest struct {
	ObjectID string
	Offset   core.Position3D
	Heading  *float64
}

// Client handles communication with the world state server.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("failed to configure http2: %w", err)
		}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		userID:  cfg.UserID,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// UserID returns the identity sent in every request header.
func (c *Client) UserID() string {
	return c.userID
}

// Healthcheck checks if the server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, wire.PathHealthcheck, nil, "")
	return err
}

// PostAnchor pushes the selected anchor and returns the user id the server assigned.
func (c *Client) PostAnchor(ctx context.Context, req AnchorRequest) (string, error) {
	form := url.Values{}
	form.Set(wire.FieldX, wire.FormatFloat(req.Offset.X))
	form.Set(wire.FieldY, wire.FormatFloat(req.Offset.Y))
	form.Set(wire.FieldZ, wire.FormatFloat(req.Offset.Z))
	form.Set(wire.FieldAnchor, req.Screen.Key())
	if req.UserID != "" {
		form.Set(wire.FieldUserID, req.UserID)
	}

	body, err := c.postForm(ctx, wire.PathAnchor, form)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// PostObject creates or updates an object and returns its server id.
func (c *Client) PostObject(ctx context.Context, req ObjectRequest) (string, error) {
	form := url.Values{}
	form.Set(wire.FieldX, wire.FormatFloat(req.Offset.X))
	form.Set(wire.FieldY, wire.FormatFloat(req.Offset.Y))
	form.Set(wire.FieldZ, wire.FormatFloat(req.Offset.Z))
	if req.ObjectID != "" {
		form.Set(wire.FieldObjectID, req.ObjectID)
	}
	if req.Heading != nil {
		form.Set(wire.FieldHeading, wire.FormatFloat(*req.Heading))
	}

	body, err := c.postForm(ctx, wire.PathObject, form)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", fmt.Errorf("%w: empty object id", wire.ErrMalformed)
	}
	return id, nil
}

// Sync fetches the server's object list.
func (c *Client) Sync(ctx context.Context) (core.SyncSnapshot, error) {
	body, err := c.do(ctx, http.MethodGet, wire.PathSync, nil, "")
	if err != nil {
		return core.SyncSnapshot{}, err
	}
	return wire.DecodeSync(body)
}

// SubmitImage sends a captured scene with the candidate points offered for
// matching and returns the points the server matched, possibly none.
func (c *Client) SubmitImage(ctx context.Context, image []byte, candidates []core.Position2D) ([]core.Position2D, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField(wire.FieldUserID, c.userID); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}
	if err := writer.WriteField(wire.FieldPoints, wire.FormatCandidates(candidates)); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}
	part, err := writer.CreateFormFile(wire.FieldImage, "scene.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, wire.PathImage, &buf, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}
	return wire.DecodeMatchedPoints(body)
}

// PollPoint asks whether the server has resolved an anchor point. ok is
// false while it has not.
func (c *Client) PollPoint(ctx context.Context) (point core.Position2D, ok bool, err error) {
	form := url.Values{}
	form.Set(wire.FieldUserID, c.userID)

	body, err := c.postForm(ctx, wire.PathPointPoll, form)
	if err != nil {
		return core.Position2D{}, false, err
	}
	return wire.DecodePointPoll(body)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(wire.HeaderUserID, c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s %s read failed: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrStatus, method, path, resp.StatusCode)
	}
	return data, nil
}
