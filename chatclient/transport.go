// Package chatclient is the embeddable group-chat widget client. It binds to
// whichever group page the user is viewing, runs the authorize check before
// ever opening the chat transport, and tracks the transcript and unread count
// the panel renders.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daiski/backend/internal/ws"
)

// ServerEvent is one server-to-client frame with its payload still raw, so
// each event type can decode its own shape.
type ServerEvent struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Conn is a live bidirectional chat connection.
type Conn interface {
	ReadEvent() (ServerEvent, error)
	WriteEvent(v any) error
	Close() error
}

// Dialer opens chat connections. Swappable for tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the chat endpoint over WebSocket, authenticating
// with the bearer token in the handshake.
type WebSocketDialer struct {
	Token string
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("chat dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("chat dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEvent() (ServerEvent, error) {
	var ev ServerEvent
	if err := c.conn.ReadJSON(&ev); err != nil {
		return ServerEvent{}, err
	}
	return ev, nil
}

func (c *wsConn) WriteEvent(v any) error {
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Authorizer asks the backend whether the current user may enter a group's
// chat. reason is only meaningful when authorized is false.
type Authorizer interface {
	Authorize(ctx context.Context, groupID int64) (authorized bool, reason string, err error)
}

// HTTPAuthorizer calls GET {base}/group/groupchat/{groupId}/authorize.
// Any non-2xx/403 status or unparseable body counts as a denial.
type HTTPAuthorizer struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, groupID int64) (bool, string, error) {
	url := fmt.Sprintf("%s/group/groupchat/%d/authorize", a.BaseURL, groupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		return false, "", fmt.Errorf("authorize: %s", resp.Status)
	}
	var body struct {
		Authorized bool   `json:"authorized"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, "", fmt.Errorf("authorize decode: %w", err)
	}
	return body.Authorized, body.Message, nil
}

// Uploader sends one image and returns the URL to embed in an image message.
type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader) (string, error)
}

// HTTPUploader posts multipart/form-data with field "file" to the chat
// upload endpoint.
type HTTPUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (u *HTTPUploader) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+"/group/groupchat/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return "", fmt.Errorf("upload: %s", body.Error)
		}
		return "", fmt.Errorf("upload: %s", resp.Status)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("upload decode: %w", err)
	}
	return body.URL, nil
}
