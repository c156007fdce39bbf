// Package relay implements the owner-side websocket session and the JSON wire protocol it speaks with the owner CLI.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/gitshare-dev/gitshare-relay/internal/channel"
)

// Bytes is a byte slice that marshals as a JSON array of numbers instead of Go's default base64 string. The wire
// envelope is JSON text, and the CLI expects git payloads as numeric arrays. Unmarshalling additionally accepts a
// base64 string so a future switch to the compact encoding stays backwards compatible.
type Bytes []byte

// MarshalJSON encodes the bytes as a numeric array.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON decodes either a numeric array or a base64 string.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}

	var raw []uint16
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]byte, len(raw))
	for i, v := range raw {
		if v > 0xff {
			return fmt.Errorf("byte value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// GitRequest is the server-to-client frame carrying one relayed git-http-backend invocation. PathInfo has no leading
// slash; the CLI prepends it before exec'ing the backend.
type GitRequest struct {
	ID             uuid.UUID `json:"id"`
	PathInfo       string    `json:"path_info"`
	RequiredMethod string    `json:"required_method"`
	QueryString    *string   `json:"query_string"`
	ContentLength  *string   `json:"content_length"`
	ContentType    *string   `json:"content_type"`
	Body           Bytes     `json:"body"`
}

// GitResponse is the client-to-server frame carrying the raw git-http-backend output (CGI headers, blank line, body)
// for the identified request.
type GitResponse struct {
	ID     uuid.UUID `json:"id"`
	Output Bytes     `json:"output"`
}

// NewGitRequest combines a RequestNotify with the body loaded from the request store into the frame sent to the CLI.
func NewGitRequest(notify *channel.RequestNotify, body []byte) *GitRequest {
	return &GitRequest{
		ID:             notify.ID,
		PathInfo:       notify.PathInfo,
		RequiredMethod: notify.RequestMethod,
		QueryString:    notify.QueryString,
		ContentLength:  notify.ContentLength,
		ContentType:    notify.ContentType,
		Body:           body,
	}
}
