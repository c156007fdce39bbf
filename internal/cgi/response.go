// Package cgi parses raw git-http-backend stdout (CGI header lines, a blank line, then the body) into a structured
// HTTP response.
package cgi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrMalformedResponse is returned when the backend output cannot be parsed as a CGI response.
var ErrMalformedResponse = errors.New("failed to parse git response")

// separator splits the CGI header region from the body.
var separator = []byte("\r\n\r\n")

// Response is the parsed form of a CGI reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Parse splits output at the first blank line, reads the header region, and returns the structured response.
//
// Header lines are split on the first ": "; lines without it are discarded. A "Status: NNN Reason" header sets the
// status code (the reason phrase is optional); without one the status defaults to 200. Every other header is copied
// verbatim, duplicates preserved. Invalid header names or values make the whole response malformed.
func Parse(output []byte) (*Response, error) {
	end := bytes.Index(output, separator)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing header separator", ErrMalformedResponse)
	}

	resp := &Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       output[end+len(separator):],
	}

	for _, line := range strings.Split(string(output[:end]), "\r\n") {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}

		if name == "Status" {
			status, err := parseStatus(value)
			if err != nil {
				return nil, err
			}
			resp.StatusCode = status
			continue
		}

		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: invalid header %q", ErrMalformedResponse, name)
		}
		resp.Header.Add(name, value)
	}

	return resp, nil
}

// parseStatus reads the numeric code from a Status header value, tolerating a missing reason phrase.
func parseStatus(value string) (int, error) {
	code, _, _ := strings.Cut(value, " ")
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 || status > 599 {
		return 0, fmt.Errorf("%w: invalid status %q", ErrMalformedResponse, value)
	}
	return status, nil
}
