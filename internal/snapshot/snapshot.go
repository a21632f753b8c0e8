// Package snapshot captures an inbound HTTP request into a storable record
// and rebuilds an equivalent outbound request from it later.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// ErrUnsupportedMethod marks a client error: the method cannot be captured
// for replay. Not a codec failure.
var ErrUnsupportedMethod = errors.New("unsupported method")

// ErrMalformedMultipart marks an unparseable multipart/form-data body.
var ErrMalformedMultipart = errors.New("malformed multipart body")

// Part is one multipart form entry. Filename is empty for plain form fields.
// Data holds the raw part bytes; JSON encoding base64s []byte, so arbitrary
// binary content round-trips losslessly.
type Part struct {
	Field       string `json:"field"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Snapshot is everything needed to replay a request against a route's base
// URL. Immutable once captured.
type Snapshot struct {
	QueueID     string `json:"queue_id,omitempty"`
	Route       string `json:"route"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Query       string `json:"query,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
	Parts       []Part `json:"parts,omitempty"`
}

func methodSupported(m string) bool {
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Capture reads the full request body (multipart uploads included) and
// returns a replayable snapshot. path is the request path relative to the
// route prefix and must start with "/".
func Capture(r *http.Request, route, path string) (*Snapshot, error) {
	if !methodSupported(r.Method) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, r.Method)
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	s := &Snapshot{
		Route:  route,
		Method: r.Method,
		Path:   path,
		Query:  r.URL.RawQuery,
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)
	if mediaType == "multipart/form-data" {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: missing boundary", ErrMalformedMultipart)
		}
		mr := multipart.NewReader(r.Body, boundary)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMultipart, err)
			}
			data, err := io.ReadAll(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMultipart, err)
			}
			s.Parts = append(s.Parts, Part{
				Field:       p.FormName(),
				Filename:    p.FileName(),
				ContentType: p.Header.Get("Content-Type"),
				Data:        data,
			})
		}
		if len(s.Parts) == 0 {
			return nil, fmt.Errorf("%w: no parts", ErrMalformedMultipart)
		}
		return s, nil
	}

	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(body) > 0 {
			s.Body = body
			s.ContentType = contentType
		}
	}
	return s, nil
}

// IsMultipart reports whether the snapshot carries multipart parts. The
// forwarder grants these the longer upload timeout.
func (s *Snapshot) IsMultipart() bool { return len(s.Parts) > 0 }

// NewRequest rebuilds an outbound request equivalent to the captured one,
// targeted at baseURL.
func (s *Snapshot) NewRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	target := strings.TrimSuffix(baseURL, "/") + s.Path
	if s.Query != "" {
		target += "?" + s.Query
	}

	if s.IsMultipart() {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for _, part := range s.Parts {
			h := make(textproto.MIMEHeader)
			if part.Filename != "" {
				h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, part.Field, part.Filename))
			} else {
				h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, part.Field))
			}
			if part.ContentType != "" {
				h.Set("Content-Type", part.ContentType)
			}
			w, err := mw.CreatePart(h)
			if err != nil {
				return nil, fmt.Errorf("rebuild part %q: %w", part.Field, err)
			}
			if _, err := w.Write(part.Data); err != nil {
				return nil, fmt.Errorf("rebuild part %q: %w", part.Field, err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("close multipart: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, s.Method, target, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}

	var body io.Reader
	if len(s.Body) > 0 {
		body = bytes.NewReader(s.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.Method, target, body)
	if err != nil {
		return nil, err
	}
	if s.ContentType != "" {
		req.Header.Set("Content-Type", s.ContentType)
	}
	return req, nil
}
