package webhook

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
)

// Delivery is what we learn about a verified delivery, for logs only.
type Delivery struct {
	ID         string
	Event      string
	Ref        string
	After      string
	Repository string
}

// Providers put the same information under different header names.
var (
	deliveryHeaders = []string{"X-GitHub-Delivery", "X-Gogs-Delivery", "X-Gitea-Delivery"}
	eventHeaders    = []string{"X-GitHub-Event", "X-Gogs-Event", "X-Gitea-Event"}
)

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// parseDelivery extracts delivery metadata. It must only be called after the
// signature over body has been verified, and it never modifies body.
//
// JSON bodies (including a missing Content-Type) and GitHub's form-encoded
// "payload=" bodies must parse; other content types are accepted unparsed.
func parseDelivery(r *http.Request, body []byte) (Delivery, error) {
	d := Delivery{
		ID:    firstHeader(r.Header, deliveryHeaders),
		Event: firstHeader(r.Header, eventHeaders),
	}

	raw, ok, err := jsonPayload(r.Header.Get("Content-Type"), body)
	if err != nil || !ok {
		return d, err
	}

	var p pushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return d, fmt.Errorf("decode payload: %w", err)
	}
	d.Ref = p.Ref
	d.After = p.After
	d.Repository = p.Repository.FullName
	return d, nil
}

// jsonPayload returns the JSON document carried by body, if any.
func jsonPayload(contentType string, body []byte) ([]byte, bool, error) {
	if contentType == "" {
		return body, true, nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, false, fmt.Errorf("parse content type: %w", err)
	}

	switch mediaType {
	case "application/json":
		return body, true, nil
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, false, fmt.Errorf("parse form body: %w", err)
		}
		payload := values.Get("payload")
		if payload == "" {
			return nil, false, fmt.Errorf("form body has no payload field")
		}
		return []byte(payload), true, nil
	default:
		return nil, false, nil
	}
}

func firstHeader(h http.Header, names []string) string {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
