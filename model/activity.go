// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

type (
	// URIList decodes an ActivityStreams property that may be absent, a single value or an array.
	// Embedded objects contribute their id.
	URIList  []string
	Mention  struct {
		Href string `json:"href"`
		Name string `json:"name"`
	}
	activityDocument struct {
		Context   any             `json:"@context,omitempty"`
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Actor     json.RawMessage `json:"actor"`
		Object    json.RawMessage `json:"object,omitempty"`
		To        URIList         `json:"to"`
		Cc        URIList         `json:"cc"`
		Published string          `json:"published,omitempty"`
	}
)

func (l *URIList) UnmarshalJSON(data []byte) error {
	*l = URIList{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if !gjson.ValidBytes(data) {
		return errors.Wrap(ErrMalformed, "invalid address list")
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		if uri := referenceID(res); uri != "" {
			*l = append(*l, uri)
		}

		return nil
	}
	res.ForEach(func(_, value gjson.Result) bool {
		if uri := referenceID(value); uri != "" {
			*l = append(*l, uri)
		}

		return true
	})

	return nil
}

func referenceID(value gjson.Result) string {
	switch {
	case value.Type == gjson.String:
		return value.String()
	case value.IsObject():
		return value.Get("id").String()
	default:
		return ""
	}
}

// ReferenceID returns the id of a raw property holding either a URI string or an embedded object.
func ReferenceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	return referenceID(gjson.ParseBytes(raw))
}

// ParseActivity validates a raw inbound activity once at the boundary.
// Missing to/cc become empty lists.
func ParseActivity(raw []byte) (*Activity, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.Wrap(ErrMalformed, "activity is not valid json")
	}
	var doc activityDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	actorURI := ReferenceID(doc.Actor)
	if actorURI == "" {
		return nil, ErrMissingActor
	}
	if doc.Type == "" {
		return nil, errors.Wrap(ErrMissingField, "type")
	}
	activity := &Activity{
		URI:       doc.ID,
		Type:      doc.Type,
		ActorURI:  actorURI,
		ObjectURI: ReferenceID(doc.Object),
		Object:    doc.Object,
		Raw:       append(json.RawMessage(nil), raw...),
		To:        nonNil(doc.To),
		Cc:        nonNil(doc.Cc),
		CreatedAt: time.Now().UTC(),
	}
	if doc.Published != "" {
		if published, err := time.Parse(time.RFC3339, doc.Published); err == nil {
			activity.CreatedAt = published.UTC()
		}
	}

	return activity, nil
}

// ClaimedActor extracts the actor URI without validating the rest of the document.
func ClaimedActor(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}

	return referenceID(gjson.GetBytes(raw, "actor"))
}

// Mentions returns the Mention tags of an embedded object.
func (a *Activity) Mentions() []Mention {
	if len(a.Object) == 0 {
		return nil
	}
	var mentions []Mention
	gjson.GetBytes(a.Object, "tag").ForEach(func(_, tag gjson.Result) bool {
		if tag.Get("type").String() == "Mention" {
			if href := tag.Get("href").String(); href != "" {
				mentions = append(mentions, Mention{Href: href, Name: tag.Get("name").String()})
			}
		}

		return true
	})

	return mentions
}

// ObjectTarget returns the object's inReplyTo or target reference, when present.
func (a *Activity) ObjectTarget() string {
	if len(a.Object) == 0 {
		return ""
	}
	for _, path := range []string{"inReplyTo", "target"} {
		if uri := referenceID(gjson.GetBytes(a.Object, path)); uri != "" {
			return uri
		}
	}

	return ""
}

func nonNil(l URIList) []string {
	if l == nil {
		return []string{}
	}

	return l
}
