// SPDX-License-Identifier: ice License 1.0

package httpsig

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

type (
	// ParseError describes a Signature header that cannot be used; it maps to a client error.
	ParseError struct {
		Reason string
	}
)

const (
	HeaderSignature     = "Signature"
	HeaderAuthorization = "Authorization"
	HeaderDigest        = "Digest"
	HeaderDate          = "Date"

	authorizationScheme = "Signature "
)

func (e *ParseError) Error() string {
	return "invalid signature header: " + e.Reason
}

// FromRequest returns the raw signature parameters from the Signature header or an "Authorization: Signature" header.
// An empty string means the request is unsigned.
func FromRequest(headers http.Header) string {
	if raw := strings.TrimSpace(headers.Get(HeaderSignature)); raw != "" {
		return raw
	}
	if auth := strings.TrimSpace(headers.Get(HeaderAuthorization)); len(auth) > len(authorizationScheme) &&
		strings.EqualFold(auth[:len(authorizationScheme)], authorizationScheme) {
		return strings.TrimSpace(auth[len(authorizationScheme):])
	}

	return ""
}

// ParseSignatureHeader parses `keyId="...",algorithm="...",headers="...",signature="..."`.
// It never panics; unusable input yields a *ParseError.
func ParseSignatureHeader(raw string) (*model.SignatureFields, error) {
	params, err := splitParams(raw)
	if err != nil {
		return nil, err
	}
	fields := &model.SignatureFields{
		KeyID:     params["keyid"],
		Algorithm: strings.ToLower(params["algorithm"]),
	}
	switch {
	case fields.KeyID == "":
		return nil, &ParseError{Reason: "missing keyId"}
	case params["signature"] == "":
		return nil, &ParseError{Reason: "missing signature"}
	case strings.TrimSpace(params["headers"]) == "":
		return nil, &ParseError{Reason: "missing headers"}
	}
	if fields.Signature, err = base64.StdEncoding.DecodeString(params["signature"]); err != nil {
		return nil, &ParseError{Reason: "signature is not base64"}
	}
	fields.Headers = strings.Fields(strings.ToLower(params["headers"]))
	for name, dst := range map[string]*int64{"created": &fields.Created, "expires": &fields.Expires} {
		value, ok := params[name]
		if !ok {
			continue
		}
		if *dst, err = strconv.ParseInt(value, 10, 64); err != nil {
			return nil, &ParseError{Reason: name + " is not a timestamp"}
		}
	}

	return fields, nil
}

func splitParams(raw string) (map[string]string, error) {
	params := make(map[string]string)
	for rest := strings.TrimSpace(raw); rest != ""; {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, &ParseError{Reason: "expected key=value"}
		}
		key := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = strings.TrimSpace(rest[eq+1:])

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, &ParseError{Reason: "unterminated quoted value for " + key}
			}
			value, rest = rest[1:end+1], rest[end+2:]
		} else if comma := strings.IndexByte(rest, ','); comma >= 0 {
			value, rest = strings.TrimSpace(rest[:comma]), rest[comma:]
		} else {
			value, rest = strings.TrimSpace(rest), ""
		}
		params[key] = value

		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return nil, &ParseError{Reason: "expected comma after " + key}
		}
		rest = strings.TrimSpace(rest[1:])
	}

	return params, nil
}
