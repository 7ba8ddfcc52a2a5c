// SPDX-License-Identifier: ice License 1.0

package httpsig

import (
	"crypto/rsa"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	smhttpsig "github.com/spacemonkeygo/httpsig"
)

type (
	// Signer signs outbound requests on behalf of one local actor key.
	Signer struct {
		key   *rsa.PrivateKey
		keyID string
	}
)

func NewSigner(keyID string, key *rsa.PrivateKey) *Signer {
	return &Signer{keyID: keyID, key: key}
}

func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign adds Date, Digest (for a non-empty body) and Signature headers to req.
// The signed list is `(request-target) host date` plus `digest` when a body is present.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	req.Header.Set("Host", req.Host)
	if req.Header.Get(HeaderDate) == "" {
		req.Header.Set(HeaderDate, time.Now().UTC().Format(http.TimeFormat))
	}
	headers := []string{RequestTarget, "host", "date"}
	if len(body) > 0 {
		req.Header.Set(HeaderDigest, Digest(body))
		headers = append(headers, "digest")
	}
	if err := smhttpsig.NewRSASHA256Signer(s.keyID, s.key, headers).Sign(req); err != nil {
		return errors.Wrapf(err, "failed to sign %v %v", req.Method, req.URL)
	}
	if req.Header.Get(HeaderSignature) == "" {
		if params := FromRequest(req.Header); params != "" {
			req.Header.Set(HeaderSignature, params)
			req.Header.Del(HeaderAuthorization)
		}
	}

	return nil
}

// PreRequestHook signs every request sent by a resty client.
func (s *Signer) PreRequestHook(_ *resty.Client, req *http.Request) error {
	var body []byte
	if req.GetBody != nil {
		reader, err := req.GetBody()
		if err != nil {
			return errors.Wrap(err, "failed to get request body")
		}
		defer reader.Close()
		if body, err = io.ReadAll(reader); err != nil {
			return errors.Wrap(err, "failed to read request body")
		}
	}

	return s.Sign(req, body)
}

// RequestPath is the (request-target) path of an inbound request.
func RequestPath(req *http.Request) string {
	if uri := req.URL.RequestURI(); uri != "" && !strings.HasPrefix(uri, "http") {
		return uri
	}

	return req.URL.Path
}
