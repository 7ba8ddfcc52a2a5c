// SPDX-License-Identifier: ice License 1.0

package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	AlgorithmRSASHA512 = "rsa-sha512"
	AlgorithmHS2019    = "hs2019"
	AlgorithmEd25519   = "ed25519"

	RequestTarget = "(request-target)"
	Created       = "(created)"
	Expires       = "(expires)"
)

// Verify rebuilds the signing string from the signed header list and checks it against publicKey.
// A mismatch is reported as false; it is an expected outcome, not an error.
// When body is non-empty a signed digest header matching the body is required.
func Verify(publicKey crypto.PublicKey, fields *model.SignatureFields, headers http.Header, method, host, path string, body []byte) (verified bool, usedHeaders []string) {
	if publicKey == nil || fields == nil || len(fields.Headers) == 0 {
		return false, nil
	}
	signingString, usedHeaders, ok := SigningString(fields, headers, method, host, path)
	if !ok {
		return false, usedHeaders
	}
	if !BodyDigestValid(fields, headers, body) {
		return false, usedHeaders
	}

	return verifySignature(publicKey, fields.Algorithm, []byte(signingString), fields.Signature), usedHeaders
}

// BodyDigestValid reports whether a non-empty body is covered by a signed digest header that matches it.
func BodyDigestValid(fields *model.SignatureFields, headers http.Header, body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if fields == nil || !slices.ContainsFunc(fields.Headers, func(name string) bool { return strings.EqualFold(name, "digest") }) {
		return false
	}

	return DigestMatches(headers.Values(HeaderDigest), body)
}

// SigningString joins `name: value` lines in the order the signer listed them.
// It reports false when a listed header is absent from the request.
func SigningString(fields *model.SignatureFields, headers http.Header, method, host, path string) (string, []string, bool) {
	lines := make([]string, 0, len(fields.Headers))
	used := make([]string, 0, len(fields.Headers))
	for _, name := range fields.Headers {
		name = strings.ToLower(name)
		var value string
		switch name {
		case RequestTarget:
			value = strings.ToLower(method) + " " + path
		case Created:
			if fields.Created == 0 {
				return "", used, false
			}
			value = fmt.Sprint(fields.Created)
		case Expires:
			if fields.Expires == 0 {
				return "", used, false
			}
			value = fmt.Sprint(fields.Expires)
		case "host":
			value = host
			if value == "" {
				value = headers.Get("Host")
			}
		default:
			values := slices.Clone(headers.Values(name))
			if len(values) == 0 {
				return "", used, false
			}
			for i := range values {
				values[i] = strings.TrimSpace(values[i])
			}
			value = strings.Join(values, ", ")
		}
		lines = append(lines, name+": "+value)
		used = append(used, name)
	}

	return strings.Join(lines, "\n"), used, true
}

func verifySignature(publicKey crypto.PublicKey, algorithm string, message, signature []byte) bool {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		switch algorithm {
		case AlgorithmRSASHA256, "":
			return verifyPKCS1(key, crypto.SHA256, message, signature)
		case AlgorithmRSASHA512:
			return verifyPKCS1(key, crypto.SHA512, message, signature)
		case AlgorithmHS2019:
			return verifyPKCS1(key, crypto.SHA256, message, signature) || verifyPSS(key, message, signature)
		default:
			return false
		}
	case ed25519.PublicKey:
		switch algorithm {
		case AlgorithmEd25519, AlgorithmHS2019, "":
			return ed25519.Verify(key, message, signature)
		default:
			return false
		}
	default:
		return false
	}
}

func verifyPKCS1(key *rsa.PublicKey, hash crypto.Hash, message, signature []byte) bool {
	h := hash.New()
	h.Write(message)

	return rsa.VerifyPKCS1v15(key, hash, h.Sum(nil), signature) == nil
}

func verifyPSS(key *rsa.PublicKey, message, signature []byte) bool {
	digest := sha512.Sum512(message)

	return rsa.VerifyPSS(key, crypto.SHA512, digest[:], signature, nil) == nil
}

// Digest returns the SHA-256 Digest header value of body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)

	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// DigestMatches checks every SHA-256 or SHA-512 entry of the Digest header values against body; at least one must be present.
func DigestMatches(values []string, body []byte) bool {
	var checked bool
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			algorithm, encoded, found := strings.Cut(strings.TrimSpace(entry), "=")
			if !found {
				continue
			}
			var sum []byte
			switch strings.ToUpper(algorithm) {
			case "SHA-256":
				s := sha256.Sum256(body)
				sum = s[:]
			case "SHA-512":
				s := sha512.Sum512(body)
				sum = s[:]
			default:
				continue
			}
			expected, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil || subtle.ConstantTimeCompare(expected, sum) != 1 {
				return false
			}
			checked = true
		}
	}

	return checked
}
