// SPDX-License-Identifier: ice License 1.0

package httpsig

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/someonewithpc/gnusocial-sub003/model"
)

const (
	testHost = "social.example"
	testPath = "/actor/1/inbox.json"
	testBody = `{"type":"Create","actor":"https://remote.example/users/alice"}`
)

func helperRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	return key
}

func helperHeaders(body []byte) http.Header {
	headers := make(http.Header)
	headers.Set("Date", "Tue, 07 Jun 2024 20:51:35 GMT")
	headers.Set("Content-Type", model.ContentTypeActivityJSON)
	if len(body) > 0 {
		headers.Set(HeaderDigest, Digest(body))
	}

	return headers
}

func helperSign(t *testing.T, sign func([]byte) []byte, algorithm string, headers http.Header, names ...string) *model.SignatureFields {
	t.Helper()

	fields := &model.SignatureFields{
		KeyID:     "https://remote.example/users/alice#main-key",
		Algorithm: algorithm,
		Headers:   names,
	}
	signingString, _, ok := SigningString(fields, headers, http.MethodPost, testHost, testPath)
	require.True(t, ok)
	fields.Signature = sign([]byte(signingString))

	return fields
}

func rsaSigner(t *testing.T, key *rsa.PrivateKey, hash crypto.Hash) func([]byte) []byte {
	return func(message []byte) []byte {
		h := hash.New()
		h.Write(message)
		signature, err := rsa.SignPKCS1v15(rand.Reader, key, hash, h.Sum(nil))
		require.NoError(t, err)

		return signature
	}
}

func TestParseSignatureHeader(t *testing.T) {
	t.Parallel()

	signature := base64.StdEncoding.EncodeToString([]byte("sig"))

	t.Run("Valid", func(t *testing.T) {
		fields, err := ParseSignatureHeader(`keyId="https://remote.example/users/alice#main-key",algorithm="rsa-sha256",headers="(request-target) Host date digest",signature="` + signature + `"`)
		require.NoError(t, err)
		require.Equal(t, "https://remote.example/users/alice#main-key", fields.KeyID)
		require.Equal(t, AlgorithmRSASHA256, fields.Algorithm)
		require.Equal(t, []string{RequestTarget, "host", "date", "digest"}, fields.Headers)
		require.Equal(t, []byte("sig"), fields.Signature)
	})
	t.Run("SpacesAndCreated", func(t *testing.T) {
		fields, err := ParseSignatureHeader(`keyId="k, with comma", algorithm="hs2019", created=1402170695, expires=1402170699, headers="(created) (expires)", signature="` + signature + `"`)
		require.NoError(t, err)
		require.Equal(t, "k, with comma", fields.KeyID)
		require.EqualValues(t, 1402170695, fields.Created)
		require.EqualValues(t, 1402170699, fields.Expires)
	})

	for name, raw := range map[string]string{
		"MissingKeyID":     `algorithm="rsa-sha256",headers="date",signature="` + signature + `"`,
		"MissingSignature": `keyId="k",algorithm="rsa-sha256",headers="date"`,
		"MissingHeaders":   `keyId="k",algorithm="rsa-sha256",signature="` + signature + `"`,
		"NotBase64":        `keyId="k",headers="date",signature="***"`,
		"Unterminated":     `keyId="k,headers="date`,
		"Garbage":          `this is not a signature`,
		"Empty":            ``,
		"BadCreated":       `keyId="k",headers="date",created=yesterday,signature="` + signature + `"`,
	} {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() {
				fields, err := ParseSignatureHeader(raw)
				require.Nil(t, fields)
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				require.NotEmpty(t, parseErr.Reason)
			})
		})
	}
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	require.Empty(t, FromRequest(headers))

	headers.Set(HeaderAuthorization, `Signature keyId="k",headers="date",signature="c2ln"`)
	require.Equal(t, `keyId="k",headers="date",signature="c2ln"`, FromRequest(headers))

	headers.Set(HeaderSignature, `keyId="other"`)
	require.Equal(t, `keyId="other"`, FromRequest(headers))

	headers = make(http.Header)
	headers.Set(HeaderAuthorization, "Bearer token")
	require.Empty(t, FromRequest(headers))
}

func TestVerifyRSA(t *testing.T) {
	t.Parallel()

	key := helperRSAKey(t)
	body := []byte(testBody)
	headers := helperHeaders(body)
	names := []string{RequestTarget, "host", "date", "digest"}

	t.Run("Valid", func(t *testing.T) {
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, names...)
		verified, used := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.True(t, verified)
		require.Equal(t, names, used)
	})
	t.Run("SHA512", func(t *testing.T) {
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA512), AlgorithmRSASHA512, headers, names...)
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.True(t, verified)
	})
	t.Run("HS2019", func(t *testing.T) {
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmHS2019, headers, names...)
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.True(t, verified)

		fields = helperSign(t, func(message []byte) []byte {
			digest := sha512.Sum512(message)
			signature, err := rsa.SignPSS(rand.Reader, key, crypto.SHA512, digest[:], nil)
			require.NoError(t, err)

			return signature
		}, AlgorithmHS2019, headers, names...)
		verified, _ = Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.True(t, verified)
	})
	t.Run("WrongKey", func(t *testing.T) {
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, names...)
		verified, _ := Verify(&helperRSAKey(t).PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.False(t, verified)
	})
	t.Run("UnknownAlgorithm", func(t *testing.T) {
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), "rsa-md5", headers, names...)
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.False(t, verified)
	})
}

func TestVerifySingleByteMutations(t *testing.T) {
	t.Parallel()

	key := helperRSAKey(t)
	body := []byte(testBody)
	headers := helperHeaders(body)
	fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, RequestTarget, "host", "date", "digest")

	for i := range body {
		mutated := bytes.Clone(body)
		mutated[i] ^= 0x01
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, mutated)
		require.False(t, verified, "body byte %d", i)
	}
	for i := range testPath {
		mutated := []byte(testPath)
		mutated[i] ^= 0x01
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, string(mutated), body)
		require.False(t, verified, "path byte %d", i)
	}
	date := headers.Get("Date")
	for i := range date {
		mutated := []byte(date)
		mutated[i] ^= 0x01
		mutatedHeaders := headers.Clone()
		mutatedHeaders.Set("Date", string(mutated))
		verified, _ := Verify(&key.PublicKey, fields, mutatedHeaders, http.MethodPost, testHost, testPath, body)
		require.False(t, verified, "date byte %d", i)
	}
	verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, "evil.example", testPath, body)
	require.False(t, verified)
	verified, _ = Verify(&key.PublicKey, fields, headers, http.MethodPut, testHost, testPath, body)
	require.False(t, verified)

	verified, _ = Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
	require.True(t, verified)
}

func TestVerifyDigestRequirements(t *testing.T) {
	t.Parallel()

	key := helperRSAKey(t)
	body := []byte(testBody)

	t.Run("BodyWithoutSignedDigest", func(t *testing.T) {
		headers := helperHeaders(body)
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, RequestTarget, "host", "date")
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.False(t, verified)
	})
	t.Run("SHA512Digest", func(t *testing.T) {
		headers := helperHeaders(nil)
		sum := sha512.Sum512(body)
		headers.Set(HeaderDigest, "SHA-512="+base64.StdEncoding.EncodeToString(sum[:]))
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, RequestTarget, "host", "date", "digest")
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.True(t, verified)
	})
	t.Run("EmptyBodyNoDigest", func(t *testing.T) {
		headers := helperHeaders(nil)
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, RequestTarget, "host", "date")
		verified, _ := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, nil)
		require.True(t, verified)
	})
	t.Run("MissingSignedHeader", func(t *testing.T) {
		headers := helperHeaders(body)
		fields := helperSign(t, rsaSigner(t, key, crypto.SHA256), AlgorithmRSASHA256, headers, RequestTarget, "host", "date", "digest")
		headers.Del("Date")
		verified, used := Verify(&key.PublicKey, fields, headers, http.MethodPost, testHost, testPath, body)
		require.False(t, verified)
		require.Equal(t, []string{RequestTarget, "host"}, used)
	})
	t.Run("DigestMatches", func(t *testing.T) {
		sum := sha256.Sum256(body)
		good := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
		require.True(t, DigestMatches([]string{good}, body))
		require.False(t, DigestMatches([]string{"MD5=abc"}, body))
		require.False(t, DigestMatches(nil, body))
		require.False(t, DigestMatches([]string{good + ",SHA-512=AAAA"}, body))
	})
}

func TestVerifyEd25519(t *testing.T) {
	t.Parallel()

	public, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	headers := helperHeaders(nil)
	sign := func(message []byte) []byte { return ed25519.Sign(private, message) }

	for _, algorithm := range []string{AlgorithmEd25519, AlgorithmHS2019} {
		fields := helperSign(t, sign, algorithm, headers, RequestTarget, "host", "date")
		verified, _ := Verify(public, fields, headers, http.MethodPost, testHost, testPath, nil)
		require.True(t, verified, algorithm)
	}
	fields := helperSign(t, sign, AlgorithmRSASHA256, headers, RequestTarget, "host", "date")
	verified, _ := Verify(public, fields, headers, http.MethodPost, testHost, testPath, nil)
	require.False(t, verified)
}

func TestSignerInterop(t *testing.T) {
	t.Parallel()

	key := helperRSAKey(t)
	signer := NewSigner("https://social.example/actor/1#main-key", key)
	body := []byte(testBody)
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, err)

	require.NoError(t, signer.Sign(req, body))
	require.NotEmpty(t, req.Header.Get(HeaderDate))
	require.Equal(t, Digest(body), req.Header.Get(HeaderDigest))
	raw := FromRequest(req.Header)
	require.True(t, strings.Contains(raw, `keyId="https://social.example/actor/1#main-key"`))

	fields, err := ParseSignatureHeader(raw)
	require.NoError(t, err)
	require.Equal(t, []string{RequestTarget, "host", "date", "digest"}, fields.Headers)
	verified, _ := Verify(&key.PublicKey, fields, req.Header, req.Method, req.Host, req.URL.Path, body)
	require.True(t, verified)

	verified, _ = Verify(&key.PublicKey, fields, req.Header, req.Method, req.Host, req.URL.Path, []byte(`{}`))
	require.False(t, verified)
}
