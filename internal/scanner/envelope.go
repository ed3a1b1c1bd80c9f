package scanner

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"unicode"
)

const maxCredentialLength = 512

var (
	// ErrLegacyEnvelope marks a JSON payload generated on a mentor device
	// without a server session. The server has no record of it.
	ErrLegacyEnvelope   = errors.New("scanner: code was generated offline and cannot be used to check in")
	ErrUnrecognizedCode = errors.New("scanner: code is not a lesson credential")
)

type jsonEnvelope struct {
	Credential string `json:"credential"`
	Token      string `json:"token"`
}

// ParseEnvelope extracts the credential from a decoded code. It accepts the
// bare credential, a JSON object carrying it under "credential" or "token",
// and a link with a credential query parameter.
func ParseEnvelope(text string) (string, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", ErrUnrecognizedCode
	case strings.HasPrefix(text, "{"):
		return parseJSONEnvelope(text)
	case strings.HasPrefix(text, "https://") || strings.HasPrefix(text, "http://"):
		return parseLinkEnvelope(text)
	}
	return bareCredential(text)
}

func parseJSONEnvelope(text string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return "", ErrUnrecognizedCode
	}
	var env jsonEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return "", ErrUnrecognizedCode
	}
	for _, candidate := range []string{env.Credential, env.Token} {
		if candidate != "" {
			return bareCredential(candidate)
		}
	}
	// Offline payloads describe the lesson instead of naming a credential.
	for _, key := range []string{"sessionId", "lessonId", "classId", "kruzhokId"} {
		if _, ok := fields[key]; ok {
			return "", ErrLegacyEnvelope
		}
	}
	return "", ErrUnrecognizedCode
}

func parseLinkEnvelope(text string) (string, error) {
	link, err := url.Parse(text)
	if err != nil {
		return "", ErrUnrecognizedCode
	}
	query := link.Query()
	for _, key := range []string{"credential", "token"} {
		if value := query.Get(key); value != "" {
			return bareCredential(value)
		}
	}
	return "", ErrUnrecognizedCode
}

func bareCredential(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxCredentialLength {
		return "", ErrUnrecognizedCode
	}
	for _, r := range text {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", ErrUnrecognizedCode
		}
	}
	return text, nil
}
