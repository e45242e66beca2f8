package discord

import (
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes the client reacts to.
const (
	ErrorCodeMFARequired = 60003
)

// ErrorMessage represents the error body returned by the REST API.
type ErrorMessage struct {
	MFA            *MFAChallenge       `json:"mfa,omitempty"`
	Message        string              `json:"message"`
	CaptchaSitekey string              `json:"captcha_sitekey,omitempty"`
	CaptchaService string              `json:"captcha_service,omitempty"`
	CaptchaRqdata  string              `json:"captcha_rqdata,omitempty"`
	CaptchaRqtoken string              `json:"captcha_rqtoken,omitempty"`
	Errors         jsoniter.RawMessage `json:"errors,omitempty"`
	CaptchaKey     []string            `json:"captcha_key,omitempty"`
	Code           int32               `json:"code"`
}

// MFAChallenge is sent alongside ErrorCodeMFARequired.
type MFAChallenge struct {
	Ticket  string      `json:"ticket"`
	Methods []MFAMethod `json:"methods,omitempty"`
}

// MFAMethod is an accepted second factor.
type MFAMethod struct {
	Type               string `json:"type"`
	BackupCodesAllowed bool   `json:"backup_codes_allowed,omitempty"`
}

// HasCaptcha returns true if the body carries a captcha challenge.
func (em *ErrorMessage) HasCaptcha() bool {
	return em.CaptchaService != ""
}

// Flatten returns the readable per-field messages of the error body.
func (em *ErrorMessage) Flatten() []string {
	if len(em.Errors) == 0 {
		return nil
	}

	var tree map[string]interface{}

	if err := json.Unmarshal(em.Errors, &tree); err != nil {
		return nil
	}

	return FlattenErrors(tree, "")
}

// FlattenErrors walks a nested per-field error tree and turns every leaf
// into a "path: message" line. Numeric keys are rendered as indexes.
func FlattenErrors(tree map[string]interface{}, key string) []string {
	messages := make([]string, 0)

	for _, k := range sortedKeys(tree) {
		if k == "message" || k == "code" {
			continue
		}

		newKey := k

		if key != "" {
			if isNumeric(k) {
				newKey = key + "[" + k + "]"
			} else {
				newKey = key + "." + k
			}
		}

		switch v := tree[k].(type) {
		case string:
			messages = append(messages, v)
		case map[string]interface{}:
			if errs, ok := v["_errors"].([]interface{}); ok {
				parts := make([]string, 0, len(errs))

				for _, e := range errs {
					if em, ok := e.(map[string]interface{}); ok {
						if msg, ok := em["message"].(string); ok {
							parts = append(parts, msg)
						}
					}
				}

				messages = append(messages, newKey+": "+strings.Join(parts, " "))
			} else if code, message, ok := codeMessage(v); ok {
				if code != "" {
					messages = append(messages, strings.TrimSpace(code+": "+message))
				} else {
					messages = append(messages, strings.TrimSpace(message))
				}
			} else {
				messages = append(messages, FlattenErrors(v, newKey)...)
			}
		}
	}

	return messages
}

func codeMessage(v map[string]interface{}) (code, message string, ok bool) {
	rawCode, hasCode := v["code"]
	rawMessage, hasMessage := v["message"]

	if !hasCode && !hasMessage {
		return "", "", false
	}

	switch c := rawCode.(type) {
	case string:
		code = c
	case float64:
		code = strconv.FormatFloat(c, 'f', -1, 64)
	}

	message, _ = rawMessage.(string)

	return code, message, true
}

func sortedKeys(tree map[string]interface{}) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]

		if isNumeric(a) && isNumeric(b) {
			ai, _ := strconv.Atoi(a)
			bi, _ := strconv.Atoi(b)

			return ai < bi
		}

		return a < b
	})

	return keys
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
