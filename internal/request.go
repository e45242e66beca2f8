package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthMode selects how the Authorization header is built.
type AuthMode string

const (
	// AuthModeDefault uses the dispatcher's configured mode.
	AuthModeDefault AuthMode = ""
	AuthModeBot     AuthMode = "bot"
	AuthModeUser    AuthMode = "user"
	AuthModeBearer  AuthMode = "bearer"
	AuthModeNone    AuthMode = "none"
)

func (am AuthMode) Valid() bool {
	switch am {
	case AuthModeBot, AuthModeUser, AuthModeBearer, AuthModeNone:
		return true
	default:
		return false
	}
}

const (
	HeaderAuditLogReason       = "X-Audit-Log-Reason"
	HeaderLocale               = "X-Discord-Locale"
	HeaderSuperProperties      = "X-Super-Properties"
	HeaderCaptchaKey           = "X-Captcha-Key"
	HeaderCaptchaRqtoken       = "X-Captcha-Rqtoken"
	HeaderMFAAuthorization     = "X-Discord-Mfa-Authorization"
	HeaderRateLimitLimit       = "X-RateLimit-Limit"
	HeaderRateLimitRemaining   = "X-RateLimit-Remaining"
	HeaderRateLimitReset       = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter  = "X-RateLimit-Reset-After"
	HeaderRateLimitBucket      = "X-RateLimit-Bucket"
	HeaderRateLimitGlobal      = "X-RateLimit-Global"
	HeaderRetryAfter           = "Retry-After"
	contentTypeJSON            = "application/json"
	payloadJSONMultipartFields = "payload_json"
)

// File is an attachment sent as a multipart part.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Request is a logical REST request. It is not modified by the dispatcher,
// per attempt state lives alongside it in the submission.
type Request struct {
	// Body is encoded as JSON unless it is already a []byte.
	Body    interface{}
	Query   url.Values
	Headers http.Header

	Method string
	// Path is a template where each {placeholder} is replaced, in order,
	// by the matching entry of Params.
	Path   string
	Reason string
	// MFACode is the TOTP code used when the request requires step-up.
	MFACode string
	Auth    AuthMode

	Params []interface{}
	Files  []File

	Priority int
	Timeout  time.Duration

	// Unversioned requests are sent without the /v{n} prefix.
	Unversioned bool
}

// resolvedPath substitutes Params into the path template.
func (r *Request) resolvedPath() string {
	if len(r.Params) == 0 {
		return r.Path
	}

	var b strings.Builder

	params := r.Params
	path := r.Path

	for {
		start := strings.IndexByte(path, '{')
		if start < 0 || len(params) == 0 {
			break
		}

		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			break
		}

		b.WriteString(path[:start])
		b.WriteString(url.PathEscape(fmt.Sprint(params[0])))

		params = params[1:]
		path = path[start+end+1:]
	}

	b.WriteString(path)

	return b.String()
}

// Response is a successful REST response.
type Response struct {
	Header     http.Header
	Body       []byte
	StatusCode int
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// attempt is the mutable per submission state threaded through retries.
type attempt struct {
	id             string
	captchaKey     string
	captchaRqtoken string
	mfaToken       string
	retries        int
	captchas       int
	steppedUp      bool

	// rateLimited is set once a 429 has been reported, so the wait that
	// follows it is not reported again.
	rateLimited bool
}

// submission couples an immutable request with the data derived from it.
type submission struct {
	req         *Request
	attempt     attempt
	path        string
	route       string
	key         string
	contentType string
	body        []byte
}

func newSubmission(req *Request) (*submission, error) {
	path := req.resolvedPath()

	s := &submission{
		req:   req,
		path:  path,
		route: NormalizeRoute(path),
		key:   BucketKey(req.Method, path),
		attempt: attempt{
			id: uuid.NewString(),
		},
	}

	body, contentType, err := encodeRequestBody(req)
	if err != nil {
		return nil, err
	}

	s.body = body
	s.contentType = contentType

	return s, nil
}

// encodeRequestBody returns the request body and its content type. Files
// produce a multipart body with the JSON payload in payload_json.
func encodeRequestBody(req *Request) ([]byte, string, error) {
	var payload []byte

	switch body := req.Body.(type) {
	case nil:
	case []byte:
		payload = body
	default:
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	if len(req.Files) == 0 {
		if payload == nil {
			return nil, "", nil
		}

		return payload, contentTypeJSON, nil
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	for i, file := range req.Files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename="%s"`, i, quoteEscaper.Replace(file.Name)))

		contentType := file.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(file.Data)
		}

		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}

		if _, err = part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file part: %w", err)
		}
	}

	if payload != nil {
		if err := writer.WriteField(payloadJSONMultipartFields, string(payload)); err != nil {
			return nil, "", fmt.Errorf("failed to write payload_json: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// newHTTPRequest builds the HTTP request for the current attempt.
func (d *Dispatcher) newHTTPRequest(ctx context.Context, s *submission) (*http.Request, error) {
	endpoint := d.endpoint(s)

	var body io.Reader
	if s.body != nil {
		body = bytes.NewReader(s.body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(s.req.Method), endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if s.contentType != "" {
		req.Header.Set("Content-Type", s.contentType)
	}

	if err = d.authorize(req, s.req.Auth); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", d.config.UserAgent)

	if d.locale != "" {
		req.Header.Set(HeaderLocale, d.locale)
	}

	if d.superProperties != "" && d.authMode(s.req.Auth) == AuthModeUser {
		req.Header.Set(HeaderSuperProperties, d.superProperties)
	}

	if s.req.Reason != "" {
		req.Header.Set(HeaderAuditLogReason, url.PathEscape(s.req.Reason))
	}

	if s.attempt.captchaKey != "" {
		req.Header.Set(HeaderCaptchaKey, s.attempt.captchaKey)

		if s.attempt.captchaRqtoken != "" {
			req.Header.Set(HeaderCaptchaRqtoken, s.attempt.captchaRqtoken)
		}
	}

	if s.attempt.mfaToken != "" {
		req.Header.Set(HeaderMFAAuthorization, s.attempt.mfaToken)
	}

	for name, values := range s.req.Headers {
		req.Header[textproto.CanonicalMIMEHeaderKey(name)] = values
	}

	return req, nil
}

func (d *Dispatcher) endpoint(s *submission) string {
	var b strings.Builder

	b.WriteString(strings.TrimSuffix(d.config.BaseURL, "/"))

	if !s.req.Unversioned {
		b.WriteString("/v")
		b.WriteString(strconv.Itoa(d.config.Version))
	}

	if !strings.HasPrefix(s.path, "/") {
		b.WriteByte('/')
	}

	b.WriteString(s.path)

	if len(s.req.Query) > 0 {
		b.WriteByte('?')
		b.WriteString(s.req.Query.Encode())
	}

	return b.String()
}

func (d *Dispatcher) authMode(mode AuthMode) AuthMode {
	if mode == AuthModeDefault {
		return d.config.AuthMode
	}

	return mode
}

func (d *Dispatcher) authorize(req *http.Request, mode AuthMode) error {
	switch d.authMode(mode) {
	case AuthModeBot:
		req.Header.Set("Authorization", "Bot "+d.token)
	case AuthModeUser:
		req.Header.Set("Authorization", d.token)
	case AuthModeBearer:
		if d.tokenSource == nil {
			req.Header.Set("Authorization", "Bearer "+d.token)

			return nil
		}

		token, err := d.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("failed to retrieve oauth2 token: %w", err)
		}

		token.SetAuthHeader(req)
	case AuthModeNone, AuthModeDefault:
	}

	return nil
}

// encodeSuperProperties returns the base64 encoded client descriptor sent
// by user accounts.
func encodeSuperProperties(properties map[string]interface{}) string {
	data, err := json.Marshal(properties)
	if err != nil {
		return ""
	}

	return base64.StdEncoding.EncodeToString(data)
}
