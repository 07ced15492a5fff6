package middleware

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
)

// newRequestContext copies what the stages need out of the gin request. The body is not read here.
func newRequestContext(c *gin.Context, requestID string) *model.RequestContext {
	headers := c.Request.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if c.Request.Host != "" {
		headers.Set("Host", c.Request.Host)
	}

	cookies := make(map[string]string)
	for _, ck := range c.Request.Cookies() {
		if _, dup := cookies[ck.Name]; !dup {
			cookies[ck.Name] = ck.Value
		}
	}

	return &model.RequestContext{
		RequestID:   requestID,
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Route:       c.FullPath(),
		Headers:     headers,
		Cookies:     cookies,
		Query:       model.FromValues(c.Request.URL.Query()),
		ContentType: c.GetHeader("Content-Type"),
		ClientIP:    c.ClientIP(),
	}
}

// loadBody reads a JSON, form, multipart or text body (at most maxBytes) into rc and puts the
// bytes back for the handler. Other content types are left unread.
func loadBody(c *gin.Context, rc *model.RequestContext, maxBytes int64, maxDepth int) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}
	kind := bodyKind(rc.ContentType)
	if kind == "" {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		return apperrors.NewInvalidRequest("request body could not be read")
	}
	if int64(len(data)) > maxBytes {
		return apperrors.NewInvalidRequest("request body too large").WithDetail("max_bytes", maxBytes)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(data))
	if len(data) == 0 {
		return nil
	}

	raw := model.String(string(data))
	switch kind {
	case "json":
		v, err := model.DecodeJSON(bytes.NewReader(data), maxDepth)
		switch {
		case err == nil:
			rc.Body = v
		case model.IsTooDeep(err):
			rc.BodyTooDeep = true
			rc.Body = raw
		default:
			// not valid JSON: scan it as text
			rc.Body = raw
		}
	case "form":
		vals, err := url.ParseQuery(string(data))
		if err != nil {
			rc.Body = raw
		} else {
			rc.Body = model.FromValues(vals)
		}
	case "multipart":
		vals, err := multipartFields(data, rc.ContentType)
		if err != nil {
			return apperrors.NewInvalidRequest("multipart body could not be parsed")
		}
		rc.Body = model.FromValues(vals)
	default:
		rc.Body = raw
	}
	return nil
}

func bodyKind(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return "json"
	case mt == "application/x-www-form-urlencoded":
		return "form"
	case mt == "multipart/form-data":
		return "multipart"
	case strings.HasPrefix(mt, "text/"), mt == "application/xml":
		return "text"
	}
	return ""
}

// multipartFields collects the text parts of a multipart body. File contents are skipped; the
// client-supplied file name is kept under "<field>#filename".
func multipartFields(data []byte, contentType string) (url.Values, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, err
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("missing multipart boundary")
	}

	vals := url.Values{}
	mr := multipart.NewReader(bytes.NewReader(data), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return vals, nil
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		_, disp, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if filename, ok := disp["filename"]; ok {
			if filename != "" {
				vals.Add(name+"#filename", filename)
			}
			_ = part.Close()
			continue
		}
		v, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		vals.Add(name, string(v))
	}
}
