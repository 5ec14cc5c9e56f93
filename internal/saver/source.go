package saver

import (
	"io"
	"net/http"
)

// Source is where an image comes from: a URLSource or an UploadSource.
type Source interface {
	sourceKind() string
}

// URLSource is a remote image address.
type URLSource string

func (URLSource) sourceKind() string { return "url" }

// UploadSource is an inbound multipart/form-data body.
type UploadSource struct {
	Body        io.Reader
	ContentType string
}

func (UploadSource) sourceKind() string { return "upload" }

// UploadFromRequest wraps an HTTP request body as an upload source.
func UploadFromRequest(r *http.Request) UploadSource {
	return UploadSource{Body: r.Body, ContentType: r.Header.Get("Content-Type")}
}

func (u UploadSource) valid() bool {
	return u.Body != nil && u.ContentType != ""
}
