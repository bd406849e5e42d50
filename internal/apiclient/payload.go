package apiclient

import (
	"bytes"
	"io"
	"mime/multipart"
)

// Payload is an opaque request body that negotiates its own content type,
// such as a multipart form whose boundary is only known to the encoder.
type Payload interface {
	// ContentType returns the value for the Content-Type header.
	ContentType() string
	// Open returns the body and its length, or -1 when unknown.
	Open() (io.Reader, int64, error)
}

// Form is a multipart/form-data payload built in memory.
type Form struct {
	buf    bytes.Buffer
	writer *multipart.Writer
	closed bool
	err    error
}

// NewForm creates an empty multipart form.
func NewForm() *Form {
	f := &Form{}
	f.writer = multipart.NewWriter(&f.buf)
	return f
}

// WriteField adds a plain form field.
func (f *Form) WriteField(name, value string) error {
	if f.err != nil {
		return f.err
	}
	f.err = f.writer.WriteField(name, value)
	return f.err
}

// WriteFile adds a file part read from r.
func (f *Form) WriteFile(field, filename string, r io.Reader) error {
	if f.err != nil {
		return f.err
	}
	part, err := f.writer.CreateFormFile(field, filename)
	if err != nil {
		f.err = err
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		f.err = err
		return err
	}
	return nil
}

// ContentType returns multipart/form-data with the form's boundary.
func (f *Form) ContentType() string {
	return f.writer.FormDataContentType()
}

// Open finalizes the form and returns its encoded bytes.
func (f *Form) Open() (io.Reader, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	if !f.closed {
		if err := f.writer.Close(); err != nil {
			return nil, 0, err
		}
		f.closed = true
	}
	return bytes.NewReader(f.buf.Bytes()), int64(f.buf.Len()), nil
}

// RawBody is a pre-encoded payload with an explicit content type.
type RawBody struct {
	Type string
	Data []byte
}

func (b RawBody) ContentType() string {
	if b.Type == "" {
		return "application/octet-stream"
	}
	return b.Type
}

func (b RawBody) Open() (io.Reader, int64, error) {
	return bytes.NewReader(b.Data), int64(len(b.Data)), nil
}
