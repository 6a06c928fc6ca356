package bodyparse

import (
	"io"
	"mime"
	"mime/multipart"

	"github.com/r3e-network/siterun/internal/apierr"
)

// ParseMultipart implements multipart/form-data parser: fields
// without a filename are collected as plain strings; parts with a filename
// are streamed to a temp file and reported in the files array. Go's
// mime/multipart.Reader already implements the boundary-scanning state
// machine this system describes (buffer to boundary, sub-headers to blank
// line, watch for the boundary across chunks), so it is used directly
// rather than hand-rolling that scan.
func ParseMultipart(r io.Reader, boundary string, opts Options) (MultipartResult, error) {
	mr := multipart.NewReader(r, boundary)
	result := MultipartResult{Fields: map[string]string{}}

	var totalFieldBytes int64

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return MultipartResult{}, apierr.BadRequest("malformed multipart body").WithDetail(err.Error())
		}

		filename := part.FileName()
		if filename == "" {
			data, overrun, rerr := readLimited(part, opts.RequestMax-totalFieldBytes)
			part.Close()
			if rerr != nil {
				return MultipartResult{}, apierr.Internal("failed to read multipart field").WithDetail(rerr.Error())
			}
			if overrun {
				return MultipartResult{}, apierr.PayloadTooLarge("request body exceeds requestMax")
			}
			totalFieldBytes += int64(len(data))
			result.Fields[part.FormName()] = string(data)
			continue
		}

		contentType := part.Header.Get("Content-Type")
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}

		path, size, overrun, serr := streamToTempFile(opts.TempDir, part, opts.UploadMax)
		part.Close()
		if serr != nil {
			return MultipartResult{}, apierr.Internal("failed to stream upload to disk").WithDetail(serr.Error())
		}
		if overrun {
			removeTempFile(path)
			return MultipartResult{}, apierr.PayloadTooLarge("upload exceeds uploadMax")
		}

		result.Files = append(result.Files, FileRef{
			Filename: filename,
			Mime:     contentType,
			TempFile: path,
			Size:     size,
		})
	}

	return result, nil
}
