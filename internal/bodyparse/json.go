package bodyparse

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/r3e-network/siterun/internal/apierr"
)

// DataURLRef is spliced into the JSON accumulator in place of an embedded
// data URL payload.
type DataURLRef struct {
	Size     int64  `json:"size"`
	Tag      string `json:"tag"`
	TempFile string `json:"tempFile"`
	Mime     string `json:"mime"`
	Encoding string `json:"encoding"`
}

const base64Marker = ";base64,"

// dataURLPeekWindow bounds how far ahead ParseJSON looks for ";base64,"
// before giving up on treating a "data:..." string prefix as a data URL —
// long enough for any realistic MIME type, short enough to stay O(1).
const dataURLPeekWindow = 128

// ParseJSON implements JSON parser: it scans the stream for
// string values holding embedded `data:<mime>;base64,<payload>` markers,
// streaming each payload's decoded bytes to its own temp file and splicing
// a {size,tag,tempFile,mime,encoding} object into the accumulator in the
// marker's place. At stream end the accumulator is parsed as JSON.
func ParseJSON(r io.Reader, opts Options) (interface{}, error) {
	acc, err := scanDataURLs(bufio.NewReader(r), opts)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(acc, &v); err != nil {
		return nil, apierr.BadRequest("malformed json body").WithDetail(err.Error())
	}
	return v, nil
}

type scanState struct {
	br       *bufio.Reader
	opts     Options
	read     int64
	inString bool
}

func scanDataURLs(br *bufio.Reader, opts Options) ([]byte, error) {
	s := &scanState{br: br, opts: opts}
	var acc bytes.Buffer

	for {
		b, err := s.readByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if !s.inString {
			acc.WriteByte(b)
			if b == '"' {
				s.inString = true
				consumed, err := s.maybeConsumeDataURL(&acc)
				if err != nil {
					return nil, err
				}
				if consumed {
					s.inString = false
				}
			}
			continue
		}

		// Inside an ordinary (non-data-URL) string.
		if b == '\\' {
			acc.WriteByte(b)
			nxt, err := s.readByte()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			acc.WriteByte(nxt)
			continue
		}
		if b == '"' {
			acc.WriteByte(b)
			s.inString = false
			continue
		}
		acc.WriteByte(b)
	}

	return acc.Bytes(), nil
}

func (s *scanState) readByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err != nil {
		return 0, err
	}
	s.read++
	if s.opts.RequestMax > 0 && s.read > s.opts.RequestMax {
		return 0, apierr.PayloadTooLarge("request body exceeds requestMax")
	}
	return b, nil
}

// maybeConsumeDataURL is called with the string's opening quote already
// written to acc. It peeks (without consuming) up to dataURLPeekWindow bytes
// looking for "data:...;base64,"; if found, it consumes the marker and
// streams the base64 payload to a temp file, replacing the whole string
// (quotes included) with a spliced-in JSON object. Returns false, nil when
// the string isn't a data URL, leaving the stream untouched for normal
// string scanning to resume.
func (s *scanState) maybeConsumeDataURL(acc *bytes.Buffer) (bool, error) {
	peeked, _ := s.br.Peek(dataURLPeekWindow)
	if !bytes.HasPrefix(peeked, []byte("data:")) {
		return false, nil
	}
	markerIdx := bytes.Index(peeked, []byte(base64Marker))
	if markerIdx < 0 {
		return false, nil
	}
	mimeType := string(peeked[len("data:"):markerIdx])
	prefixLen := markerIdx + len(base64Marker)

	if err := s.discard(prefixLen); err != nil {
		return false, err
	}

	tempFile, size, tag, err := s.streamBase64Payload()
	if err != nil {
		return false, err
	}

	// Drop the opening quote we already wrote for this string: the marker
	// is replaced by a JSON object, not a string value.
	acc.Truncate(acc.Len() - 1)

	ref := DataURLRef{Size: size, Tag: tag, TempFile: tempFile, Mime: mimeType, Encoding: "base64"}
	refBytes, err := json.Marshal(ref)
	if err != nil {
		return false, apierr.Internal("failed to encode data url reference").WithDetail(err.Error())
	}
	acc.Write(refBytes)
	return true, nil
}

func (s *scanState) discard(n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.readByte(); err != nil {
			return err
		}
	}
	return nil
}

// streamBase64Payload decodes base64 text up to (but not including) the
// next unescaped closing quote, writing decoded bytes to a fresh temp file
// in 4-char-aligned chunks as they arrive — "decoder alignment
// across chunks preserves multiples of 4 base64 chars" — and enforcing
// uploadMax on the decoded size.
func (s *scanState) streamBase64Payload() (tempFile string, size int64, tag string, err error) {
	name, err := newTempName()
	if err != nil {
		return "", 0, "", err
	}
	path := filepath.Join(s.opts.TempDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, "", err
	}
	defer f.Close()

	hasher := sha256.New()
	var pending bytes.Buffer
	var decoded int64
	overrun := false

	flush := func(final bool) error {
		chunk := pending.Bytes()
		n := len(chunk) - len(chunk)%4
		if final {
			n = len(chunk)
		}
		if n == 0 {
			return nil
		}
		out := make([]byte, base64.StdEncoding.DecodedLen(n))
		written, decErr := base64.StdEncoding.Decode(out, chunk[:n])
		if decErr != nil {
			return apierr.BadRequest("malformed base64 data url payload").WithDetail(decErr.Error())
		}
		decoded += int64(written)
		if s.opts.UploadMax > 0 && decoded > s.opts.UploadMax {
			overrun = true
			return nil
		}
		if _, werr := f.Write(out[:written]); werr != nil {
			return werr
		}
		hasher.Write(out[:written])
		rest := append([]byte{}, chunk[n:]...)
		pending.Reset()
		pending.Write(rest)
		return nil
	}

	for {
		b, rerr := s.readByte()
		if rerr == io.EOF {
			removeTempFile(path)
			return "", 0, "", apierr.BadRequest("unterminated data url payload")
		}
		if rerr != nil {
			removeTempFile(path)
			return "", 0, "", rerr
		}
		if b == '"' {
			if err := flush(true); err != nil {
				removeTempFile(path)
				return "", 0, "", err
			}
			break
		}
		pending.WriteByte(b)
		if pending.Len() >= 4096 {
			if err := flush(false); err != nil {
				removeTempFile(path)
				return "", 0, "", err
			}
		}
		if overrun {
			removeTempFile(path)
			return "", 0, "", apierr.PayloadTooLarge("embedded data url payload exceeds uploadMax")
		}
	}
	if overrun {
		removeTempFile(path)
		return "", 0, "", apierr.PayloadTooLarge("embedded data url payload exceeds uploadMax")
	}

	return path, decoded, hex.EncodeToString(hasher.Sum(nil)), nil
}
