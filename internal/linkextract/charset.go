package linkextract

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// DecodeBody returns body as UTF-8 text. If body is already valid UTF-8 it
// is returned unchanged. Otherwise, the declared contentType charset (if
// any) drives the transcode; failing that, chardet's statistical detector
// picks a best-effort encoding. A body that cannot be decoded by any of
// these routes is a decode error per spec §7, recovered by falling back to
// a lossy UTF-8 replacement rather than dropping the page.
func DecodeBody(body []byte, contentType string) ([]byte, error) {
	if utf8.Valid(body) {
		return body, nil
	}

	if _, params, err := mime.ParseMediaType(contentType); err == nil && params["charset"] != "" {
		if reader, err := charset.NewReader(bytes.NewReader(body), contentType); err == nil {
			if decoded, readErr := io.ReadAll(reader); readErr == nil {
				return decoded, nil
			}
		}
	}

	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(body)
	if err != nil {
		return toValidUTF8(body), fmt.Errorf("decode body: %w", err)
	}

	if reader, err := charset.NewReaderLabel(result.Charset, bytes.NewReader(body)); err == nil {
		if decoded, readErr := io.ReadAll(reader); readErr == nil {
			return decoded, nil
		}
	}

	return toValidUTF8(body), fmt.Errorf("decode body: no usable encoding for detected charset %q", result.Charset)
}

// toValidUTF8 recovers a best-effort UTF-8 string from bytes that could not
// be transcoded, replacing invalid sequences rather than discarding the body.
func toValidUTF8(body []byte) []byte {
	if utf8.Valid(body) {
		return body
	}
	return bytes.ToValidUTF8(body, []byte("�"))
}
