package network

import (
	"bytes"
	"fmt"
	"mime/multipart"
)

// BuildJSONLUploadBody constructs a multipart/form-data body uploading a JSONL
// file under fieldName (OpenAI-style APIs call it "file"), plus any additional
// plain string fields (e.g. "purpose": "batch"). Returns the body and the
// content type header value carrying the boundary.
func BuildJSONLUploadBody(fieldName, filename string, jsonl []byte, extraFields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for name, val := range extraFields {
		if err := writer.WriteField(name, val); err != nil {
			return nil, "", fmt.Errorf("network: write field %q: %w", name, err)
		}
	}

	fw, err := writer.CreateFormFile(fieldName, filename)
	if err != nil {
		return nil, "", fmt.Errorf("network: create form file: %w", err)
	}
	if _, err := fw.Write(jsonl); err != nil {
		return nil, "", fmt.Errorf("network: write form file: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("network: close multipart writer: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// JoinJSONLLines concatenates already-encoded JSONL lines with newline
// separators, the shape every file-based batch upload expects on the wire.
func JoinJSONLLines(lines [][]byte) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// SplitJSONLLines splits a downloaded JSONL results file into individual
// lines, dropping trailing blank lines.
func SplitJSONLLines(body []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range body {
		if b == '\n' {
			if i > start {
				lines = append(lines, body[start:i])
			}
			start = i + 1
		}
	}
	if start < len(body) {
		lines = append(lines, body[start:])
	}
	return lines
}
