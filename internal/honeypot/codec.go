package honeypot

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// EncodeCSV writes header followed by rows.
func EncodeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// EncodeCSVGZ returns the gzipped CSV of rows under the fixed Header.
func EncodeCSVGZ(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := EncodeCSV(gz, Header, rows); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCSV reads a CSV with a header row. Records may be ragged.
// An empty input yields a nil header and no rows.
func DecodeCSV(r io.Reader) ([]string, [][]string, error) {
	rdr := csv.NewReader(r)
	rdr.FieldsPerRecord = -1
	hdr, err := rdr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var rows [][]string
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, rec)
	}
	return hdr, rows, nil
}

// DecodeCSVGZ is DecodeCSV over a gzip stream.
func DecodeCSVGZ(r io.Reader) ([]string, [][]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("gzip open: %w", err)
	}
	defer gz.Close()
	return DecodeCSV(gz)
}
