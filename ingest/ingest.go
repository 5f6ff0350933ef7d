package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// DefaultChunkSize is how many rows a reader hands back per chunk unless told otherwise
const DefaultChunkSize = 1000

// sampleSize is how many rows of a file go into its FileStructure sample
const sampleSize = 5

// RowNumberKey is the synthetic column carrying the 1-based data row number
const RowNumberKey = "_row_number"

// ErrEmptyFile is returned for files with no rows at all
var ErrEmptyFile = errors.New("file has no rows")

// IngestError wraps whatever went wrong opening or reading a file with the path it
// happened on
type IngestError struct {
	Path  string
	Cause error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("error ingesting %s: %s", e.Path, e.Cause)
}

func (e *IngestError) Unwrap() error {
	return e.Cause
}

// Row is one record keyed by its column headers, plus the synthetic row number column
type Row map[string]string

// Number returns the 1-based data row number this row came from
func (r Row) Number() int {
	n, _ := strconv.Atoi(r[RowNumberKey])
	return n
}

// FileStructure describes what we detected about a file before streaming it: the
// format and encoding, headers, a small non-destructive sample and a row estimate
type FileStructure struct {
	Path               string     `json:"path"`
	Format             Format     `json:"format"`
	Encoding           string     `json:"encoding"`
	EncodingConfidence float64    `json:"encoding_confidence"`
	Delimiter          string     `json:"delimiter,omitempty"`
	Headers            []string   `json:"headers"`
	Sample             [][]string `json:"sample"`
	EstimatedRows      int        `json:"estimated_rows"`
	Warnings           []string   `json:"warnings,omitempty"`
}

// RowReader streams the data rows of an open file in chunks. The stream is finite and
// not restartable, callers reopen the file to read it again.
type RowReader struct {
	chunkSize int
	rowNum    int
	skipped   int
	done      bool

	read   func() (Row, error)
	closer io.Closer
}

// SetChunkSize overrides the default rows-per-chunk
func (r *RowReader) SetChunkSize(size int) {
	if size > 0 {
		r.chunkSize = size
	}
}

// ReadChunk returns the next chunk of rows, io.EOF once the stream is exhausted
func (r *RowReader) ReadChunk() ([]Row, error) {
	if r.done {
		return nil, io.EOF
	}

	rows := make([]Row, 0, r.chunkSize)
	for len(rows) < r.chunkSize {
		row, err := r.read()
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

// Skipped returns how many malformed rows were dropped so far
func (r *RowReader) Skipped() int {
	return r.skipped
}

// Close releases the underlying file
func (r *RowReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// OpenFile detects the structure of the file at path and opens a row stream over it.
// Returns an IngestError wrapping the original cause when the file can't be read.
func OpenFile(path string) (*FileStructure, *RowReader, error) {
	probe, size, err := readProbe(path)
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}

	switch detectFormat(path, probe) {
	case FormatXLSX:
		return openXLSX(path)
	case FormatXLS:
		return openXLS(path)
	case FormatJSON:
		return openJSON(path)
	case FormatJSONL:
		return openJSONL(path, probe, size)
	case FormatTSV:
		return openDelimited(path, FormatTSV, probe, size)
	case FormatTXT:
		return openDelimited(path, FormatTXT, probe, size)
	default:
		return openDelimited(path, FormatCSV, probe, size)
	}
}

// readProbe returns the first chunk of the file and its total size
func readProbe(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	probe := make([]byte, probeSize)
	n, err := io.ReadFull(f, probe)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, 0, err
	}
	return probe[:n], info.Size(), nil
}
