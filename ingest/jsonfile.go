package ingest

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// openJSON reads a file containing a single JSON array of objects. Arrays have no
// framing that allows streaming from disk, so the whole document is parsed up front.
func openJSON(path string) (*FileStructure, *RowReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}

	var objects [][]byte
	if _, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.Object {
			objects = append(objects, value)
		}
	}); err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}
	if len(objects) == 0 {
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}

	headers, err := jsonHeaders(objects[0])
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}

	structure := &FileStructure{
		Path:               path,
		Format:             FormatJSON,
		Encoding:           "utf-8",
		EncodingConfidence: 1,
		Headers:            headers,
		EstimatedRows:      len(objects),
	}
	for i := 0; i < sampleSize && i < len(objects); i++ {
		if row, err := parseObject(objects[i]); err == nil {
			structure.Sample = append(structure.Sample, projectRecord(row, headers))
		}
	}

	idx := 0
	reader := &RowReader{chunkSize: DefaultChunkSize}
	reader.read = func() (Row, error) {
		for idx < len(objects) {
			obj := objects[idx]
			idx++
			reader.rowNum++

			row, err := parseObject(obj)
			if err != nil {
				reader.skipped++
				slog.Warn("skipping unparseable row", "comp", "ingest", "path", path, "row", reader.rowNum, "error", err)
				continue
			}
			row[RowNumberKey] = strconv.Itoa(reader.rowNum)
			return row, nil
		}
		return nil, io.EOF
	}
	return structure, reader, nil
}

// openJSONL reads newline delimited JSON, one object per line. Unlike a JSON array
// this streams, so only the probe is parsed to describe the file.
func openJSONL(path string, probe []byte, size int64) (*FileStructure, *RowReader, error) {
	structure := &FileStructure{
		Path:               path,
		Format:             FormatJSONL,
		Encoding:           "utf-8",
		EncodingConfidence: 1,
	}

	// a probe that stops mid file likely ends mid line, drop the partial tail
	lines := probe
	if int64(len(probe)) < size {
		if i := bytes.LastIndexByte(lines, '\n'); i >= 0 {
			lines = lines[:i]
		}
	}

	probeLines := 0
	for _, line := range bytes.Split(lines, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		row, err := parseObject(line)
		if err != nil {
			continue
		}
		if structure.Headers == nil {
			if structure.Headers, err = jsonHeaders(line); err != nil {
				continue
			}
		}
		probeLines++
		if len(structure.Sample) < sampleSize {
			structure.Sample = append(structure.Sample, projectRecord(row, structure.Headers))
		}
	}
	if structure.Headers == nil {
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}

	if int64(len(probe)) >= size {
		structure.EstimatedRows = probeLines
	} else {
		bytesPerRow := float64(len(lines)) / float64(probeLines)
		structure.EstimatedRows = int(float64(size) / bytesPerRow)
		if structure.EstimatedRows < probeLines {
			structure.EstimatedRows = probeLines
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	reader := &RowReader{chunkSize: DefaultChunkSize, closer: f}
	reader.read = func() (Row, error) {
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			reader.rowNum++

			row, err := parseObject(line)
			if err != nil {
				reader.skipped++
				slog.Warn("skipping unparseable row", "comp", "ingest", "path", path, "row", reader.rowNum, "error", err)
				continue
			}
			row[RowNumberKey] = strconv.Itoa(reader.rowNum)
			return row, nil
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return structure, reader, nil
}

// parseObject flattens a JSON object into a row of string values
func parseObject(data []byte) (Row, error) {
	row := make(Row, 8)
	err := jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		row[strings.TrimSpace(string(key))] = strings.TrimSpace(jsonValue(value, dataType))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// jsonHeaders returns the keys of a JSON object in document order
func jsonHeaders(data []byte) ([]string, error) {
	var headers []string
	err := jsonparser.ObjectEach(data, func(key, _ []byte, _ jsonparser.ValueType, _ int) error {
		headers = append(headers, strings.TrimSpace(string(key)))
		return nil
	})
	return headers, err
}

// jsonValue renders a JSON scalar as the string a CSV cell would hold
func jsonValue(value []byte, dataType jsonparser.ValueType) string {
	switch dataType {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return string(value)
		}
		return s
	case jsonparser.Null:
		return ""
	default:
		return string(value)
	}
}

func projectRecord(row Row, headers []string) []string {
	record := make([]string, len(headers))
	for i, h := range headers {
		record[i] = row[h]
	}
	return record
}
