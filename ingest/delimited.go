package ingest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// openDelimited opens csv, tsv and generic text files. The probe decides encoding and
// delimiter, the sample comes from the probe so the stream stays untouched.
func openDelimited(path string, format Format, probe []byte, size int64) (*FileStructure, *RowReader, error) {
	encName, confidence, decoder := detectEncoding(probe)

	decodedProbe := string(probe)
	if decoder != nil {
		if d, err := decoder.Bytes(probe); err == nil {
			decodedProbe = string(d)
		}
	}

	// a probe that cut the file short likely ends mid row, drop the partial line
	if int64(len(probe)) < size {
		if idx := strings.LastIndexByte(decodedProbe, '\n'); idx > 0 {
			decodedProbe = decodedProbe[:idx]
		}
	}

	delimiter := detectDelimiter(decodedProbe)
	if format == FormatTSV {
		delimiter = '\t'
	}

	structure := &FileStructure{
		Path:               path,
		Format:             format,
		Encoding:           encName,
		EncodingConfidence: confidence,
		Delimiter:          string(delimiter),
	}
	if confidence < minEncodingConfidence {
		structure.Warnings = append(structure.Warnings, fmt.Sprintf("encoding %s detected with low confidence %.2f", encName, confidence))
	}

	// parse the probe for headers and the sample
	probeCSV := newCSVReader(strings.NewReader(decodedProbe), delimiter)
	headers, err := probeCSV.Read()
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	structure.Headers = headers

	probeRows := 0
	for {
		record, err := probeCSV.Read()
		if err != nil {
			break
		}
		probeRows++
		if len(structure.Sample) < sampleSize {
			structure.Sample = append(structure.Sample, record)
		}
	}
	if int64(len(probe)) >= size {
		structure.EstimatedRows = probeRows
	} else {
		structure.EstimatedRows = estimateRows(len(decodedProbe), size, probeRows)
	}

	// open a fresh handle for the stream and skip the header row
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}

	var src io.Reader = bufio.NewReaderSize(f, 64*1024)
	if decoder != nil {
		src = transform.NewReader(src, resetDecoder(decoder))
	}
	streamCSV := newCSVReader(src, delimiter)
	if _, err := streamCSV.Read(); err != nil {
		f.Close()
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}

	reader := &RowReader{chunkSize: DefaultChunkSize, closer: f}
	reader.read = func() (Row, error) {
		for {
			record, err := streamCSV.Read()
			if err == io.EOF {
				return nil, io.EOF
			}
			reader.rowNum++
			if err != nil {
				reader.skipped++
				slog.Warn("skipping unparseable row", "comp", "ingest", "path", path, "row", reader.rowNum, "error", err)
				continue
			}
			return makeRow(headers, record, reader.rowNum), nil
		}
	}
	return structure, reader, nil
}

func newCSVReader(src io.Reader, delimiter rune) *csv.Reader {
	r := csv.NewReader(src)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return r
}

// resetDecoder returns a fresh decoder of the same encoding, the probe pass may have
// left the original mid-state
func resetDecoder(dec *encoding.Decoder) *encoding.Decoder {
	dec.Reset()
	return dec
}

// makeRow maps a record onto its headers, naming spill-over columns column_N and
// attaching the row number
func makeRow(headers []string, record []string, rowNum int) Row {
	row := make(Row, len(record)+1)
	for i, value := range record {
		key := ""
		if i < len(headers) {
			key = headers[i]
		}
		if key == "" {
			key = fmt.Sprintf("column_%d", i+1)
		}
		row[key] = strings.TrimSpace(value)
	}
	row[RowNumberKey] = strconv.Itoa(rowNum)
	return row
}

// estimateRows extrapolates a data row count from how many rows the probe held
func estimateRows(probeLen int, size int64, probeRows int) int {
	if probeLen == 0 || probeRows == 0 {
		return 0
	}
	bytesPerRow := float64(probeLen) / float64(probeRows+1)
	estimated := int(float64(size)/bytesPerRow) - 1
	if estimated < probeRows {
		estimated = probeRows
	}
	return estimated
}
