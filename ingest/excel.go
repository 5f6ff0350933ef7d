package ingest

import (
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// openXLSX streams rows out of a modern Excel file. The row iterator is forward-only
// so sampled rows are buffered and replayed into the stream.
func openXLSX(path string) (*FileStructure, *RowReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}
	sheet := sheets[0]

	iter, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, nil, &IngestError{Path: path, Cause: err}
	}
	if !iter.Next() {
		iter.Close()
		f.Close()
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}
	headers, err := iter.Columns()
	if err != nil {
		iter.Close()
		f.Close()
		return nil, nil, &IngestError{Path: path, Cause: err}
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	structure := &FileStructure{
		Path:               path,
		Format:             FormatXLSX,
		Encoding:           "utf-8",
		EncodingConfidence: 1,
		Headers:            headers,
	}

	// sample rows get buffered so the stream still delivers them
	buffered := make([][]string, 0, sampleSize)
	for len(buffered) < sampleSize && iter.Next() {
		record, err := iter.Columns()
		if err != nil {
			continue
		}
		buffered = append(buffered, record)
		structure.Sample = append(structure.Sample, record)
	}

	if dimension, err := f.GetSheetDimension(sheet); err == nil {
		structure.EstimatedRows = dimensionRows(dimension)
	}
	if structure.EstimatedRows < len(buffered) {
		structure.EstimatedRows = len(buffered)
	}

	reader := &RowReader{chunkSize: DefaultChunkSize}
	reader.closer = closerFunc(func() error {
		iter.Close()
		return f.Close()
	})
	reader.read = func() (Row, error) {
		var record []string
		if len(buffered) > 0 {
			record, buffered = buffered[0], buffered[1:]
		} else {
			if !iter.Next() {
				return nil, io.EOF
			}
			var err error
			record, err = iter.Columns()
			if err != nil {
				reader.rowNum++
				reader.skipped++
				slog.Warn("skipping unparseable row", "comp", "ingest", "path", path, "row", reader.rowNum, "error", err)
				return reader.read()
			}
		}
		reader.rowNum++
		return makeRow(headers, record, reader.rowNum), nil
	}
	return structure, reader, nil
}

// dimensionRows pulls the data row count out of a sheet dimension like "A1:D51"
func dimensionRows(dimension string) int {
	parts := strings.Split(dimension, ":")
	last := parts[len(parts)-1]
	digits := strings.TrimLeftFunc(last, func(r rune) bool { return r < '0' || r > '9' })
	rows, _ := strconv.Atoi(digits)
	if rows > 0 {
		rows--
	}
	return rows
}

// openXLS reads a legacy Excel file. The format parses fully into memory so the row
// count is exact, the reader just walks the parsed rows.
func openXLS(path string) (*FileStructure, *RowReader, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, nil, &IngestError{Path: path, Cause: err}
	}

	sheet := wb.GetSheet(0)
	if sheet == nil || (sheet.MaxRow == 0 && rowEmpty(xlsRecord(sheet, 0))) {
		return nil, nil, &IngestError{Path: path, Cause: ErrEmptyFile}
	}

	headers := xlsRecord(sheet, 0)
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	records := make([][]string, 0, int(sheet.MaxRow))
	for i := 1; i <= int(sheet.MaxRow); i++ {
		record := xlsRecord(sheet, i)
		if !rowEmpty(record) {
			records = append(records, record)
		}
	}

	structure := &FileStructure{
		Path:               path,
		Format:             FormatXLS,
		Encoding:           "utf-8",
		EncodingConfidence: 1,
		Headers:            headers,
		EstimatedRows:      len(records),
	}
	for i := 0; i < sampleSize && i < len(records); i++ {
		structure.Sample = append(structure.Sample, records[i])
	}

	reader := &RowReader{chunkSize: DefaultChunkSize}
	reader.read = func() (Row, error) {
		if reader.rowNum >= len(records) {
			return nil, io.EOF
		}
		record := records[reader.rowNum]
		reader.rowNum++
		return makeRow(headers, record, reader.rowNum), nil
	}
	return structure, reader, nil
}

func xlsRecord(sheet *xls.WorkSheet, i int) []string {
	row := sheet.Row(i)
	if row == nil {
		return nil
	}
	record := make([]string, row.LastCol())
	for j := row.FirstCol(); j < row.LastCol(); j++ {
		record[j] = row.Col(j)
	}
	return record
}

func rowEmpty(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
