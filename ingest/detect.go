package ingest

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Format is a kind of input file we know how to read
type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatXLSX  Format = "xlsx"
	FormatXLS   Format = "xls"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatTXT   Format = "txt"
)

const (
	// how much of the file the content and encoding probes look at
	probeSize = 10 * 1024

	// delimiter scoring only looks at the first 1KB and first 20 non-empty lines
	delimiterProbeSize  = 1024
	delimiterProbeLines = 20

	// encoding guesses below this confidence get surfaced as a warning
	minEncodingConfidence = 0.7
)

var delimiterCandidates = []rune{',', '\t', ';', '|'}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var magicXLSX = []byte{0x50, 0x4B, 0x03, 0x04}
var magicXLS = []byte{0xD0, 0xCF, 0x11, 0xE0}

// detectFormat decides the file format from the extension, falling back to a content
// probe when the extension doesn't tell us
func detectFormat(path string, probe []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".tsv":
		return FormatTSV
	case ".xlsx":
		return FormatXLSX
	case ".xls":
		return FormatXLS
	case ".json":
		return FormatJSON
	case ".jsonl":
		return FormatJSONL
	}
	return probeFormat(probe)
}

// probeFormat sniffs a format from content alone: magic bytes for the spreadsheet
// formats, a leading bracket for JSON, delimiter frequency for everything else
func probeFormat(probe []byte) Format {
	if bytes.HasPrefix(probe, magicXLSX) {
		return FormatXLSX
	}
	if bytes.HasPrefix(probe, magicXLS) {
		return FormatXLS
	}

	trimmed := bytes.TrimLeft(probe, " \t\r\n")
	if len(trimmed) > 0 {
		if trimmed[0] == '[' {
			return FormatJSON
		}
		if trimmed[0] == '{' {
			// an object per line is JSONL, a single object is JSON
			if nl := bytes.IndexByte(trimmed, '\n'); nl > 0 && bytes.HasPrefix(bytes.TrimLeft(trimmed[nl:], " \t\r\n"), []byte("{")) {
				return FormatJSONL
			}
			return FormatJSON
		}
	}

	switch detectDelimiter(string(probe)) {
	case ',':
		return FormatCSV
	case '\t':
		return FormatTSV
	}
	return FormatTXT
}

// detectDelimiter scores each candidate by the per-line variance of its field counts,
// low variance winning and more fields breaking ties. A delimiter that never appears
// doesn't count.
func detectDelimiter(probe string) rune {
	if len(probe) > delimiterProbeSize {
		probe = probe[:delimiterProbeSize]
	}

	lines := make([]string, 0, delimiterProbeLines)
	for _, line := range strings.Split(probe, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
		if len(lines) == delimiterProbeLines {
			break
		}
	}
	if len(lines) == 0 {
		return ','
	}

	best := ','
	bestVariance := -1.0
	bestMean := 0.0

	for _, cand := range delimiterCandidates {
		mean := 0.0
		counts := make([]float64, len(lines))
		for i, line := range lines {
			counts[i] = float64(strings.Count(line, string(cand)))
			mean += counts[i]
		}
		mean /= float64(len(lines))
		if mean == 0 {
			continue
		}

		variance := 0.0
		for _, c := range counts {
			variance += (c - mean) * (c - mean)
		}
		variance /= float64(len(lines))

		if bestVariance < 0 || variance < bestVariance || (variance == bestVariance && mean > bestMean) {
			best = cand
			bestVariance = variance
			bestMean = mean
		}
	}
	return best
}

// detectEncoding names the encoding of the probe and returns the decoder to read the
// file with, nil meaning plain UTF-8. The fallback chain is utf-8, utf-8-sig, cp1252,
// latin-1, taking the first that decodes the probe without replacement characters.
// Confidence comes from the statistical detector and low confidence is the caller's
// cue to warn.
func detectEncoding(probe []byte) (string, float64, *encoding.Decoder) {
	confidence := 0.0
	if len(probe) > 0 {
		if best, err := chardet.NewTextDetector().DetectBest(probe); err == nil {
			confidence = float64(best.Confidence) / 100
		}
	}

	if bytes.HasPrefix(probe, utf8BOM) {
		return "utf-8-sig", confidence, unicode.UTF8BOM.NewDecoder()
	}
	if utf8.Valid(probe) {
		return "utf-8", confidence, nil
	}
	if decoded, err := charmap.Windows1252.NewDecoder().Bytes(probe); err == nil && !bytes.ContainsRune(decoded, utf8.RuneError) {
		return "cp1252", confidence, charmap.Windows1252.NewDecoder()
	}
	return "latin-1", confidence, charmap.ISO8859_1.NewDecoder()
}
