package ingest

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/heraldhq/herald"
)

// Field is a canonical recipient field that source columns are mapped onto.
type Field string

const (
	FieldName    Field = "name"
	FieldEmail   Field = "email"
	FieldPhone   Field = "phone"
	FieldCompany Field = "company"
)

// MappingStrategy says which layer produced a column binding.
type MappingStrategy string

const (
	StrategyExact       MappingStrategy = "exact"
	StrategyTemplate    MappingStrategy = "template"
	StrategyPattern     MappingStrategy = "pattern"
	StrategyDataPattern MappingStrategy = "data_pattern"
	StrategyFuzzy       MappingStrategy = "fuzzy"
)

// mappingFields is the order fields claim columns in when confidences tie
var mappingFields = []Field{FieldEmail, FieldPhone, FieldName, FieldCompany}

// fieldWeights is how much each field counts for in the overall mapping confidence
var fieldWeights = map[Field]float64{FieldEmail: 0.4, FieldPhone: 0.3, FieldName: 0.2, FieldCompany: 0.1}

const (
	dataPosRatio       = 0.6 // more than this fraction of sample values must match the positive pattern
	dataNegRatio       = 0.3 // less than this fraction may match the negative pattern
	fuzzyMinSimilarity = 0.7
)

// header synonyms per field, stored in normalized form
var fieldSynonyms = map[Field][]string{
	FieldEmail:   {"email", "email_address", "e_mail", "emailaddress", "mail", "subscriber_email", "correo", "correo_electronico", "courriel"},
	FieldPhone:   {"phone", "phone_number", "phonenumber", "mobile", "mobile_number", "cell", "cellphone", "telephone", "tel", "whatsapp", "whatsapp_number", "telefono", "telefone", "celular", "movil", "handy"},
	FieldName:    {"name", "full_name", "fullname", "contact", "contact_name", "customer", "customer_name", "recipient", "recipient_name", "nombre", "nombre_completo", "nome", "nom"},
	FieldCompany: {"company", "company_name", "companyname", "organization", "organisation", "org", "business", "employer", "empresa", "entreprise", "firma", "societe"},
}

type headerPattern struct {
	field      Field
	regex      *regexp.Regexp
	confidence float64
}

// headerPatterns match against normalized headers, more specific patterns score higher
var headerPatterns = []headerPattern{
	{FieldEmail, regexp.MustCompile(`e_?mail`), 0.9},
	{FieldEmail, regexp.MustCompile(`correo|courriel`), 0.85},
	{FieldPhone, regexp.MustCompile(`whats_?app`), 0.9},
	{FieldPhone, regexp.MustCompile(`phone|mobile|cell|tele?fon`), 0.85},
	{FieldPhone, regexp.MustCompile(`(^|_)tel($|_)`), 0.8},
	{FieldCompany, regexp.MustCompile(`compan|organi[sz]|business|empresa`), 0.85},
	{FieldName, regexp.MustCompile(`(^|_)(contact|recipient|customer)($|_)`), 0.8},
	{FieldName, regexp.MustCompile(`(^|_)name($|_)`), 0.8},
}

type dataPattern struct {
	field Field
	pos   *regexp.Regexp
	neg   *regexp.Regexp
}

// dataPatterns recognize fields by what the sample values look like when the header
// text gives nothing away
var dataPatterns = []dataPattern{
	{FieldEmail, regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`), regexp.MustCompile(`^[0-9.,]+$`)},
	{FieldPhone, regexp.MustCompile(`^\+?[0-9 ().-]{7,20}$`), regexp.MustCompile(`[A-Za-z]{3,}`)},
	{FieldName, regexp.MustCompile(`^\pL[\pL .'-]+$`), regexp.MustCompile(`[@0-9]`)},
}

var headerSepRegex = regexp.MustCompile(`[\s-]+`)

// normalizeHeader lowers a header and collapses spaces and dashes to underscores so
// "E-Mail Address" and "email_address" compare equal.
func normalizeHeader(header string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	h = headerSepRegex.ReplaceAllString(h, "_")
	return strings.Trim(h, "_")
}

// ColumnBinding records which source column a recipient field is read from and how
// confident we are in that choice.
type ColumnBinding struct {
	Field      Field           `json:"field"`
	Column     string          `json:"column"`
	Index      int             `json:"index"`
	Strategy   MappingStrategy `json:"strategy"`
	Confidence float64         `json:"confidence"`
}

// FieldBinding is the complete column mapping for one source file.
type FieldBinding struct {
	Bindings   map[Field]*ColumnBinding `json:"bindings"`
	Confidence float64                  `json:"confidence"`
	Missing    []Field                  `json:"missing,omitempty"`
}

type candidate struct {
	field      Field
	index      int
	confidence float64
	strategy   MappingStrategy
}

// MapColumns works out which source column feeds each recipient field. Strategies are
// layered by trust: exact synonym matches, then bindings learned from prior imports,
// then header patterns, then data patterns on the sample, then fuzzy similarity. A
// column bound by an earlier layer is out of the pool for later ones.
func MapColumns(headers []string, sample [][]string, required []Field, store *TemplateStore) *FieldBinding {
	binding := &FieldBinding{Bindings: make(map[Field]*ColumnBinding)}
	bound := make(map[int]bool)

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	// 1. exact synonym matches
	var candidates []candidate
	for _, field := range mappingFields {
		for i, h := range normalized {
			if h == "" {
				continue
			}
			for _, syn := range fieldSynonyms[field] {
				if h == syn {
					candidates = append(candidates, candidate{field, i, 1, StrategyExact})
					break
				}
			}
		}
	}
	assign(binding, bound, candidates, headers)

	// 2. bindings learned from previous imports
	if store != nil {
		if tpl, score := store.Match(headers); tpl != nil {
			candidates = candidates[:0]
			for _, field := range mappingFields {
				column, found := tpl.Columns[field]
				if !found {
					continue
				}
				want := normalizeHeader(column)
				for i, h := range normalized {
					if h == want {
						candidates = append(candidates, candidate{field, i, score, StrategyTemplate})
						break
					}
				}
			}
			assign(binding, bound, candidates, headers)
		}
	}

	// 3. patterns on the header text
	candidates = candidates[:0]
	for _, p := range headerPatterns {
		for i, h := range normalized {
			if h != "" && p.regex.MatchString(h) {
				candidates = append(candidates, candidate{p.field, i, p.confidence, StrategyPattern})
			}
		}
	}
	assign(binding, bound, candidates, headers)

	// 4. patterns on the sample data
	candidates = candidates[:0]
	for _, dp := range dataPatterns {
		if binding.Bindings[dp.field] != nil {
			continue
		}
		for i := range headers {
			if bound[i] {
				continue
			}
			pos, neg, n := sampleRatios(sample, i, dp)
			if n > 0 && pos > dataPosRatio && neg < dataNegRatio {
				confidence := pos
				if confidence > 0.85 {
					confidence = 0.85
				}
				candidates = append(candidates, candidate{dp.field, i, confidence, StrategyDataPattern})
			}
		}
	}
	assign(binding, bound, candidates, headers)

	// 5. fuzzy similarity to the synonym lists, catches typos and accents
	candidates = candidates[:0]
	for _, field := range mappingFields {
		if binding.Bindings[field] != nil {
			continue
		}
		for i, h := range normalized {
			if h == "" || bound[i] {
				continue
			}
			best := 0.0
			for _, syn := range fieldSynonyms[field] {
				if s := similarity(h, syn); s > best {
					best = s
				}
			}
			if best >= fuzzyMinSimilarity {
				candidates = append(candidates, candidate{field, i, best * 0.9, StrategyFuzzy})
			}
		}
	}
	assign(binding, bound, candidates, headers)

	for _, field := range required {
		if binding.Bindings[field] == nil {
			binding.Missing = append(binding.Missing, field)
		}
	}

	// overall confidence is a field weighted mean discounted by missing required fields
	var confSum, weightSum float64
	for field, b := range binding.Bindings {
		confSum += fieldWeights[field] * b.Confidence
		weightSum += fieldWeights[field]
	}
	if weightSum > 0 {
		binding.Confidence = confSum / weightSum
	}
	if len(required) > 0 {
		binding.Confidence *= float64(len(required)-len(binding.Missing)) / float64(len(required))
	}
	return binding
}

// assign binds the strongest candidates first, each field and each column at most once
func assign(binding *FieldBinding, bound map[int]bool, candidates []candidate, headers []string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		if candidates[i].field != candidates[j].field {
			return fieldOrder(candidates[i].field) < fieldOrder(candidates[j].field)
		}
		return candidates[i].index < candidates[j].index
	})
	for _, c := range candidates {
		if binding.Bindings[c.field] != nil || bound[c.index] {
			continue
		}
		binding.Bindings[c.field] = &ColumnBinding{
			Field:      c.field,
			Column:     headers[c.index],
			Index:      c.index,
			Strategy:   c.strategy,
			Confidence: c.confidence,
		}
		bound[c.index] = true
	}
}

func fieldOrder(f Field) int {
	for i, field := range mappingFields {
		if field == f {
			return i
		}
	}
	return len(mappingFields)
}

// sampleRatios returns what fraction of the column's non-empty sample values match the
// positive and negative patterns
func sampleRatios(sample [][]string, col int, dp dataPattern) (float64, float64, int) {
	pos, neg, n := 0, 0, 0
	for _, record := range sample {
		if col >= len(record) {
			continue
		}
		v := strings.TrimSpace(record[col])
		if v == "" {
			continue
		}
		n++
		if dp.pos.MatchString(v) {
			pos++
		}
		if dp.neg.MatchString(v) {
			neg++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return float64(pos) / float64(n), float64(neg) / float64(n), n
}

// similarity is a normalized edit distance, 1 for identical strings
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Apply builds a recipient from a row using the bound columns. Unbound columns are kept
// as extra variables under their normalized header names so templates can reference
// them the same way across differently formatted files.
func (fb *FieldBinding) Apply(row Row) *herald.Recipient {
	rec := &herald.Recipient{}

	boundCols := make(map[string]bool, len(fb.Bindings))
	for field, b := range fb.Bindings {
		boundCols[b.Column] = true
		switch field {
		case FieldName:
			rec.Name = row[b.Column]
		case FieldEmail:
			rec.Email = row[b.Column]
		case FieldPhone:
			rec.Phone = row[b.Column]
		case FieldCompany:
			rec.Company = row[b.Column]
		}
	}

	if num, found := row[RowNumberKey]; found {
		rec.RowNumber, _ = strconv.Atoi(num)
	}

	for col, v := range row {
		if col == RowNumberKey || boundCols[col] || v == "" {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[normalizeHeader(col)] = v
	}
	return rec
}
