package extract

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/payment-proxy/internal/model"
)

// maxFallbackCells bounds the sequential scan used when a label cell has no
// usable row.
const maxFallbackCells = 4

// heuristicWindow is how many characters after an anchor a heuristic scans.
const heuristicWindow = 120

var (
	metaCharset   = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-zA-Z0-9_\-:.]+)`)
	currencyWords = regexp.MustCompile(`(?i)\b(?:birr|etb)\b|ብር`)
	currencyNum   = regexp.MustCompile(`(?i)([0-9][0-9,]*(?:\.[0-9]+)?)\s*(?:birr|etb|ብር)`)
	datePattern   = regexp.MustCompile(`\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}(?:\s+\d{1,2}:\d{2}(?::\d{2})?(?:\s*[AaPp][Mm])?)?`)
)

// heuristic fills one field from the flattened document text when the label
// pass left it unset.
type heuristic struct {
	field   string
	anchor  *regexp.Regexp
	value   *regexp.Regexp
	exclude string // skip anchors immediately followed by this word
}

var telcoHeuristics = []heuristic{
	{field: TelcoDate, anchor: regexp.MustCompile(`(?i)payment\s+date|የክፍያ\s+ቀን`), value: datePattern},
	{field: TelcoSettledAmount, anchor: regexp.MustCompile(`(?i)settled\s+amount|የተከፈለው\s+መጠን`), value: currencyNum},
	{field: TelcoServiceFeeVAT, anchor: regexp.MustCompile(`(?i)service\s+fee\s+vat`), value: currencyNum},
	{field: TelcoServiceFee, anchor: regexp.MustCompile(`(?i)service\s+fee`), value: currencyNum, exclude: "vat"},
	{field: TelcoTotalPaid, anchor: regexp.MustCompile(`(?i)total\s+paid`), value: currencyNum},
}

// TelcoParser extracts labeled fields from telco HTML receipts.
type TelcoParser struct {
	labels Labels
}

// NewTelcoParser creates a parser over the given label dictionary. A nil
// dictionary selects the defaults.
func NewTelcoParser(labels Labels) *TelcoParser {
	if labels == nil {
		labels = NewLabels(nil)
	}
	return &TelcoParser{labels: labels}
}

var defaultTelcoParser = NewTelcoParser(nil)

// ParseTelcoReceipt extracts fields from a telco HTML receipt with the default
// label dictionary. receiptNo backfills the receipt number when the document
// carries none.
func ParseTelcoReceipt(doc []byte, receiptNo string) (model.Fields, error) {
	return defaultTelcoParser.Parse(doc, receiptNo)
}

type cell struct {
	node *html.Node
	text string
}

// Parse walks every table cell of doc and maps labeled cells to values.
func (p *TelcoParser) Parse(doc []byte, receiptNo string) (model.Fields, error) {
	r, err := decodeCharset(doc)
	if err != nil {
		return nil, err
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}

	var cells []cell
	var flat strings.Builder
	walk(root, func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && (n.DataAtom == atom.Td || n.DataAtom == atom.Th):
			cells = append(cells, cell{node: n, text: cleanText(nodeText(n))})
		case n.Type == html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				flat.WriteString(t)
				flat.WriteByte(' ')
			}
		}
	})

	index := make(map[*html.Node]int, len(cells))
	for i, c := range cells {
		index[c.node] = i
	}

	fields := model.Fields{}
	for i, c := range cells {
		field, ok := p.labels.Match(c.text)
		if !ok {
			continue
		}
		if _, done := fields[field]; done {
			continue
		}
		v, ok := p.valueFor(cells, index, i)
		if !ok {
			continue
		}
		setTelcoField(fields, field, v)
	}

	applyHeuristics(fields, flat.String())

	if _, ok := fields[TelcoReceiptNo]; !ok && strings.TrimSpace(receiptNo) != "" {
		fields[TelcoReceiptNo] = strings.TrimSpace(receiptNo)
	}
	if name, ok := fields[TelcoReceiverName]; ok {
		fields[TelcoTo] = name
	}
	return fields, nil
}

// valueFor finds the value of the label cell at i: the next non-label sibling
// in the same row, then the cell in the same column of the next row, then the
// next few cells in document order.
func (p *TelcoParser) valueFor(cells []cell, index map[*html.Node]int, i int) (string, bool) {
	label := cells[i].node
	if row := label.Parent; row != nil && row.DataAtom == atom.Tr {
		for sib := label.NextSibling; sib != nil; sib = sib.NextSibling {
			j, ok := index[sib]
			if !ok {
				continue
			}
			if v, ok := p.valueCell(cells[j]); ok {
				return v, true
			}
		}
		if v, ok := p.columnBelow(cells, index, label, row); ok {
			return v, true
		}
	}

	for j := i + 1; j < len(cells) && j <= i+maxFallbackCells; j++ {
		if v, ok := p.valueCell(cells[j]); ok {
			return v, true
		}
	}
	return "", false
}

func (p *TelcoParser) valueCell(c cell) (string, bool) {
	if c.text == "" {
		return "", false
	}
	if _, isLabel := p.labels.Match(c.text); isLabel {
		return "", false
	}
	return c.text, true
}

func (p *TelcoParser) columnBelow(cells []cell, index map[*html.Node]int, label, row *html.Node) (string, bool) {
	col := 0
	for sib := row.FirstChild; sib != nil && sib != label; sib = sib.NextSibling {
		if _, ok := index[sib]; ok {
			col++
		}
	}
	next := row.NextSibling
	for next != nil && !(next.Type == html.ElementNode && next.DataAtom == atom.Tr) {
		next = next.NextSibling
	}
	if next == nil {
		return "", false
	}
	k := 0
	for sib := next.FirstChild; sib != nil; sib = sib.NextSibling {
		j, ok := index[sib]
		if !ok {
			continue
		}
		if k == col {
			return p.valueCell(cells[j])
		}
		k++
	}
	return "", false
}

func setTelcoField(fields model.Fields, field, v string) {
	if !amountFields[field] {
		fields[field] = v
		return
	}
	if f, ok := ParseAmount(currencyWords.ReplaceAllString(v, "")); ok {
		fields[field] = f
	}
}

func applyHeuristics(fields model.Fields, flat string) {
	for _, h := range telcoHeuristics {
		if _, ok := fields[h.field]; ok {
			continue
		}
		for _, loc := range h.anchor.FindAllStringIndex(flat, -1) {
			rest := flat[loc[1]:]
			if h.exclude != "" && strings.HasPrefix(strings.ToLower(strings.TrimSpace(rest)), h.exclude) {
				continue
			}
			if len(rest) > heuristicWindow {
				rest = rest[:heuristicWindow]
			}
			m := h.value.FindStringSubmatch(rest)
			if m == nil {
				continue
			}
			v := m[0]
			if len(m) > 1 {
				v = m[1]
			}
			setTelcoField(fields, h.field, v)
			break
		}
	}
}

// TelcoResult converts telco fields into an ExtractionResult.
func TelcoResult(fields model.Fields) *model.ExtractionResult {
	res := &model.ExtractionResult{Extra: model.Fields{}}
	for k, v := range fields {
		res.Extra[k] = v
	}
	str := func(key string) *string {
		if s, ok := fields[key].(string); ok && s != "" {
			return model.StrPtr(s)
		}
		return nil
	}
	res.Payer = str(TelcoPayerName)
	res.Receiver = str(TelcoReceiverName)
	res.ReceiverAccount = str(TelcoReceiverAccount)
	res.Date = str(TelcoDate)
	res.Reason = str(TelcoPaymentReason)
	if ref := str(TelcoReceiptNo); ref != nil {
		res.Reference = model.StrPtr(strings.ToUpper(*ref))
	}
	for _, key := range []string{TelcoSettledAmount, TelcoTotalPaid} {
		if f, ok := fields[key].(float64); ok {
			res.Amount = model.FloatPtr(f)
			break
		}
	}
	return res
}

func decodeCharset(doc []byte) (io.Reader, error) {
	head := doc
	if len(head) > 1024 {
		head = head[:1024]
	}
	m := metaCharset.FindSubmatch(head)
	if m == nil {
		return bytes.NewReader(doc), nil
	}
	enc, err := htmlindex.Get(string(m[1]))
	if err != nil {
		return nil, eris.Wrapf(err, "extract: unsupported charset %q", m[1])
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return bytes.NewReader(doc), nil
	}
	return enc.NewDecoder().Reader(bytes.NewReader(doc)), nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return b.String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
