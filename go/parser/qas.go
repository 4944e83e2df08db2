package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

// qasAttributes maps analyst workbook columns 1..8 onto attribute
// names, in column order.
var qasAttributes = []string{
	"p2p_magnet_links",
	"links_to_torrents",
	"links_to_osp",
	"search_feature",
	"domain_down_or_parked",
	"has_rss_feed",
	"requires_login",
	"has_forum_or_comments",
}

// AnalystRecord is one workbook row: a domain and its annotations.
type AnalystRecord struct {
	Domain string
	Attrs  map[string]string
}

// Marshal encodes the record the way it is published: a one-entry
// object keyed by domain.
func (r AnalystRecord) Marshal() ([]byte, error) {
	return json.Marshal(map[string]map[string]string{r.Domain: r.Attrs})
}

// ReadAnalystWorkbook reads the analyst annotations from a workbook's
// second sheet. Data rows start at the second row; column 0 is the
// domain and the following eight columns are fixed attributes.
func ReadAnalystWorkbook(path string) ([]AnalystRecord, error) {
	var book, err = excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening analyst workbook %s: %w", path, err)
	}
	defer book.Close()

	var sheets = book.GetSheetList()
	if len(sheets) < 2 {
		return nil, fmt.Errorf("analyst workbook %s has no second sheet", path)
	}
	rows, err := book.GetRows(sheets[1])
	if err != nil {
		return nil, fmt.Errorf("reading analyst sheet %s: %w", sheets[1], err)
	}

	var records []AnalystRecord
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		var record = AnalystRecord{Domain: cell(row, 0), Attrs: map[string]string{}}
		for j, attr := range qasAttributes {
			record.Attrs[attr] = cell(row, j+1)
		}
		records = append(records, record)
	}
	return records, nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

// AnalystQAS is one published analyst record, possibly covering
// several domains.
type AnalystQAS struct {
	data map[string]interface{}
}

// ParseAnalystQAS decodes a published analyst record.
func ParseAnalystQAS(record []byte) (*AnalystQAS, error) {
	var q = &AnalystQAS{}

	var dec = json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	if err := dec.Decode(&q.data); err != nil {
		return nil, parseErr("AnalystQAS", "malformed JSON", err)
	}
	if len(q.data) == 0 {
		return nil, &Error{Family: "AnalystQAS", Reason: "no domains in record"}
	}
	return q, nil
}

// Domains lists the record's domains in stable order.
func (q *AnalystQAS) Domains() []string {
	var domains = make([]string, 0, len(q.data))
	for domain := range q.data {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// VertexPayloads projects each domain's annotations onto the
// analyst-qas collection. The domain shares its key with the apex
// vertex.
func (q *AnalystQAS) VertexPayloads() []Payload {
	var payloads []Payload
	for _, domain := range q.Domains() {
		payloads = append(payloads, Payload{Collection: "analyst-qas", Doc: map[string]interface{}{
			"_key": domain,
			"data": q.data[domain],
		}})
	}
	return payloads
}

// EdgePayloads projects the marked edge tying each domain to its
// annotations.
func (q *AnalystQAS) EdgePayloads() []Payload {
	var payloads []Payload
	for _, domain := range q.Domains() {
		payloads = append(payloads, Payload{Collection: "marked", Doc: map[string]interface{}{
			"_key":  domain,
			"_from": "domain/" + domain,
			"_to":   "analyst-qas/" + domain,
		}})
	}
	return payloads
}
