// Package reporter renders one-hop domain traversals into the
// wide-column CSV rows consumed by downstream analytics loads.
package reporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/countries"
)

type graphDoc = map[string]interface{}

type graphPath struct {
	Edges    []graphDoc `json:"edges"`
	Vertices []graphDoc `json:"vertices"`
}

// Reporter walks one decoded domain traversal. The seed domain vertex
// is always the first vertex of the snapshot.
type Reporter struct {
	vertices []graphDoc
	paths    []graphPath
}

// New decodes a traversal snapshot. Numbers are kept as json.Number so
// ranks and metrics render exactly as stored.
func New(record []byte) (*Reporter, error) {
	var snapshot struct {
		Vertices []graphDoc  `json:"vertices"`
		Paths    []graphPath `json:"paths"`
	}
	var decoder = json.NewDecoder(bytes.NewReader(record))
	decoder.UseNumber()
	if err := decoder.Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decoding traversal: %w", err)
	}
	return &Reporter{vertices: snapshot.Vertices, paths: snapshot.Paths}, nil
}

// WideColumnLines renders a traversal snapshot into its CSV rows.
func WideColumnLines(record []byte) ([]string, error) {
	var reporter, err = New(record)
	if err != nil {
		return nil, err
	}
	return reporter.Lines()
}

// Lines dumps the traversal as wide-column CSV rows: one row per
// country rank, linking site, resolved address and traffic day, all
// sharing the domain, trend and analyst columns. A domain with no
// ancillary data still yields its base row.
func (r *Reporter) Lines() ([]string, error) {
	var traffic, err = r.trafficEntries()
	if err != nil {
		return nil, err
	}
	var trafficRows = make([]TrafficRow, 0, len(traffic))
	for _, entry := range traffic {
		trafficRows = append(trafficRows, entry.row)
	}

	var base = r.domainColumns()
	log.WithField("domain", base["DOMAIN"]).Info("reporting on domain")

	base["MNTH_1_VISITS_DT"] = formatTrend(TrafficTrend(trafficRows, 0, TrendPageViews, true))
	base["MNTH_1_VISITS_UT"] = formatTrend(TrafficTrend(trafficRows, 0, TrendPageViews, false))
	base["MNTH_3_VISITS_DT"] = formatTrend(TrafficTrend(trafficRows, 2, TrendPageViews, true))
	base["MNTH_3_VISITS_UT"] = formatTrend(TrafficTrend(trafficRows, 2, TrendPageViews, false))
	base["MNTH_1_RANK_DT"] = formatTrend(TrafficTrend(trafficRows, 0, TrendRank, true))
	base["MNTH_1_RANK_UT"] = formatTrend(TrafficTrend(trafficRows, 0, TrendRank, false))
	base["MNTH_3_RANK_DT"] = formatTrend(TrafficTrend(trafficRows, 2, TrendRank, true))
	base["MNTH_3_RANK_UT"] = formatTrend(TrafficTrend(trafficRows, 2, TrendRank, false))

	for key, value := range r.analystQAS() {
		base[key] = value
	}

	var lines []string
	var emit = func(section map[string]string) {
		var merged = make(map[string]string, len(base)+len(section))
		for key, value := range base {
			merged[key] = value
		}
		for key, value := range section {
			merged[key] = value
		}
		lines = append(lines, line(merged))
	}

	for _, section := range r.countryRanks() {
		emit(section)
	}
	for _, section := range r.sitesLinkingIn() {
		emit(section)
	}
	for _, section := range r.geodns() {
		emit(section)
	}
	for _, entry := range traffic {
		emit(entry.columns)
	}

	if len(lines) == 0 {
		lines = append(lines, line(base))
	}
	return lines, nil
}

var domainKeys = []string{
	"_key",
	"title",
	"online_since",
	"median_load_time",
	"speed_percentile",
	"adult_content",
	"links_in_count",
	"locale",
	"encoding",
	"description",
	"rank",
}

func (r *Reporter) domainColumns() map[string]string {
	var doc graphDoc
	if len(r.vertices) > 0 {
		doc = r.vertices[0]
	}

	var columns = make(map[string]string, len(domainKeys))
	for _, key := range domainKeys {
		var name = strings.ToUpper(key)
		if key == "_key" {
			name = "DOMAIN"
		}
		var value = render(doc[key])
		// Free-text fields carry commas and quotes, so they ship
		// CSV-quoted with embedded quotes doubled.
		if (key == "title" || key == "description") && doc[key] != nil {
			value = `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
		}
		columns[name] = value
	}
	return columns
}

func (r *Reporter) countryRanks() []map[string]string {
	var ranks []map[string]string
	for _, path := range r.paths {
		for _, edge := range path.Edges {
			if !strings.Contains(render(edge["_id"]), "ranked") {
				continue
			}
			var to = render(edge["_to"])
			var code = to[strings.LastIndex(to, "/")+1:]
			var rank = render(edge["label"])
			if rank == "0" {
				rank = ""
			}
			ranks = append(ranks, map[string]string{
				"COUNTRY_CODE": code,
				"COUNTRY_NAME": countries.Name(code),
				"COUNTRY_RANK": rank,
			})
		}
	}
	return ranks
}

func (r *Reporter) sitesLinkingIn() []map[string]string {
	var sites []map[string]string
	for _, path := range r.paths {
		if len(path.Edges) == 0 || !strings.Contains(render(path.Edges[0]["_id"]), "links_into") {
			continue
		}
		var url = `"` + strings.ReplaceAll(render(path.Edges[0]["label"]), `"`, `""`) + `"`
		for _, vertex := range path.Vertices {
			if linking := render(vertex["domain_linkingin"]); linking != "" {
				sites = append(sites, map[string]string{
					"URL_LINKINGIN":    url,
					"DOMAIN_LINKINGIN": linking,
				})
				break
			}
		}
	}
	return sites
}

// geodns reports resolved IPv4 addresses. IPv6 resolution is not
// wired through the graph, so the IPV6 columns stay blank.
func (r *Reporter) geodns() []map[string]string {
	var rows []map[string]string
	for _, path := range r.paths {
		if len(path.Edges) == 0 || !strings.Contains(render(path.Edges[0]["_id"]), "ipv4_resolves") {
			continue
		}
		for _, vertex := range path.Vertices {
			if vertex == nil || !strings.HasPrefix(render(vertex["_id"]), "ipv4/") {
				continue
			}

			var org = render(nested(vertex, "organisation")["name"])
			var isp = render(nested(vertex, "isp")["name"])
			if org != "" {
				org = `"` + org + `"`
			}
			if isp != "" {
				isp = `"` + isp + `"`
			}

			var geospatial = nested(vertex, "geospatial")
			var country = nested(vertex, "country")
			var continent = nested(vertex, "continent")
			rows = append(rows, map[string]string{
				"IPV4_ADDR":           render(vertex["_key"]),
				"IPV4_ORG":            org,
				"IPV4_ISP":            isp,
				"IPV4_LATITUDE":       render(geospatial["latitude"]),
				"IPV4_LONGITUDE":      render(geospatial["longitude"]),
				"IPV4_COUNTRY_CODE":   render(country["iso3166_code_2"]),
				"IPV4_COUNTRY":        render(country["name"]),
				"IPV4_CONTINENT_CODE": render(continent["code"]),
				"IPV4_CONTINENT":      render(continent["name"]),
			})
		}
	}
	return rows
}

type trafficEntry struct {
	row     TrafficRow
	columns map[string]string
}

func (r *Reporter) trafficEntries() ([]trafficEntry, error) {
	var entries []trafficEntry
	for _, path := range r.paths {
		if len(path.Edges) == 0 || !strings.HasPrefix(render(path.Edges[0]["_id"]), "visit/") {
			continue
		}
		for _, vertex := range path.Vertices {
			if !strings.HasPrefix(render(vertex["_id"]), "traffic/") {
				continue
			}

			var history = nested(nested(nested(vertex, "data"), "TrafficHistory"), "HistoricalData")
			var days []interface{}
			switch data := history["Data"].(type) {
			case []interface{}:
				days = data
			case map[string]interface{}:
				// Single-day responses decode as one object.
				days = []interface{}{data}
			}

			for _, item := range days {
				var day, ok = item.(map[string]interface{})
				if !ok {
					continue
				}
				var date = render(nested(day, "Date")["$"])
				var parsed, err = time.Parse("2006-01-02", date)
				if err != nil {
					return nil, fmt.Errorf("parsing traffic date %q: %w", date, err)
				}

				var pageViews = nested(day, "PageViews")
				var perMillion = nested(pageViews, "PerMillion")["$"]
				var perUser = nested(pageViews, "PerUser")["$"]
				var rank = nested(day, "Rank")["$"]
				var reach = nested(nested(day, "Reach"), "PerMillion")["$"]

				entries = append(entries, trafficEntry{
					row: TrafficRow{
						TS:            float64(parsed.Unix()),
						PageViewsPM:   floatOf(perMillion),
						PageViewsUser: floatOf(perUser),
						Rank:          floatOf(rank),
						Reach:         floatOf(reach),
					},
					columns: map[string]string{
						"TRAFFIC_TS":              strconv.FormatInt(parsed.Unix(), 10),
						"TRAFFIC_PAGE_VIEWS_PM":   render(perMillion),
						"TRAFFIC_PAGE_VIEWS_USER": render(perUser),
						"TRAFFIC_RANK":            render(rank),
						"TRAFFIC_REACH":           render(reach),
					},
				})
			}
		}
	}
	return entries, nil
}

// analystQAS flattens the analyst answers vertex. Y/N flags become
// "true"/"false"; the last answers vertex on the path wins.
func (r *Reporter) analystQAS() map[string]string {
	var qas = map[string]string{}
	for _, path := range r.paths {
		if len(path.Edges) == 0 || !strings.HasPrefix(render(path.Edges[0]["_to"]), "analyst-qas/") {
			continue
		}
		for _, vertex := range path.Vertices {
			if !strings.HasPrefix(render(vertex["_id"]), "analyst-qas/") {
				continue
			}
			var data, _ = vertex["data"].(map[string]interface{})
			qas = make(map[string]string, len(data))
			for key, value := range data {
				qas[strings.ToUpper(key)] = answerValue(value)
			}
		}
	}
	return qas
}

func answerValue(v interface{}) string {
	if flag, ok := v.(string); ok {
		switch strings.ToUpper(flag) {
		case "Y":
			return "true"
		case "N":
			return "false"
		}
	}
	return render(v)
}

func line(data map[string]string) string {
	var fields = make([]string, len(Columns))
	for key, value := range data {
		var index, ok = columnIndex[key]
		if !ok {
			log.WithField("column", key).Warn("unknown wide column key, skipping")
			continue
		}
		fields[index] = value
	}
	return strings.Join(fields, ",")
}

func formatTrend(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func render(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

func floatOf(v interface{}) *float64 {
	switch value := v.(type) {
	case json.Number:
		if parsed, err := value.Float64(); err == nil {
			return &parsed
		}
	case float64:
		return &value
	case string:
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return &parsed
		}
	}
	return nil
}

func nested(doc graphDoc, key string) graphDoc {
	if child, ok := doc[key].(map[string]interface{}); ok {
		return child
	}
	return graphDoc{}
}
