package reporter

// Columns is the frozen wide-column CSV layout consumed downstream.
// Order is load-bearing: new columns may only be appended.
var Columns = []string{
	"DOMAIN",
	"TITLE",
	"ONLINE_SINCE",
	"MEDIAN_LOAD_TIME",
	"SPEED_PERCENTILE",
	"ADULT_CONTENT",
	"LINKS_IN_COUNT",
	"LOCALE",
	"ENCODING",
	"DESCRIPTION",
	"RANK",
	"COUNTRY_CODE",
	"COUNTRY_NAME",
	"COUNTRY_RANK",
	"URL_LINKINGIN",
	"DOMAIN_LINKINGIN",
	"IPV4_ADDR",
	"IPV4_ORG",
	"IPV4_ISP",
	"IPV4_LATITUDE",
	"IPV4_LONGITUDE",
	"IPV4_COUNTRY_CODE",
	"IPV4_COUNTRY",
	"IPV4_CONTINENT_CODE",
	"IPV4_CONTINENT",
	"IPV6_ADDR",
	"IPV6_ORG",
	"IPV6_ISP",
	"IPV6_LATITUDE",
	"IPV6_LONGITUDE",
	"IPV6_COUNTRY_CODE",
	"IPV6_COUNTRY",
	"IPV6_CONTINENT_CODE",
	"IPV6_CONTINENT",
	"TRAFFIC_TS",
	"TRAFFIC_PAGE_VIEWS_PM",
	"TRAFFIC_PAGE_VIEWS_USER",
	"TRAFFIC_RANK",
	"TRAFFIC_REACH",
	"MNTH_1_VISITS_DT",
	"MNTH_1_VISITS_UT",
	"MNTH_3_VISITS_DT",
	"MNTH_3_VISITS_UT",
	"MNTH_1_RANK_DT",
	"MNTH_1_RANK_UT",
	"MNTH_3_RANK_DT",
	"MNTH_3_RANK_UT",
	"P2P_MAGNET_LINKS",
	"LINKS_TO_TORRENTS",
	"LINKS_TO_OSP",
	"SEARCH_FEATURE",
	"DOMAIN_DOWN_OR_PARKED",
	"HAS_RSS_FEED",
	"REQUIRES_LOGIN",
	"HAS_FORUM_OR_COMMENTS",
	"ANALYST_QAS_DATE",
}

var columnIndex = func() map[string]int {
	var index = make(map[string]int, len(Columns))
	for i, name := range Columns {
		index[name] = i
	}
	return index
}()
