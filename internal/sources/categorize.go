package sources

import "strings"

// tierTable maps domains to authority tiers. Categorization is a pure
// function of the URL; unknown domains are TierGeneric.
//
// T1 covers accredited vessel registries, classification societies, and AIS
// tracking services. T2 covers maritime trade press and industry forums.
var tierTable = map[string]Tier{
	// Registries and intergovernmental databases
	"equasis.org":     TierAuthoritative,
	"gisis.imo.org":   TierAuthoritative,
	"imo.org":         TierAuthoritative,
	"emsa.europa.eu":  TierAuthoritative,
	"parismou.org":    TierAuthoritative,
	"tokyo-mou.org":   TierAuthoritative,

	// Classification societies
	"dnv.com":            TierAuthoritative,
	"lr.org":             TierAuthoritative,
	"eagle.org":          TierAuthoritative,
	"bureauveritas.com":  TierAuthoritative,
	"classnk.or.jp":      TierAuthoritative,
	"rina.org":           TierAuthoritative,
	"krs.co.kr":          TierAuthoritative,
	"ccs.org.cn":         TierAuthoritative,

	// AIS trackers
	"marinetraffic.com": TierAuthoritative,
	"vesselfinder.com":  TierAuthoritative,
	"fleetmon.com":      TierAuthoritative,
	"myshiptracking.com": TierAuthoritative,

	// Trade press
	"tradewindsnews.com":    TierIndustry,
	"lloydslist.com":        TierIndustry,
	"gcaptain.com":          TierIndustry,
	"splash247.com":         TierIndustry,
	"maritime-executive.com": TierIndustry,
	"seatrade-maritime.com": TierIndustry,
	"marinelog.com":         TierIndustry,
	"marinelink.com":        TierIndustry,
	"hellenicshippingnews.com": TierIndustry,
	"shipspotting.com":      TierIndustry,
	"offshore-energy.biz":   TierIndustry,
}

// CategorizeURL returns the authority tier for a URL. Subdomains inherit the
// parent domain's tier.
func CategorizeURL(rawURL string) Tier {
	host := Domain(rawURL)
	if host == "" {
		return TierGeneric
	}
	if t, ok := tierTable[host]; ok {
		return t
	}
	// Walk up the domain labels so news.dnv.com matches dnv.com.
	parts := strings.Split(host, ".")
	for i := 1; i < len(parts)-1; i++ {
		if t, ok := tierTable[strings.Join(parts[i:], ".")]; ok {
			return t
		}
	}
	return TierGeneric
}

// TierWeight returns the rank weight for a tier.
func TierWeight(t Tier) float64 {
	switch t {
	case TierAuthoritative:
		return 1.0
	case TierIndustry:
		return 0.6
	default:
		return 0.3
	}
}
