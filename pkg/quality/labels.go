package quality

import "strings"

// DefaultDataCenter is the bucket for owners without a known alias.
const DefaultDataCenter = "Other"

// dataCenterAliases maps resolved owner strings to short report labels.
// Matching is exact after lowercasing; the grouping is cosmetic and carries
// no classification weight.
var dataCenterAliases = map[string]string{
	"amazon.com, inc.":           "AWS",
	"amazon technologies inc.":   "AWS",
	"amazon data services nova":  "AWS",
	"google llc":                 "GCP",
	"google cloud":               "GCP",
	"microsoft corporation":      "Azure",
	"microsoft azure":            "Azure",
	"digitalocean, llc":          "DigitalOcean",
	"ovh sas":                    "OVH",
	"ovh hosting, inc.":          "OVH",
	"hetzner online gmbh":        "Hetzner",
	"linode, llc":                "Linode",
	"akamai technologies, inc.":  "Akamai",
	"oracle corporation":         "Oracle",
	"alibaba cloud llc":          "Alibaba",
	"tencent cloud computing":    "Tencent",
	"vultr holdings, llc":        "Vultr",
	"cloudflare, inc.":           "Cloudflare",
	"leaseweb netherlands b.v.":  "Leaseweb",
	"contabo gmbh":               "Contabo",
	"scaleway s.a.s.":            "Scaleway",
	"ionos se":                   "IONOS",
	"m247 europe srl":            "M247",
	"datacamp limited":           "DataCamp",
	"g-core labs s.a.":           "G-Core",
	"the constant company, llc":  "Vultr",
	"stark industries solutions": "Stark",
}

// DataCenterLabel maps an owner string to its short data-center label.
// Empty, unknown, and unmapped owners land in the default bucket.
func DataCenterLabel(owner string) string {
	key := strings.ToLower(strings.TrimSpace(owner))
	if key == "" || key == "unknown" {
		return DefaultDataCenter
	}
	if label, ok := dataCenterAliases[key]; ok {
		return label
	}
	return DefaultDataCenter
}
