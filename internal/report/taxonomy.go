package report

import (
	"regexp"
	"sort"
	"strings"
)

// Trade is an entry of the construction trade taxonomy, keyed to CSI MasterFormat divisions.
type Trade struct {
	Name     string
	Division string
	Keywords []string
	pattern  *regexp.Regexp
}

func (t *Trade) matches(s string) bool {
	return t.pattern.MatchString(s)
}

func newTrade(name, division string, keywords ...string) *Trade {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return &Trade{
		Name:     name,
		Division: division,
		Keywords: keywords,
		pattern:  regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)s?\b`),
	}
}

// Trades is ordered by division so merged output reads like a spec book.
var Trades = []*Trade{
	newTrade("Concrete", "03", "concrete", "rebar", "formwork", "slab on grade", "footing", "shotcrete"),
	newTrade("Masonry", "04", "masonry", "brick", "cmu", "mortar", "grout"),
	newTrade("Metals", "05", "structural steel", "steel beam", "steel joist", "metal deck", "misc metals"),
	newTrade("Wood & Carpentry", "06", "lumber", "framing", "carpentry", "plywood", "millwork", "casework"),
	newTrade("Thermal & Moisture Protection", "07", "roofing", "insulation", "waterproofing", "flashing", "vapor barrier", "sealant"),
	newTrade("Openings", "08", "door", "window", "glazing", "storefront", "curtain wall", "door hardware"),
	newTrade("Drywall", "09", "drywall", "gypsum board", "gypsum", "plaster", "metal stud"),
	newTrade("Flooring", "09", "flooring", "floor tile", "carpet", "vinyl", "lvt", "terrazzo", "epoxy floor"),
	newTrade("Painting", "09", "paint", "painting", "primer", "wall covering", "coating"),
	newTrade("Fire Suppression", "21", "sprinkler", "fire suppression", "standpipe", "fire pump"),
	newTrade("Plumbing", "22", "plumbing", "plumbing fixture", "water heater", "domestic water", "sanitary", "lavatory", "water closet"),
	newTrade("HVAC", "23", "hvac", "ductwork", "air handler", "rtu", "rooftop unit", "chiller", "boiler", "vav", "exhaust fan"),
	newTrade("Electrical", "26", "electrical", "conduit", "panelboard", "switchgear", "wiring", "lighting", "luminaire", "receptacle", "transformer"),
	newTrade("Communications", "27", "data cabling", "telecom", "low voltage", "structured cabling"),
	newTrade("Electronic Safety & Security", "28", "fire alarm", "access control", "cctv", "security system"),
	newTrade("Earthwork", "31", "excavation", "grading", "backfill", "earthwork", "compaction"),
	newTrade("Exterior Improvements", "32", "paving", "asphalt", "landscaping", "curb", "sidewalk"),
	newTrade("Utilities", "33", "storm drain", "sewer", "water main", "utility"),
}

// Materials recognized by the freeform parser, with the name they are reported under.
var materialAliases = map[string]string{
	"concrete":      "concrete",
	"rebar":         "rebar",
	"reinforcing":   "rebar",
	"steel":         "steel",
	"lumber":        "lumber",
	"plywood":       "plywood",
	"drywall":       "gypsum board",
	"gypsum":        "gypsum board",
	"copper":        "copper",
	"pvc":           "PVC",
	"cpvc":          "CPVC",
	"pex":           "PEX",
	"insulation":    "insulation",
	"glass":         "glass",
	"asphalt":       "asphalt",
	"brick":         "brick",
	"cmu":           "CMU",
	"tile":          "tile",
	"carpet":        "carpet",
	"paint":         "paint",
	"conduit":       "conduit",
	"ductwork":      "ductwork",
	"aluminum":      "aluminum",
	"membrane":      "membrane",
	"mineral wool":  "mineral wool",
	"cast iron":     "cast iron",
	"ductile iron":  "ductile iron",
	"galvanized":    "galvanized steel",
	"stainless":     "stainless steel",
}

var materialPattern = func() *regexp.Regexp {
	keys := make([]string, 0, len(materialAliases))
	for k := range materialAliases {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	// Longer aliases first so "cast iron" wins over shorter overlaps.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(keys, "|") + `)\b`)
}()

// costPattern matches dollar amounts such as $12,500 or $1,200.50.
var costPattern = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
