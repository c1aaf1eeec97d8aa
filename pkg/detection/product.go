package detection

import (
	"strings"

	"github.com/menta2k/hwassist/pkg/types"
)

// DefaultDeviceKeywords is the stock vocabulary used to spot a development board
var DefaultDeviceKeywords = []string{"pi", "arduino", "esp", "board", "kit"}

// ProductPolicy picks the primary product out of a detection list
type ProductPolicy struct {
	Keywords []string
}

// NewProductPolicy creates a policy with the given keywords, or the defaults when empty
func NewProductPolicy(keywords []string) ProductPolicy {
	if len(keywords) == 0 {
		keywords = DefaultDeviceKeywords
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return ProductPolicy{Keywords: kw}
}

// PrimaryProduct returns the first explicit product name, else the first label
// containing a device keyword, else "".
func (p ProductPolicy) PrimaryProduct(dets []types.Detection) string {
	for _, d := range dets {
		if d.ProductName != "" {
			return d.ProductName
		}
	}
	for _, d := range dets {
		label := strings.ToLower(d.Label)
		for _, k := range p.Keywords {
			if strings.Contains(label, k) {
				return d.Label
			}
		}
	}
	return ""
}
