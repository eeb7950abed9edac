package combo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/posdesk/posdesk/internal/domain"
)

// idPrefix namespaces combo hashes so ids from other systems can never
// collide with ours.
const idPrefix = "PSD"

// legSignature encodes the structural identity of one leg. Two ticks that
// carry the same legs produce the same signatures regardless of feed order.
func legSignature(leg domain.Leg, ratio int) string {
	return fmt.Sprintf("%s|%g|%s|%d", leg.Right, leg.Strike, leg.Expiry, ratio)
}

// CanonicalKey builds the stable pre-hash identity string: prefix, account,
// then leg signatures sorted ascending. The sort happens on a copy so the
// caller's slice order is never disturbed and iteration order can never leak
// into the id.
func CanonicalKey(account string, legs []domain.Leg, ratios []int) string {
	sigs := make([]string, len(legs))
	for i, leg := range legs {
		sigs[i] = legSignature(leg, ratios[i])
	}
	sort.Strings(sigs)
	return idPrefix + account + strings.Join(sigs, ",")
}

// ComboID hashes the canonical key, truncated for display.
func ComboID(account string, legs []domain.Leg, ratios []int) string {
	h := sha256.Sum256([]byte(CanonicalKey(account, legs, ratios)))
	return hex.EncodeToString(h[:])[:16]
}

// normalizeRatios divides each signed quantity by the smallest absolute
// quantity in the group, rounding to the nearest integer. A 2-lot vertical
// and a 1-lot vertical with the same strikes therefore share ratios (and an
// id differing only by account), while a 1x2 ratio spread does not.
func normalizeRatios(legs []domain.Leg) []int {
	minAbs := 0.0
	for _, leg := range legs {
		q := abs(leg.Quantity)
		if q > 0 && (minAbs == 0 || q < minAbs) {
			minAbs = q
		}
	}
	ratios := make([]int, len(legs))
	for i, leg := range legs {
		if minAbs == 0 {
			ratios[i] = 0
			continue
		}
		r := leg.Quantity / minAbs
		if r >= 0 {
			ratios[i] = int(r + 0.5)
		} else {
			ratios[i] = -int(-r + 0.5)
		}
	}
	return ratios
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
