package extract

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Fingerprint identifies a rule set. Records extracted under the same
// fingerprint from unchanged content are reused instead of re-evaluated.
func Fingerprint(rules crawler.RuleSet) (string, error) {
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
