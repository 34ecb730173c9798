package monitor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// phraseParser lazily parses a monitor's "update" field when it's given as
// a short English duration phrase ("every 5 seconds", "every 2m") instead
// of a bare number of seconds (SPEC_FULL.md §4, "Monitor duration
// phrases"). This only changes how the numeric period is produced; the
// MonitorData model itself only ever holds a time.Duration.
var phraseParser = newPhraseParser()

func newPhraseParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseUpdatePeriod decodes a monitor block's "update" field (spec.md §3's
// MonitorData.update): absent means defaultUpdate, a JSON number or
// numeric string is seconds, and anything else is tried as an English
// duration phrase anchored at now.
func parseUpdatePeriod(raw json.RawMessage, defaultUpdate time.Duration, now time.Time) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return defaultUpdate, nil
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}

	var phrase string
	if err := json.Unmarshal(raw, &phrase); err != nil {
		return 0, fmt.Errorf("update field is neither a number nor a string: %w", err)
	}
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return defaultUpdate, nil
	}
	if secs, err := strconv.ParseFloat(phrase, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	result, err := phraseParser.Parse(phrase, now)
	if err != nil {
		return 0, fmt.Errorf("parsing update duration phrase %q: %w", phrase, err)
	}
	if result == nil {
		return 0, fmt.Errorf("update duration phrase %q not understood", phrase)
	}
	d := result.Time.Sub(now)
	if d <= 0 {
		return 0, fmt.Errorf("update duration phrase %q resolved to a non-positive period", phrase)
	}
	return d, nil
}
