package optimizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"k8s.io/apimachinery/pkg/util/sets"
)

const hourLayout = "3pm"

// ArmKey encodes a channel platform and the hour-of-day bucket of at, e.g.
// "facebook:9am". The hour is taken in at's location.
func ArmKey(platform string, at time.Time) string {
	return slug.Make(platform) + ":" + strings.ToLower(at.Format(hourLayout))
}

// HourKey builds an arm key from a platform and a 0-23 hour.
func HourKey(platform string, hour int) string {
	return ArmKey(platform, time.Date(2000, 1, 1, hour, 0, 0, 0, time.UTC))
}

// ParseArmKey splits a key into its platform and 0-23 hour.
func ParseArmKey(key string) (string, int, error) {
	platform, bucket, ok := strings.Cut(key, ":")
	if !ok || platform == "" {
		return "", 0, fmt.Errorf("malformed arm key %q", key)
	}
	t, err := time.Parse(hourLayout, bucket)
	if err != nil {
		return "", 0, fmt.Errorf("malformed arm key %q: %w", key, err)
	}
	return platform, t.Hour(), nil
}

// Candidates expands platforms × hours into a sorted, de-duplicated key list.
func Candidates(platforms []string, hours []int) []string {
	keys := sets.New[string]()
	for _, p := range platforms {
		for _, h := range hours {
			keys.Insert(HourKey(p, h))
		}
	}
	return sets.List(keys)
}

// NextSlot returns the first instant strictly after `after` whose hour in loc
// matches the key's bucket.
func NextSlot(key string, after time.Time, loc *time.Location) (time.Time, error) {
	_, hour, err := ParseArmKey(key)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	local := after.In(loc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !slot.After(after) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot, nil
}
