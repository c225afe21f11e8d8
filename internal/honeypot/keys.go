package honeypot

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// ObjectName is the file name of every harvested batch.
const ObjectName = "honeypot-opencanary-logs.csv.gz"

// Key is the hourly bucketed object key for a batch harvested at t:
// <prefix>/<YYYY>/<MM>/<DD>/<HH>/honeypot-opencanary-logs.csv.gz
func Key(prefix string, t time.Time) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(prefix, "/"), t.UTC().Format("2006/01/02/15"), ObjectName)
}

// YearPrefix is the listing prefix for every batch of year.
func YearPrefix(prefix string, year int) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strconv.Itoa(year) + "/"
}

// YearPattern is the path.Match glob for every batch of year.
func YearPattern(prefix string, year int) string {
	return YearPrefix(prefix, year) + "*/*/*/" + ObjectName
}

// MatchYear reports whether key is a batch for year under prefix.
func MatchYear(prefix string, year int, key string) bool {
	ok, err := path.Match(YearPattern(prefix, year), key)
	return err == nil && ok
}
