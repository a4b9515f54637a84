package cogwarp

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	dateRe      = regexp.MustCompile(`\d{8}`)
	dateStripRe = regexp.MustCompile(`_?\d{8}`)
	satelliteRe = regexp.MustCompile(`S[12][ABC]?`)
	acronymRe   = regexp.MustCompile(`[A-Z]{2,}`)
	camelRe     = regexp.MustCompile(`[a-z]+[A-Z][a-zA-Z]+`)
	locationRe  = regexp.MustCompile(`\b[A-Z]{3}\b`)
	underscores = regexp.MustCompile(`_+`)
)

// ConvertDate rewrites a compact YYYYMMDD date as YYYY-MM-DD. Anything that
// is not 8 characters passes through unchanged.
func ConvertDate(s string) string {
	if len(s) != 8 {
		return s
	}
	return fmt.Sprintf("%s-%s-%s", s[0:4], s[4:6], s[6:8])
}

// ExtractDate finds the first compact date in a filename and returns it in
// YYYY-MM-DD form, or "" when the name carries no date.
func ExtractDate(filename string) string {
	m := dateRe.FindString(filename)
	if m == "" {
		return ""
	}
	return ConvertDate(m)
}

// Components is a parsed product filename.
type Components struct {
	Dir       string
	Filename  string
	Stem      string
	Ext       string
	Date      string
	Satellite string
	Product   string
	Location  string
}

// ParseFilename splits a product path into its naming components. Satellite
// codes are Sentinel style (S1, S2A...), products are uppercase acronyms or
// camelCase words, locations are 3-letter codes.
func ParseFilename(filepath string) Components {
	dir, filename := path.Split(filepath)
	ext := path.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	c := Components{
		Dir:      strings.TrimSuffix(dir, "/"),
		Filename: filename,
		Stem:     stem,
		Ext:      ext,
	}
	c.Date = ExtractDate(stem)
	c.Satellite = satelliteRe.FindString(stem)
	if m := acronymRe.FindString(stem); m != "" {
		c.Product = m
	} else if m := camelRe.FindString(stem); m != "" {
		c.Product = m
	}
	c.Location = locationRe.FindString(stem)
	return c
}

// COGFilename builds the output name for a converted file:
// <event>_<stem-without-dates>_<date>_<suffix>.tif, with the date part
// omitted when the source name has none.
func COGFilename(originalPath, eventName, suffix string) string {
	if suffix == "" {
		suffix = "day"
	}
	c := ParseFilename(originalPath)
	stem := dateStripRe.ReplaceAllString(c.Stem, "")
	var name string
	if c.Date != "" {
		name = fmt.Sprintf("%s_%s_%s_%s.tif", eventName, stem, c.Date, suffix)
	} else {
		name = fmt.Sprintf("%s_%s_%s.tif", eventName, stem, suffix)
	}
	return underscores.ReplaceAllString(name, "_")
}

// OutputPath joins the destination prefix, target subdirectory and filename.
func OutputPath(baseDir, targetDir, filename string) string {
	return path.Join(baseDir, targetDir, filename)
}
