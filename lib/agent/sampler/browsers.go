// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package sampler

import (
	"net/url"
	"regexp"
	"strings"
)

// browserSuffixes maps a normalized browser process name to the title
// suffixes that browser appends to page titles. An entry with no suffixes
// still marks the process as a browser.
var browserSuffixes = map[string][]string{
	"chrome":   {" - Google Chrome"},
	"chromium": {" - Chromium"},
	"msedge":   {" - Microsoft Edge"},
	"firefox":  {" — Mozilla Firefox", " - Mozilla Firefox"},
	"brave":    {" - Brave"},
	"opera":    {" - Opera"},
	"safari":   nil,
}

var (
	urlPattern    = regexp.MustCompile(`https?://\S+`)
	domainPattern = regexp.MustCompile(`\b(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}\b`)
)

// processKey normalizes a process name for lookups: lower-cased, Windows
// executable extension stripped.
func processKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".exe")
}

// IsBrowser reports whether the process is a known browser.
func IsBrowser(process string) bool {
	_, ok := browserSuffixes[processKey(process)]
	return ok
}

// ExtractURL pulls a best-effort URL or bare domain out of a browser
// window title. Query strings and fragments never leave the endpoint, and
// hosts come back lower-cased. Returns false when the process is not a
// browser or the title carries nothing that looks like a URL.
func ExtractURL(process, title string) (string, bool) {
	key := processKey(process)
	suffixes, ok := browserSuffixes[key]
	if !ok {
		return "", false
	}
	for _, suffix := range suffixes {
		if trimmed, found := strings.CutSuffix(title, suffix); found {
			title = trimmed
			break
		}
	}
	if m := urlPattern.FindString(title); m != "" {
		if u, err := url.Parse(m); err == nil && u.Host != "" {
			u.Host = strings.ToLower(u.Host)
			u.RawQuery = ""
			u.Fragment = ""
			u.ForceQuery = false
			return u.String(), true
		}
	}
	if m := domainPattern.FindString(strings.ToLower(title)); m != "" {
		return m, true
	}
	return "", false
}
