package discovery

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// EditAction is the discovery action name whose extensions are indexed.
const EditAction = "edit"

// maxManifestSize bounds the manifest body read from the editor.
const maxManifestSize = 8 << 20

// Entry is one action declared by the discovery manifest.
type Entry struct {
	// App is the declaring application name, which WOPI editors set to a mime type.
	App    string
	Action string
	Ext    string
	URL    string
}

type manifest struct {
	XMLName  xml.Name  `xml:"wopi-discovery"`
	NetZones []netZone `xml:"net-zone"`
}

type netZone struct {
	Name string `xml:"name,attr"`
	Apps []app  `xml:"app"`
}

type app struct {
	Name    string   `xml:"name,attr"`
	Actions []action `xml:"action"`
}

type action struct {
	Name   string `xml:"name,attr"`
	Ext    string `xml:"ext,attr"`
	URLSrc string `xml:"urlsrc,attr"`
}

// placeholder matches optional WOPI urlsrc parameters such as <ui=UI_LLCC&>.
var placeholder = regexp.MustCompile(`<[^>]*>`)

// Parse decodes a discovery manifest into entries, in manifest order.
// Actions without urlsrc are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var m manifest
	if err := xml.NewDecoder(io.LimitReader(r, maxManifestSize)).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode discovery manifest: %w", err)
	}

	var entries []Entry
	for _, z := range m.NetZones {
		for _, a := range z.Apps {
			for _, act := range a.Actions {
				u := cleanURLSrc(act.URLSrc)
				if u == "" {
					continue
				}
				entries = append(entries, Entry{
					App:    strings.TrimSpace(a.Name),
					Action: strings.TrimSpace(act.Name),
					Ext:    strings.ToLower(strings.TrimSpace(act.Ext)),
					URL:    u,
				})
			}
		}
	}
	return entries, nil
}

func cleanURLSrc(raw string) string {
	return strings.TrimSpace(placeholder.ReplaceAllString(raw, ""))
}

// index groups entries by mime type and, for edit actions, by extension.
// Later entries overwrite earlier ones.
func index(entries []Entry) (byMime, byExt map[string]string) {
	byMime = make(map[string]string)
	byExt = make(map[string]string)
	for _, e := range entries {
		if e.App != "" {
			byMime[e.App] = e.URL
		}
		if e.Ext != "" && e.Action == EditAction {
			byExt[e.Ext] = e.URL
		}
	}
	return byMime, byExt
}
