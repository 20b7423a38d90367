package convert

import (
	"encoding/xml"
	"io"
	"strings"
	"time"

	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
)

// noteTimeLayout is the format the OSM notes API emits, for example
// "2026-08-15 08:26:04 UTC".
const noteTimeLayout = "2006-01-02 15:04:05 MST"

// Note is one entry from the OSM notes API XML dump.
type Note struct {
	Lat       float64   `xml:"lat,attr"`
	Lon       float64   `xml:"lon,attr"`
	ID        int64     `xml:"id"`
	Status    string    `xml:"status"`
	CreatedAt NoteTime  `xml:"date_created"`
	ClosedAt  *NoteTime `xml:"date_closed"`
	Comments  []Comment `xml:"comments>comment"`
}

type Comment struct {
	Date   NoteTime `xml:"date"`
	UID    int64    `xml:"uid"`
	User   string   `xml:"user"`
	Action string   `xml:"action"`
	Text   string   `xml:"text"`
}

// NoteTime parses the notes API timestamp format.
type NoteTime struct {
	clock.Time
}

func (t *NoteTime) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw string
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	parsed, err := time.Parse(noteTimeLayout, strings.TrimSpace(raw))
	if err != nil {
		return errors.Errorf("while parsing note timestamp '%s': %w", raw, err)
	}
	t.Time = parsed
	return nil
}

type noteFile struct {
	XMLName xml.Name `xml:"osm"`
	Notes   []Note   `xml:"note"`
}

// ParseNotes decodes an OSM notes API XML document.
func ParseNotes(r io.Reader) ([]Note, error) {
	f := errors.Fields{"category", "convert", "func", "ParseNotes"}
	var file noteFile
	if err := xml.NewDecoder(r).Decode(&file); err != nil {
		return nil, f.Errorf("while decoding notes xml: %w", err)
	}
	return file.Notes, nil
}
