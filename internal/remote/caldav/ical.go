package caldav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/sekia-ai/calhub/internal/remote"
)

// PropOrigin carries the copy rule provenance marker on replicated events.
const PropOrigin = "X-CALHUB-ORIGIN"

const propRecurrenceID = "RECURRENCE-ID"

// decodeEvent reads the master VEVENT of one calendar object. Overrides
// (components with a RECURRENCE-ID) are folded into the opaque recurrence.
func decodeEvent(data string) (remote.Event, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return remote.Event{}, fmt.Errorf("decode calendar object: %w", err)
	}

	var master *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if master == nil || child.Props.Get(propRecurrenceID) == nil {
			master = child
		}
		if child.Props.Get(propRecurrenceID) == nil {
			break
		}
	}
	if master == nil {
		return remote.Event{}, fmt.Errorf("decode calendar object: no VEVENT")
	}

	var e remote.Event
	e.UID = propText(master, ical.PropUID)
	if e.UID == "" {
		return remote.Event{}, fmt.Errorf("decode calendar object: VEVENT has no UID")
	}
	e.Summary = propText(master, ical.PropSummary)
	e.Location = propText(master, ical.PropLocation)
	e.Description = propText(master, ical.PropDescription)
	e.Status = strings.ToLower(propText(master, ical.PropStatus))
	e.Origin = propText(master, PropOrigin)
	if p := master.Props.Get(ical.PropRecurrenceRule); p != nil {
		e.RRule = p.Value
	}

	start := master.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return remote.Event{}, fmt.Errorf("decode event %s: no DTSTART", e.UID)
	}
	e.Start, e.AllDay, err = propTime(start)
	if err != nil {
		return remote.Event{}, fmt.Errorf("decode event %s DTSTART: %w", e.UID, err)
	}

	switch {
	case master.Props.Get(ical.PropDateTimeEnd) != nil:
		e.End, _, err = propTime(master.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return remote.Event{}, fmt.Errorf("decode event %s DTEND: %w", e.UID, err)
		}
	case master.Props.Get(ical.PropDuration) != nil:
		d, err := master.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return remote.Event{}, fmt.Errorf("decode event %s DURATION: %w", e.UID, err)
		}
		e.End = e.Start.Add(d)
	case e.AllDay:
		e.End = e.Start.AddDate(0, 0, 1)
	}
	return e, nil
}

func propText(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	s, err := p.Text()
	if err != nil {
		return p.Value
	}
	return s
}

// propTime parses a DATE or DATE-TIME property. Dates become UTC midnight;
// floating times are taken as UTC.
func propTime(p *ical.Prop) (time.Time, bool, error) {
	if strings.EqualFold(p.Params.Get("VALUE"), "DATE") || len(p.Value) == len("20060102") {
		t, err := time.Parse("20060102", p.Value)
		return t, true, err
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// encodeEvent renders e as a one-event VCALENDAR.
func encodeEvent(e remote.Event, now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calhub//calhub//EN")

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, e.UID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	setTime(ev.Component, ical.PropDateTimeStart, e.Start, e.AllDay)
	if !e.End.IsZero() {
		setTime(ev.Component, ical.PropDateTimeEnd, e.End, e.AllDay)
	}
	for name, v := range map[string]string{
		ical.PropSummary:     e.Summary,
		ical.PropLocation:    e.Location,
		ical.PropDescription: e.Description,
		ical.PropStatus:      strings.ToUpper(e.Status),
		PropOrigin:           e.Origin,
	} {
		if v != "" {
			ev.Props.SetText(name, v)
		}
	}
	if e.RRule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = e.RRule
		ev.Props.Set(p)
	}
	cal.Children = append(cal.Children, ev.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.UID, err)
	}
	return buf.Bytes(), nil
}

func setTime(comp *ical.Component, name string, t time.Time, date bool) {
	if date {
		p := ical.NewProp(name)
		p.SetDate(t.UTC())
		comp.Props.Set(p)
		return
	}
	comp.Props.SetDateTime(name, t.UTC())
}
