package caldav

import (
	"context"
	"fmt"
	"strings"

	"github.com/sekia-ai/calhub/internal/remote"
)

// ListCalendars finds the calendar home of the configured URL and lists the
// collections under it that hold events. Server order is preserved.
func (c *Client) ListCalendars(ctx context.Context) ([]remote.Calendar, error) {
	home, err := c.calendarHome(ctx)
	if err != nil {
		return nil, err
	}

	resps, err := c.propfind(ctx, home, "1",
		"D:resourcetype", "D:displayname", "A:calendar-color", "C:supported-calendar-component-set")
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var cals []remote.Calendar
	for _, r := range resps {
		if !r.has("resourcetype/calendar") || !supportsEvents(r) {
			continue
		}
		id := r.href
		if u, err := c.resolve(r.href); err == nil {
			id = u.Path
		}
		name := r.text("displayname")
		if name == "" {
			name = lastSegment(id)
		}
		cals = append(cals, remote.Calendar{ID: id, Name: name, Color: r.text("calendar-color")})
	}
	return cals, nil
}

// calendarHome resolves the configured URL to a calendar-home-set by way of
// the current-user-principal. A URL that already points at a collection with
// neither property is used as the home itself.
func (c *Client) calendarHome(ctx context.Context) (string, error) {
	start := c.base.Path
	resps, err := c.propfind(ctx, start, "0", "D:current-user-principal", "C:calendar-home-set", "D:resourcetype")
	if err != nil {
		return "", fmt.Errorf("discover principal: %w", err)
	}
	if len(resps) == 0 {
		return start, nil
	}
	r := resps[0]
	if home := r.text("calendar-home-set/href"); home != "" {
		return home, nil
	}
	if r.has("resourcetype/calendar") {
		// The URL is a single calendar; list its parent.
		return parentPath(start), nil
	}

	principal := r.text("current-user-principal/href")
	if principal == "" || principal == start {
		return start, nil
	}
	resps, err = c.propfind(ctx, principal, "0", "C:calendar-home-set")
	if err != nil {
		return "", fmt.Errorf("discover calendar home: %w", err)
	}
	if len(resps) > 0 {
		if home := resps[0].text("calendar-home-set/href"); home != "" {
			return home, nil
		}
	}
	return "", fmt.Errorf("discover calendar home: principal %s has no calendar-home-set", principal)
}

func supportsEvents(r davResponse) bool {
	set := r.prop.FindElement("supported-calendar-component-set")
	if set == nil {
		return true
	}
	for _, comp := range set.SelectElements("comp") {
		if strings.EqualFold(comp.SelectAttrValue("name", ""), "VEVENT") {
			return true
		}
	}
	return false
}

func lastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func parentPath(p string) string {
	trimmed := strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[:i+1]
	}
	return "/"
}
