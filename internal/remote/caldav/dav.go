package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsApple  = "http://apple.com/ns/ical/"
)

// davResponse is one <response> of a multistatus body with the properties
// of its 200 propstats merged under prop.
type davResponse struct {
	href string
	prop *etree.Element
}

func (r davResponse) text(path string) string {
	if r.prop == nil {
		return ""
	}
	if el := r.prop.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func (r davResponse) has(path string) bool {
	return r.prop != nil && r.prop.FindElement(path) != nil
}

func parseMultistatus(body []byte) ([]davResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}
	root := doc.FindElement("//multistatus")
	if root == nil {
		return nil, fmt.Errorf("parse multistatus: no multistatus element")
	}

	var out []davResponse
	for _, resp := range root.SelectElements("response") {
		hrefEl := resp.SelectElement("href")
		if hrefEl == nil {
			continue
		}
		merged := etree.NewElement("prop")
		for _, ps := range resp.SelectElements("propstat") {
			if st := ps.SelectElement("status"); st != nil && !strings.Contains(st.Text(), " 200") {
				continue
			}
			if p := ps.SelectElement("prop"); p != nil {
				for _, child := range p.ChildElements() {
					merged.AddChild(child.Copy())
				}
			}
		}
		out = append(out, davResponse{href: strings.TrimSpace(hrefEl.Text()), prop: merged})
	}
	return out, nil
}

// propfindBody builds a PROPFIND request for the given qualified names.
func propfindBody(props ...string) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	pf := doc.CreateElement("D:propfind")
	pf.CreateAttr("xmlns:D", nsDAV)
	pf.CreateAttr("xmlns:C", nsCalDAV)
	pf.CreateAttr("xmlns:A", nsApple)
	prop := pf.CreateElement("D:prop")
	for _, p := range props {
		prop.CreateElement(p)
	}
	b, _ := doc.WriteToBytes()
	return b
}

// calendarQueryBody builds a REPORT selecting every VEVENT with its etag and
// data.
func calendarQueryBody() []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	q := doc.CreateElement("C:calendar-query")
	q.CreateAttr("xmlns:D", nsDAV)
	q.CreateAttr("xmlns:C", nsCalDAV)
	prop := q.CreateElement("D:prop")
	prop.CreateElement("D:getetag")
	prop.CreateElement("C:calendar-data")
	vcal := q.CreateElement("C:filter").CreateElement("C:comp-filter")
	vcal.CreateAttr("name", "VCALENDAR")
	vcal.CreateElement("C:comp-filter").CreateAttr("name", "VEVENT")
	b, _ := doc.WriteToBytes()
	return b
}

func (c *Client) propfind(ctx context.Context, href string, depth string, props ...string) ([]davResponse, error) {
	u, err := c.resolve(href)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Depth", depth)
	header.Set("Content-Type", "application/xml; charset=utf-8")
	res, err := c.do(ctx, "PROPFIND", u, header, propfindBody(props...))
	if err != nil {
		return nil, err
	}
	return parseMultistatus(res.body)
}
