// Package envoy reads production data from the local web pages of an Envoy
// gateway so that some commands can still be answered when the Enlighten
// API is unreachable.
package envoy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/log"
)

// ErrUnsupported is returned for commands the gateway has no page for.
var ErrUnsupported = errors.New("command not supported by the envoy gateway")

// Gateway scrapes an Envoy gateway on the local network and answers queries
// with the same JSON shape as the Enlighten API.
type Gateway struct {
	baseURL string
	client  enphase.Doer
	tf      func() enphase.TimeAdapter
	now     func() time.Time
}

// NewGateway returns a Gateway for the envoy at host, which is a host name
// or an http URL. Times are written with the adapter returned by tf so the
// responses decode like those of the API.
func NewGateway(host string, client enphase.Doer, tf func() enphase.TimeAdapter) (*Gateway, error) {
	if host == "" {
		return nil, errors.New("envoy host is required")
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid envoy host: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid envoy host: %q", host)
	}
	if tf == nil {
		tf = func() enphase.TimeAdapter { return enphase.TimeAdapter{} }
	}
	return &Gateway{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		client:  client,
		tf:      tf,
		now:     time.Now,
	}, nil
}

// Supports reports whether the gateway can answer command.
func (g *Gateway) Supports(command string) bool {
	switch command {
	case enphase.CommandEnergyLifetime, enphase.CommandEnvoys, enphase.CommandInventory:
		return true
	}
	return false
}

// Execute implements enphase.Executor. Parameters other than the command and
// system are ignored since the gateway only knows about itself.
func (g *Gateway) Execute(ctx context.Context, q enphase.Query) ([]byte, error) {
	var body map[string]any
	var err error
	switch q.Command {
	case enphase.CommandEnergyLifetime:
		body, err = g.energyLifetime(ctx)
	case enphase.CommandEnvoys:
		body, err = g.envoys(ctx)
	case enphase.CommandInventory:
		body, err = g.inventory(ctx)
	default:
		return nil, fmt.Errorf("%s: %w", q.Command, ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	body["system_id"] = systemIDValue(q.SystemID)
	return json.Marshal(body)
}

// systemIDValue returns the id as a number when it is one, like the API.
func systemIDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func (g *Gateway) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	log.Ctx(ctx).DebugContext(ctx, "envoy request", slog.String("url", u))
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &enphase.TransportError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &enphase.TransportError{URL: u, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &enphase.UnexpectedStatusError{URL: u, Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

func (g *Gateway) page(ctx context.Context, path string) (*html.Node, error) {
	body, err := g.get(ctx, path, url.Values{"locale": {"en"}})
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse envoy %s page: %w", path, err)
	}
	return doc, nil
}

// production holds the label/value rows of the production page.
type production struct {
	values    map[string]string
	liveSince string
}

func (g *Gateway) production(ctx context.Context) (production, error) {
	doc, err := g.page(ctx, "/production")
	if err != nil {
		return production{}, err
	}
	p := production{values: make(map[string]string)}
	for _, tr := range findAll(doc, isElement("tr")) {
		cells := children(tr, "td")
		switch len(cells) {
		case 0:
		case 1:
			if div := findFirst(cells[0], hasClass("div", "good")); div != nil {
				p.liveSince = textOf(div)
			}
		default:
			p.values[textOf(cells[0])] = textOf(cells[1])
		}
	}
	return p, nil
}

func (g *Gateway) energyLifetime(ctx context.Context) (map[string]any, error) {
	p, err := g.production(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := p.values["Since Installation"]
	if !ok {
		return nil, errors.New("envoy production page has no lifetime production")
	}
	wh, err := ParseEnergy(raw)
	if err != nil {
		return nil, err
	}
	tf := g.tf()
	start, ok := parseLiveSince(p.liveSince)
	if !ok {
		// the whole lifetime is reported on a single day
		start = g.now()
	}
	return map[string]any{
		"start_date": tf.Stringify("start_date", start),
		"production": []float64{wh},
		"meta":       sourceMeta(),
	}, nil
}

// sourceMeta marks a body as built from the Envoy. The roster and inventory
// it reports are incomplete and must not be mistaken for the API's.
func sourceMeta() map[string]any {
	return map[string]any{"source": enphase.SourceEnvoy}
}

var liveSinceLayouts = []string{
	"Mon Jan 02, 2006 03:04 PM MST",
	"Mon Jan 2, 2006 03:04 PM MST",
	"Mon Jan 02, 2006",
	"01/02/2006",
	"2006-01-02",
}

// parseLiveSince parses the date on the production page. The date may be
// preceded by a sentence like "System has been live since".
func parseLiveSince(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(strings.ToLower(s), "since "); i >= 0 {
		s = strings.TrimSpace(s[i+len("since "):])
	}
	for _, layout := range liveSinceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// home holds the parsed home page.
type home struct {
	serial    string
	connected bool
	values    map[string]string
}

func (g *Gateway) home(ctx context.Context) (home, error) {
	doc, err := g.page(ctx, "/home")
	if err != nil {
		return home{}, err
	}
	h := home{values: make(map[string]string)}
	for _, td := range findAll(doc, isElement("td")) {
		text := textOf(td)
		if strings.Contains(text, "Envoy Serial Number") {
			if _, serial, ok := strings.Cut(text, ":"); ok {
				h.serial = strings.TrimSpace(serial)
			}
		}
	}
	for _, div := range findAll(doc, hasClass("div", "good")) {
		if textOf(div) == "Connection to Web" {
			h.connected = true
		}
	}
	for _, tr := range findAll(doc, isElement("tr")) {
		cells := children(tr, "td")
		if len(cells) == 2 {
			h.values[textOf(cells[0])] = textOf(cells[1])
		}
	}
	if h.serial == "" {
		return home{}, errors.New("envoy home page has no serial number")
	}
	return h, nil
}

func (g *Gateway) envoys(ctx context.Context) (map[string]any, error) {
	h, err := g.home(ctx)
	if err != nil {
		return nil, err
	}
	status := "comm"
	if h.connected {
		status = "normal"
	}
	envoy := map[string]any{
		"envoy_id":      0,
		"name":          "Envoy " + h.serial,
		"part_number":   "",
		"serial_number": h.serial,
		"status":        status,
	}
	if age, ok := parseAge(h.values["Last Connection to website"]); ok {
		envoy["last_report_at"] = g.tf().Stringify("last_report_at", g.now().Add(-age))
	}
	return map[string]any{"envoys": []any{envoy}, "meta": sourceMeta()}, nil
}

var ageRE = regexp.MustCompile(`(\d+)\s*(second|minute|hour|day)s?`)

// parseAge parses relative ages like "3 minutes ago".
func parseAge(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(s, "less than a minute") || s == "now" {
		return 0, true
	}
	m := ageRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	unit := map[string]time.Duration{
		"second": time.Second,
		"minute": time.Minute,
		"hour":   time.Hour,
		"day":    24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, true
}

func (g *Gateway) inventory(ctx context.Context) (map[string]any, error) {
	body, err := g.get(ctx, "/datatab/inventory_dt.rb", url.Values{"locale": {"en"}, "name": {"PCU"}})
	if err != nil {
		return nil, err
	}
	var data struct {
		AAData [][]any `json:"aaData"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &enphase.DecodeError{Command: enphase.CommandInventory, Err: err}
	}
	inverters := make([]any, 0, len(data.AAData))
	for _, row := range data.AAData {
		if len(row) < 3 {
			continue
		}
		inverters = append(inverters, map[string]any{
			"sn":    fmt.Sprint(row[2]),
			"model": "unknown",
		})
	}
	return map[string]any{"inverters": inverters, "meta": sourceMeta()}, nil
}

var energyRE = regexp.MustCompile(`^\s*([-+]?[0-9][0-9,]*(?:\.[0-9]+)?)\s*([A-Za-z]*)`)

var unitMultipliers = map[string]float64{
	"mwh": 1e6,
	"mw":  1e6,
	"kwh": 1e3,
	"kw":  1e3,
	"wh":  1,
	"w":   1,
	"":    1,
}

// ParseEnergy converts a value like "12.3 MWh" to watt hours, or a value like
// "4.1 kW" to watts.
func ParseEnergy(s string) (float64, error) {
	m := energyRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid energy value %q", s)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid energy value %q: %w", s, err)
	}
	mult, ok := unitMultipliers[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown energy unit %q", m[2])
	}
	return v * mult, nil
}

func isElement(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func hasClass(tag, class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if !isElement(tag)(n) {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == "class" {
				for _, c := range strings.Fields(a.Val) {
					if c == class {
						return true
					}
				}
			}
		}
		return false
	}
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if all := findAll(n, match); len(all) > 0 {
		return all[0]
	}
	return nil
}

// children returns the direct children of n with the tag.
func children(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isElement(tag)(c) {
			out = append(out, c)
		}
	}
	return out
}

// textOf returns the text content of n with whitespace collapsed.
func textOf(n *html.Node) string {
	var b strings.Builder
	for _, t := range findAll(n, func(n *html.Node) bool { return n.Type == html.TextNode }) {
		b.WriteString(t.Data)
		b.WriteString(" ")
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
