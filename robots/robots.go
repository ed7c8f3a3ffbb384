// Package robots implements the per-origin robots.txt policy described in
// spec.md §4.6/§3: fetch, parse, exclude check and crawl-delay, ported
// from original_source/src/robots_txt.{hpp,cpp}.
package robots

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"github.com/tinylib/msgp/msgp"

	"github.com/codepr/crawlworker/crawler/fetcher"
)

// Tunables (spec.md §6.3, plus the original source's REVISIT_TOO_LONG).
const (
	DefaultCrawlDelay = 60 * time.Second
	RobotsRefresh     = 15 * time.Minute
	MaxRobotsSize     = 500 * 1024 // 500 KiB
	RevisitTooLong    = 1000 * time.Second
)

// Profile is the per-origin policy record (RobotsProfile in spec.md §3).
type Profile struct {
	AgentName string
	Domain    string

	CanCrawl     bool
	AllowList    []string
	DisallowList []string
	CrawlDelay   time.Duration
	LastAccess   time.Time
	SitemapURL   string
	hasSitemap   bool

	clock clock.Clock
}

// New allocates a blank Profile defaulting to "allow everything", used by
// store.Manager as its Factory.
func New() *Profile {
	return &Profile{CanCrawl: true, CrawlDelay: DefaultCrawlDelay, clock: clock.New()}
}

// Configure sets the agent name and domain a freshly checked-out (or
// reloaded) Profile should use — mirrors robots_txt::configure in the
// original source, called unconditionally by crawler.Thread on every
// checkout since the cached instance may have been populated by an
// earlier crawl of a different agent/domain pairing.
func (p *Profile) Configure(agentName, domain string) {
	p.AgentName = agentName
	p.Domain = domain
	if p.clock == nil {
		p.clock = clock.New()
	}
}

// Sitemap returns the recorded sitemap URL, if any (original source's
// robots_txt::sitemap, dropped by the distilled spec but restored here).
func (p *Profile) Sitemap() (string, bool) { return p.SitemapURL, p.hasSitemap }

// Exclude reports whether path must not be crawled: true if the profile
// globally disallows this agent, or if path (after stripping the domain
// prefix) matches any DisallowList entry as a prefix.
func (p *Profile) Exclude(path string) bool {
	if !p.CanCrawl {
		return true
	}
	rel := strings.TrimPrefix(path, p.Domain)
	for _, d := range p.DisallowList {
		if strings.HasPrefix(rel, d) {
			return true
		}
	}
	return false
}

// Fetch retrieves {domain}/robots.txt via net, parses it, and stamps
// LastAccess. On any network or size failure, defaults apply: CanCrawl is
// set to true, the lists are emptied, and CrawlDelay reverts to
// DefaultCrawlDelay (spec.md §4.6).
func (p *Profile) Fetch(ctx context.Context, net fetcher.NetIO, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	defer func() { p.LastAccess = p.clock.Now() }()

	target := strings.TrimSuffix(p.Domain, "/") + "/robots.txt"
	resp, err := net.Fetch(ctx, target)
	if err != nil {
		log.WithError(err).WithField("domain", p.Domain).Debug("robots.txt fetch failed, applying defaults")
		p.applyDefaults()
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		p.applyDefaults()
		return nil
	}

	body, err := readAllCapped(resp.Body, MaxRobotsSize+1)
	if err != nil {
		log.WithError(err).Debug("reading robots.txt body failed, applying defaults")
		p.applyDefaults()
		return nil
	}
	if len(body) > MaxRobotsSize {
		log.WithField("size", humanize.Bytes(uint64(len(body)))).
			WithField("domain", p.Domain).
			Warn("oversize robots.txt, treating as empty")
		p.applyDefaults()
		return nil
	}

	// Parseability/size cross-check using the teacher's dependency: a
	// malformed or garbage body fails here even when it is under the
	// size cap, and that is treated the same as "no valid robots.txt"
	// (spec.md: "If robots data cannot be parsed ... allow access by
	// default"). The parsed *robotstxt.RobotsData itself is discarded:
	// robotstxt.Group does not expose raw allow/disallow lists, the
	// can_crawl override, or sitemap_url, all of which are required,
	// testable fields (spec.md §8), so the exact fields are still derived
	// from our own line walk below.
	if _, err := robotstxt.FromBytes(body); err != nil {
		log.WithError(err).Debug("robots.txt failed parseability check, applying defaults")
		p.applyDefaults()
		return nil
	}

	p.parse(body)
	return nil
}

func (p *Profile) applyDefaults() {
	p.CanCrawl = true
	p.AllowList = nil
	p.DisallowList = nil
	p.CrawlDelay = DefaultCrawlDelay
	p.SitemapURL = ""
	p.hasSitemap = false
}

// parse implements the line-oriented state machine of spec.md §4.6.
func (p *Profile) parse(body []byte) {
	p.CanCrawl = true
	p.AllowList = nil
	p.DisallowList = nil
	p.CrawlDelay = DefaultCrawlDelay
	p.SitemapURL = ""
	p.hasSitemap = false

	matching := false // current User-agent block applies to us
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		field := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])

		switch field {
		case "user-agent":
			matching = value == "*" || strings.HasPrefix(strings.ToLower(p.AgentName), strings.ToLower(value))
		case "sitemap":
			p.SitemapURL = value
			p.hasSitemap = true
		case "disallow":
			if !matching {
				continue
			}
			if value == "/" || value == "*" {
				p.CanCrawl = false
				continue
			}
			p.DisallowList = append(p.DisallowList, strings.ReplaceAll(value, "*", ""))
		case "allow":
			if !matching {
				continue
			}
			if value == "/" || value == "*" {
				p.CanCrawl = true
				continue
			}
			p.AllowList = append(p.AllowList, value)
		case "crawl-delay":
			if !matching {
				continue
			}
			var secs int
			if _, err := fmt.Sscanf(value, "%d", &secs); err == nil && secs >= 0 {
				p.CrawlDelay = time.Duration(secs) * time.Second
			}
		}
	}

	p.pruneAllowedFromDisallowed()
}

// pruneAllowedFromDisallowed enforces the invariant that any path with a
// prefix in AllowList is never also present in DisallowList: allow wins.
func (p *Profile) pruneAllowedFromDisallowed() {
	if len(p.AllowList) == 0 || len(p.DisallowList) == 0 {
		return
	}
	kept := p.DisallowList[:0:0]
	for _, d := range p.DisallowList {
		overlaps := false
		for _, a := range p.AllowList {
			if strings.HasPrefix(d, a) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	p.DisallowList = kept
}

func readAllCapped(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil && err != io.EOF {
		return data, err
	}
	return data, nil
}

// EncodeMsg implements store.Storable / msgp.Encodable.
func (p *Profile) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteBool(p.CanCrawl); err != nil {
		return err
	}
	if err := w.WriteString(p.AgentName); err != nil {
		return err
	}
	if err := w.WriteString(p.Domain); err != nil {
		return err
	}
	if err := writeStringSlice(w, p.AllowList); err != nil {
		return err
	}
	if err := writeStringSlice(w, p.DisallowList); err != nil {
		return err
	}
	if err := w.WriteInt64(int64(p.CrawlDelay)); err != nil {
		return err
	}
	if err := w.WriteInt64(p.LastAccess.UnixNano()); err != nil {
		return err
	}
	if err := w.WriteBool(p.hasSitemap); err != nil {
		return err
	}
	return w.WriteString(p.SitemapURL)
}

// DecodeMsg implements store.Storable / msgp.Decodable.
func (p *Profile) DecodeMsg(r *msgp.Reader) error {
	var err error
	if p.CanCrawl, err = r.ReadBool(); err != nil {
		return err
	}
	if p.AgentName, err = r.ReadString(); err != nil {
		return err
	}
	if p.Domain, err = r.ReadString(); err != nil {
		return err
	}
	if p.AllowList, err = readStringSlice(r); err != nil {
		return err
	}
	if p.DisallowList, err = readStringSlice(r); err != nil {
		return err
	}
	delay, err := r.ReadInt64()
	if err != nil {
		return err
	}
	p.CrawlDelay = time.Duration(delay)
	nanos, err := r.ReadInt64()
	if err != nil {
		return err
	}
	p.LastAccess = time.Unix(0, nanos).UTC()
	if p.hasSitemap, err = r.ReadBool(); err != nil {
		return err
	}
	if p.SitemapURL, err = r.ReadString(); err != nil {
		return err
	}
	return nil
}

func writeStringSlice(w *msgp.Writer, ss []string) error {
	if err := w.WriteArrayHeader(uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r *msgp.Reader) ([]string, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
