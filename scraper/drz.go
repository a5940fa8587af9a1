package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/charmap"

	"veilingmeester-bot/pkg/veiling"
)

var lotCodeRegex = regexp.MustCompile(`^K\d{1,12}$`)

// DRZ scrapes lots from the Domeinen RZ tender catalogue.
// The catalogue is served as windows-1252 and has no cost breakdown.
type DRZ struct {
	fetcher
	catalogURL string
	origin     string
}

// NewDRZ creates a scraper for the catalogue page at catalogURL.
func NewDRZ(client *http.Client, catalogURL string, timeout time.Duration, logger *slog.Logger) (*DRZ, error) {
	u, err := url.Parse(catalogURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid catalogue URL %q", catalogURL)
	}
	return &DRZ{
		fetcher:    fetcher{client: client, logger: logger, timeout: timeout},
		catalogURL: catalogURL,
		origin:     u.Scheme + "://" + u.Host,
	}, nil
}

// ListingURL is the catalogue page filtered to a single lot.
func (d *DRZ) ListingURL(code string) string {
	sep := "?"
	if strings.Contains(d.catalogURL, "?") {
		sep = "&"
	}
	return d.catalogURL + sep + "meerfotos=" + url.QueryEscape(code)
}

// Fetch retrieves a lot by its catalogue code (e.g. K12345).
func (d *DRZ) Fetch(ctx context.Context, code string) (*veiling.Snapshot, error) {
	if !lotCodeRegex.MatchString(code) {
		return nil, fmt.Errorf("invalid lot code %q", code)
	}

	pageURL := d.ListingURL(code)
	body, err := d.get(ctx, pageURL, "text/html,application/xhtml+xml", "fetch_drz_lot")
	if err != nil {
		return nil, fmt.Errorf("fetch lot %s: %w", code, err)
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode windows-1252: %w", veiling.ErrMalformedResponse, err)
	}

	snap, err := parseDRZ(decoded, d.origin)
	if err != nil {
		d.logger.Warn("DRZ page rejected", "code", code, "error", err)
		return nil, fmt.Errorf("parse lot %s: %w", code, err)
	}
	snap.LotID = code
	snap.URL = pageURL

	d.logger.Info("DRZ lot parsed", "code", code, "title", snap.Title, "images", len(snap.ImageURLs))
	return snap, nil
}

func parseDRZ(page []byte, origin string) (*veiling.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", veiling.ErrMalformedResponse, err)
	}

	item := doc.Find("div.catalogusdetailitem").First()
	if item.Length() == 0 {
		return nil, fmt.Errorf("%w: detail container not found", veiling.ErrMalformedResponse)
	}

	title := strings.TrimSpace(item.Find("h4.title").First().Text())
	if title == "" {
		title = "(No title)"
	}

	inner, err := item.Html()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", veiling.ErrMalformedResponse, err)
	}

	snap := &veiling.Snapshot{
		Source:      veiling.SourceDRZ,
		Title:       title,
		Description: StripHTML(blockBreaks.Replace(inner)),
		Category:    veiling.Unknown,
		Condition:   veiling.Unknown,
		Year:        veiling.Unknown,
		Brand:       veiling.Unknown,
	}

	item.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("data-hresimg")
		if !ok || strings.TrimSpace(src) == "" {
			return
		}
		snap.ImageURLs = append(snap.ImageURLs, resolve(origin, strings.TrimSpace(src)))
	})

	return snap, nil
}

// blockBreaks turns block-level closing tags into line breaks so the
// stripped text keeps one field per line.
var blockBreaks = strings.NewReplacer(
	"</div>", "</div><br>",
	"</li>", "</li><br>",
	"</h4>", "</h4><br>",
	"</tr>", "</tr><br>",
	"</td>", " </td>",
)

func resolve(origin, src string) string {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src
	}
	if !strings.HasPrefix(src, "/") {
		src = "/" + src
	}
	return origin + src
}
