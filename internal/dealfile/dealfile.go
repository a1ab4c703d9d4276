// Package dealfile reads catalog exports. Files are JSON arrays in the deal
// record layout or YAML lists with the same keys, optionally gzipped
// (".json.gz", ".yaml.gz").
package dealfile

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/record"
)

// Load reads every deal in path.
func Load(path string) ([]deal.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	name := path
	if strings.HasSuffix(name, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
		name = strings.TrimSuffix(name, ".gz")
	}

	var deals []deal.Snapshot
	switch ext := filepath.Ext(name); ext {
	case ".json":
		deals, err = decodeJSON(r)
	case ".yaml", ".yml":
		deals, err = decodeYAML(r)
	default:
		return nil, errors.Errorf("unsupported file type %q", ext)
	}
	if err != nil {
		return nil, err
	}

	for i := range deals {
		if err := Validate(&deals[i]); err != nil {
			return nil, errors.Wrapf(err, "deal %d", i)
		}
	}
	return deals, nil
}

// LoadAll reads files concurrently. A deal id present in several files
// takes the version from the last of them.
func LoadAll(ctx context.Context, paths []string) ([]deal.Snapshot, error) {
	parts := make([][]deal.Snapshot, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			deals, err := Load(p)
			if err != nil {
				return errors.Wrapf(err, "load %s", p)
			}
			parts[i] = deals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []deal.Snapshot
	pos := make(map[string]int)
	for _, deals := range parts {
		for _, d := range deals {
			if i, ok := pos[d.ID]; ok {
				out[i] = d
				continue
			}
			pos[d.ID] = len(out)
			out = append(out, d)
		}
	}
	return out, nil
}

// Validate checks the fields a reservable deal needs.
func Validate(d *deal.Snapshot) error {
	switch {
	case d.ID == "":
		return errors.New("id is required")
	case d.StoreName == "":
		return errors.Errorf("%s: storeName is required", d.ID)
	case d.ExpiresAt.IsZero():
		return errors.Errorf("%s: expiresAt is required", d.ID)
	case d.NewPrice.IsNegative():
		return errors.Errorf("%s: newPrice is negative", d.ID)
	case d.NewPrice.GreaterThan(d.OldPrice):
		return errors.Errorf("%s: newPrice exceeds oldPrice", d.ID)
	case d.DiscountPercent < 0 || d.DiscountPercent > 100:
		return errors.Errorf("%s: discountPercent out of range", d.ID)
	}
	return nil
}

func decodeJSON(r io.Reader) ([]deal.Snapshot, error) {
	var deals []deal.Snapshot
	d := jx.Decode(r, 32*1024)
	if err := d.Arr(func(d *jx.Decoder) error {
		s, err := record.DecodeDeal(d)
		if err != nil {
			return err
		}
		deals = append(deals, s)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode json")
	}
	return deals, nil
}

// money reads YAML scalars such as 17.50 or "17.50" without float rounding.
type money decimal.Decimal

func (m *money) UnmarshalYAML(n *yaml.Node) error {
	v, err := decimal.NewFromString(n.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d: parse price", n.Line)
	}
	*m = money(v.Round(2))
	return nil
}

type yamlDeal struct {
	ID              string    `yaml:"id"`
	Title           string    `yaml:"title"`
	StoreName       string    `yaml:"storeName"`
	Category        string    `yaml:"category"`
	OldPrice        money     `yaml:"oldPrice"`
	NewPrice        money     `yaml:"newPrice"`
	DiscountPercent int       `yaml:"discountPercent"`
	ExpiresAt       time.Time `yaml:"expiresAt"`
	ImageURL        string    `yaml:"imageUrl"`
	ShopAddress     string    `yaml:"shopAddress"`
	ShopPhone       string    `yaml:"shopPhone"`
	Location        struct {
		Lat float64 `yaml:"lat"`
		Lng float64 `yaml:"lng"`
	} `yaml:"location"`
}

func decodeYAML(r io.Reader) ([]deal.Snapshot, error) {
	var raw []yamlDeal
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode yaml")
	}

	deals := make([]deal.Snapshot, len(raw))
	for i, y := range raw {
		deals[i] = deal.Snapshot{
			ID:              y.ID,
			Title:           y.Title,
			StoreName:       y.StoreName,
			Category:        y.Category,
			OldPrice:        decimal.Decimal(y.OldPrice),
			NewPrice:        decimal.Decimal(y.NewPrice),
			DiscountPercent: y.DiscountPercent,
			ExpiresAt:       y.ExpiresAt.UTC(),
			ImageURL:        y.ImageURL,
			ShopAddress:     y.ShopAddress,
			ShopPhone:       y.ShopPhone,
			Location:        deal.GeoPoint{Lat: y.Location.Lat, Lng: y.Location.Lng},
		}
	}
	return deals, nil
}
