// Package record encodes orders and deals in their JSON record layout.
//
// Money is written as a fixed two-decimal string. reservedAt is epoch
// milliseconds; purchasedAt and redeemedAt are RFC 3339 and omitted while
// unset, as are orderNumber and pickupCode.
package record

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/order"
)

// EncodeDeal writes s as a JSON object.
func EncodeDeal(e *jx.Encoder, s *deal.Snapshot) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(s.ID)
	e.FieldStart("title")
	e.Str(s.Title)
	e.FieldStart("storeName")
	e.Str(s.StoreName)
	e.FieldStart("category")
	e.Str(s.Category)
	e.FieldStart("oldPrice")
	e.Str(s.OldPrice.StringFixed(2))
	e.FieldStart("newPrice")
	e.Str(s.NewPrice.StringFixed(2))
	e.FieldStart("discountPercent")
	e.Int(s.Discount())
	e.FieldStart("expiresAt")
	e.Str(s.ExpiresAt.UTC().Format(time.RFC3339))
	e.FieldStart("imageUrl")
	e.Str(s.ImageURL)
	e.FieldStart("shopAddress")
	e.Str(s.ShopAddress)
	e.FieldStart("shopPhone")
	e.Str(s.ShopPhone)
	e.FieldStart("location")
	e.ObjStart()
	e.FieldStart("lat")
	e.Float64(s.Location.Lat)
	e.FieldStart("lng")
	e.Float64(s.Location.Lng)
	e.ObjEnd()
	e.ObjEnd()
}

// EncodeOrder writes o as a JSON object.
func EncodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("orderLineId")
	e.Str(o.ID)
	e.FieldStart("dealSnapshot")
	EncodeDeal(e, &o.Deal)
	e.FieldStart("reservedAt")
	e.Int64(o.ReservedAt.UnixMilli())
	e.FieldStart("status")
	e.Str(string(o.Status))
	if o.OrderNumber != "" {
		e.FieldStart("orderNumber")
		e.Str(o.OrderNumber)
	}
	if o.PickupCode != "" {
		e.FieldStart("pickupCode")
		e.Str(o.PickupCode)
	}
	if o.PurchasedAt != nil {
		e.FieldStart("purchasedAt")
		e.Str(o.PurchasedAt.UTC().Format(time.RFC3339Nano))
	}
	if o.RedeemedAt != nil {
		e.FieldStart("redeemedAt")
		e.Str(o.RedeemedAt.UTC().Format(time.RFC3339Nano))
	}
	e.ObjEnd()
}

// MarshalOrder returns the record of o.
func MarshalOrder(o *order.Order) []byte {
	var e jx.Encoder
	EncodeOrder(&e, o)
	return e.Bytes()
}

// DecodeDeal reads a deal object. Prices may be strings or numbers.
func DecodeDeal(d *jx.Decoder) (deal.Snapshot, error) {
	var s deal.Snapshot
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			s.ID, err = d.Str()
		case "title":
			s.Title, err = d.Str()
		case "storeName":
			s.StoreName, err = d.Str()
		case "category":
			s.Category, err = d.Str()
		case "oldPrice":
			s.OldPrice, err = decodeMoney(d)
		case "newPrice":
			s.NewPrice, err = decodeMoney(d)
		case "discountPercent":
			s.DiscountPercent, err = d.Int()
		case "expiresAt":
			s.ExpiresAt, err = decodeTime(d)
		case "imageUrl":
			s.ImageURL, err = d.Str()
		case "shopAddress":
			s.ShopAddress, err = d.Str()
		case "shopPhone":
			s.ShopPhone, err = d.Str()
		case "location":
			err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var err error
				switch string(key) {
				case "lat":
					s.Location.Lat, err = d.Float64()
				case "lng":
					s.Location.Lng, err = d.Float64()
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		return nil
	})
	if err != nil {
		return deal.Snapshot{}, err
	}
	return s, nil
}

// DecodeOrder reads an order record.
func DecodeOrder(d *jx.Decoder) (order.Order, error) {
	var o order.Order
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "orderLineId":
			o.ID, err = d.Str()
		case "dealSnapshot":
			o.Deal, err = DecodeDeal(d)
		case "reservedAt":
			var ms int64
			ms, err = d.Int64()
			o.ReservedAt = time.UnixMilli(ms).UTC()
		case "status":
			var s string
			s, err = d.Str()
			o.Status = order.Status(s)
			if err == nil && !o.Status.Valid() {
				err = errors.Errorf("unknown status %q", s)
			}
		case "orderNumber":
			o.OrderNumber, err = d.Str()
		case "pickupCode":
			o.PickupCode, err = d.Str()
		case "purchasedAt":
			o.PurchasedAt, err = decodeOptTime(d)
		case "redeemedAt":
			o.RedeemedAt, err = decodeOptTime(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// UnmarshalOrder parses a single order record.
func UnmarshalOrder(data []byte) (order.Order, error) {
	return DecodeOrder(jx.DecodeBytes(data))
}

func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = string(n)
	default:
		return decimal.Decimal{}, errors.New("money must be a string or number")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.Round(2), nil
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

func decodeOptTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	t, err := decodeTime(d)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
